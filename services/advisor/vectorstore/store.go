// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package vectorstore indexes knowledge-base passages for similarity search.
//
// Two backends implement the same contract: weaviate for the standard
// multi-service deployment, and chromem for single-binary installs with no
// external vector database. Both store pre-computed embeddings; this package
// never embeds text itself.
package vectorstore

import (
	"context"
	"errors"
	"sort"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
)

var (
	// ErrUnavailable means the backing index could not be reached. The
	// retriever downgrades this to an empty retrieval; ingestion surfaces it.
	ErrUnavailable = errors.New("vectorstore: unavailable")

	// ErrDimension means a vector did not match the index dimension.
	ErrDimension = errors.New("vectorstore: embedding dimension mismatch")
)

// KMax caps how many neighbors a single search may request.
const KMax = 50

// Match is one search hit: the stored document plus its cosine similarity to
// the query, in [0, 1] for unit vectors.
type Match struct {
	Document   datatypes.Document
	Similarity float64
}

// Store is the knowledge-base index contract.
//
// Searches are read-only and safe for concurrent use. Upsert is idempotent on
// document ID: re-ingesting a document replaces its previous row.
type Store interface {
	// EnsureSchema creates the backing class/collection if missing.
	EnsureSchema(ctx context.Context) error

	// Upsert indexes docs, replacing rows that share an ID. Every doc must
	// carry a non-nil Embedding of the index dimension. Returns the number of
	// documents written.
	Upsert(ctx context.Context, docs []datatypes.Document) (int, error)

	// SimilaritySearch returns up to k matches with similarity strictly
	// greater than threshold, ordered by similarity descending, ties broken
	// by document ID ascending so identical queries always return identical
	// orderings. k is clamped to [1, KMax], threshold to [0, 1]; a zero
	// threshold disables filtering.
	SimilaritySearch(ctx context.Context, vector []float32, k int, threshold float64) ([]Match, error)

	// Count reports the number of indexed documents.
	Count(ctx context.Context) (int, error)

	// DeleteAll drops every indexed document but keeps the schema.
	DeleteAll(ctx context.Context) error

	// Healthy reports index reachability.
	Healthy(ctx context.Context) error
}

// clampK normalizes a requested neighbor count to [1, KMax].
func clampK(k int) int {
	if k < 1 {
		return 1
	}
	if k > KMax {
		return KMax
	}
	return k
}

// rankMatches applies the shared post-filter both backends use: drop hits at
// or below threshold (zero threshold keeps everything), order by similarity
// descending with ID-ascending tiebreaks, truncate to k.
func rankMatches(matches []Match, k int, threshold float64) []Match {
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}
	kept := matches[:0]
	for _, m := range matches {
		if threshold == 0 || m.Similarity > threshold {
			kept = append(kept, m)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Similarity != kept[j].Similarity {
			return kept[i].Similarity > kept[j].Similarity
		}
		return kept[i].Document.ID < kept[j].Document.ID
	})
	if len(kept) > k {
		kept = kept[:k]
	}
	return kept
}
