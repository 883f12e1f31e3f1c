// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retriever grounds chat turns in the knowledge base.
//
// # Description
//
// The retriever embeds the user's query, runs a similarity search, and
// packages the hits for prompt assembly: documents ordered by similarity,
// citation sources deduplicated in first-occurrence order, and a hard cap on
// how many context characters a single turn may inject.
//
// Retrieval is best-effort by contract. A dead embedding model or vector
// store must never fail a chat turn; the retriever reports an empty result
// and a degraded flag, and the LLM answers from its own weights.
package retriever

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fincoach-ai/fincoach/services/advisor/cache"
	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
	"github.com/fincoach-ai/fincoach/services/advisor/vectorstore"
	"github.com/fincoach-ai/fincoach/services/embedding"
)

// Options tune one retriever instance. Zero values fall back to the
// documented defaults.
type Options struct {
	TopK            int
	Threshold       float64
	MaxContextChars int
	EmbeddingTTL    time.Duration
}

// Result is one retrieval outcome. Degraded is true when retrieval
// infrastructure failed and the turn proceeds ungrounded.
type Result struct {
	datatypes.RetrievalResult
	Degraded bool
}

// Retriever wires the embedding service, the vector store, and the embedding
// cache into the single Retrieve call the chat pipeline uses.
type Retriever struct {
	embedder embedding.Service
	store    vectorstore.Store
	cache    cache.Client
	opts     Options
}

// New builds a Retriever. cacheClient may be a no-op client; the retriever
// then embeds every query fresh.
func New(embedder embedding.Service, store vectorstore.Store, cacheClient cache.Client, opts Options) *Retriever {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.MaxContextChars <= 0 {
		opts.MaxContextChars = 2000
	}
	if opts.EmbeddingTTL <= 0 {
		opts.EmbeddingTTL = 24 * time.Hour
	}
	return &Retriever{embedder: embedder, store: store, cache: cacheClient, opts: opts}
}

// Retrieve grounds query in the knowledge base.
//
// Steps:
//  1. Resolve the query embedding, preferring the 24h embedding cache.
//  2. Similarity-search the vector store.
//  3. Concatenate documents in rank order until one would exceed the
//     character budget, then stop.
//  4. Deduplicate citation sources preserving first occurrence.
//
// Infrastructure failures return an empty, Degraded result with a nil error.
func (r *Retriever) Retrieve(ctx context.Context, query string) (*Result, error) {
	vector, err := r.queryEmbedding(ctx, query)
	if err != nil {
		slog.Warn("Retrieval degraded: embedding failed", "error", err)
		return &Result{Degraded: true}, nil
	}

	matches, err := r.store.SimilaritySearch(ctx, vector, r.opts.TopK, r.opts.Threshold)
	if err != nil {
		slog.Warn("Retrieval degraded: similarity search failed", "error", err)
		return &Result{Degraded: true}, nil
	}
	if len(matches) == 0 {
		return &Result{}, nil
	}

	res := &Result{}
	seen := make(map[string]struct{})
	budget := r.opts.MaxContextChars
	for _, m := range matches {
		// Truncation stops at the first document that would exceed the
		// budget; lower-ranked documents never leapfrog a bigger one.
		if len(m.Document.Content) > budget {
			break
		}
		budget -= len(m.Document.Content)
		res.Documents = append(res.Documents, m.Document)
		if src := m.Document.Source(); src != "" {
			if _, dup := seen[src]; !dup {
				seen[src] = struct{}{}
				res.Sources = append(res.Sources, datatypes.SourceInfo{
					Source: src,
					Score:  m.Similarity,
				})
			}
		}
	}
	return res, nil
}

// queryEmbedding returns the cached vector for query or embeds it fresh.
// Embedding keys are derived from the exact text.
func (r *Retriever) queryEmbedding(ctx context.Context, query string) ([]float32, error) {
	key := cache.EmbeddingKey(query)
	if raw, ok := r.cache.Get(ctx, key); ok {
		var vec []float32
		if err := json.Unmarshal(raw, &vec); err == nil && len(vec) == r.embedder.Dim() {
			return vec, nil
		}
		// A corrupt or stale-dimension entry is discarded, not trusted.
		r.cache.Delete(ctx, key)
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(vec); err == nil {
		r.cache.Set(ctx, key, raw, r.opts.EmbeddingTTL)
	}
	return vec, nil
}
