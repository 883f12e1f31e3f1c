// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
)

// ChromemStore implements Store on an embedded chromem-go database. It is
// the single-binary backend: pure Go, in memory, with optional gob
// persistence. Vectors are pre-computed, so the collection's embedding
// function is a guard that must never run.
type ChromemStore struct {
	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
	name       string
	dim        int
	persistDir string
}

// NewChromem opens an embedded store. With an empty persistDir everything
// lives in memory and dies with the process, which is what tests and demo
// installs want.
func NewChromem(persistDir, name string, dim int) (*ChromemStore, error) {
	var db *chromem.DB
	if persistDir != "" {
		if err := os.MkdirAll(persistDir, 0o755); err != nil {
			return nil, fmt.Errorf("create persist dir: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(persistDir, false)
		if err != nil {
			return nil, fmt.Errorf("open persistent vector db: %w", err)
		}
		slog.Info("Opened embedded vector store", "path", persistDir, "dim", dim)
	} else {
		db = chromem.NewDB()
		slog.Info("Opened in-memory vector store", "dim", dim)
	}
	return &ChromemStore{db: db, name: name, dim: dim, persistDir: persistDir}, nil
}

// rejectEmbed is the collection embedding function. Every document and query
// arrives with a pre-computed vector, so a call here means a bug upstream.
func rejectEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("vectorstore: embedding requested for %q but vectors are pre-computed", text)
}

func (s *ChromemStore) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureCollectionLocked()
}

func (s *ChromemStore) ensureCollectionLocked() error {
	if s.collection != nil {
		return nil
	}
	col, err := s.db.GetOrCreateCollection(s.name, nil, rejectEmbed)
	if err != nil {
		return fmt.Errorf("%w: collection %s: %v", ErrUnavailable, s.name, err)
	}
	s.collection = col
	return nil
}

func (s *ChromemStore) Upsert(ctx context.Context, docs []datatypes.Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureCollectionLocked(); err != nil {
		return 0, err
	}

	rows := make([]chromem.Document, 0, len(docs))
	for _, doc := range docs {
		if len(doc.Embedding) != s.dim {
			return 0, fmt.Errorf("%w: doc %s has %d, index wants %d",
				ErrDimension, doc.ID, len(doc.Embedding), s.dim)
		}
		meta := make(map[string]string, len(doc.Metadata))
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		rows = append(rows, chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  meta,
			Embedding: doc.Embedding,
		})
	}
	if err := s.collection.AddDocuments(ctx, rows, runtime.NumCPU()); err != nil {
		return 0, fmt.Errorf("index documents: %w", err)
	}
	return len(rows), nil
}

func (s *ChromemStore) SimilaritySearch(ctx context.Context, vector []float32, k int, threshold float64) ([]Match, error) {
	if len(vector) != s.dim {
		return nil, fmt.Errorf("%w: query has %d, index wants %d", ErrDimension, len(vector), s.dim)
	}
	k = clampK(k)

	s.mu.RLock()
	col := s.collection
	s.mu.RUnlock()
	if col == nil {
		return nil, nil
	}

	// chromem rejects k larger than the collection, so clamp to what exists.
	if n := col.Count(); n < k {
		if n == 0 {
			return nil, nil
		}
		k = n
	}

	results, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		meta := make(map[string]string, len(r.Metadata))
		for key, v := range r.Metadata {
			meta[key] = v
		}
		matches = append(matches, Match{
			Document: datatypes.Document{
				ID:       r.ID,
				Content:  r.Content,
				Metadata: meta,
			},
			Similarity: float64(r.Similarity),
		})
	}
	return rankMatches(matches, k, threshold), nil
}

func (s *ChromemStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.collection == nil {
		return 0, nil
	}
	return s.collection.Count(), nil
}

// DeleteAll drops and recreates the collection.
func (s *ChromemStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collection != nil {
		if err := s.db.DeleteCollection(s.name); err != nil {
			return fmt.Errorf("drop collection: %w", err)
		}
		s.collection = nil
	}
	slog.Warn("Dropped knowledge-base collection", "collection", s.name)
	return s.ensureCollectionLocked()
}

// Healthy always succeeds for the embedded backend: if the process is up,
// the index is up.
func (s *ChromemStore) Healthy(ctx context.Context) error { return nil }

var _ Store = (*ChromemStore)(nil)
