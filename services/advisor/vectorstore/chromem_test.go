// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
)

func newTestStore(t *testing.T) *ChromemStore {
	t.Helper()
	store, err := NewChromem("", "KnowledgeChunk", 3)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func doc(id, content, source string, vec []float32) datatypes.Document {
	return datatypes.Document{
		ID:        id,
		Content:   content,
		Metadata:  map[string]string{"source": source},
		Embedding: vec,
	}
}

func TestChromemUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	n, err := store.Upsert(ctx, []datatypes.Document{
		doc("etf-1", "ETFs are pooled funds traded on exchanges.", "investing-basics.md", []float32{1, 0, 0}),
		doc("bond-1", "Bonds pay fixed coupons.", "fixed-income.md", []float32{0, 1, 0}),
		doc("tax-1", "Capital gains are taxed on sale.", "tax-guide.md", []float32{0, 0, 1}),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	matches, err := store.SimilaritySearch(ctx, []float32{1, 0, 0}, 5, 0.7)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "etf-1", matches[0].Document.ID)
	assert.Equal(t, "investing-basics.md", matches[0].Document.Source())
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-5)
}

func TestChromemSearchOrderingAndThreshold(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Two docs near the query axis, one orthogonal.
	_, err := store.Upsert(ctx, []datatypes.Document{
		doc("a", "close", "s", []float32{0.9949874, 0.1, 0}),
		doc("b", "closer", "s", []float32{1, 0, 0}),
		doc("c", "unrelated", "s", []float32{0, 0, 1}),
	})
	require.NoError(t, err)

	matches, err := store.SimilaritySearch(ctx, []float32{1, 0, 0}, 5, 0.5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "b", matches[0].Document.ID)
	assert.Equal(t, "a", matches[1].Document.ID)
	assert.GreaterOrEqual(t, matches[0].Similarity, matches[1].Similarity)
}

func TestChromemUpsertReplacesByID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Upsert(ctx, []datatypes.Document{
		doc("etf-1", "old text", "v1.md", []float32{1, 0, 0}),
	})
	require.NoError(t, err)

	_, err = store.Upsert(ctx, []datatypes.Document{
		doc("etf-1", "new text", "v2.md", []float32{1, 0, 0}),
	})
	require.NoError(t, err)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	matches, err := store.SimilaritySearch(ctx, []float32{1, 0, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "new text", matches[0].Document.Content)
}

func TestChromemDimensionChecks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Upsert(ctx, []datatypes.Document{
		doc("bad", "wrong dim", "s", []float32{1, 0}),
	})
	assert.ErrorIs(t, err, ErrDimension)

	_, err = store.SimilaritySearch(ctx, []float32{1, 0}, 3, 0)
	assert.ErrorIs(t, err, ErrDimension)
}

func TestChromemEmptyIndexSearch(t *testing.T) {
	store := newTestStore(t)
	matches, err := store.SimilaritySearch(context.Background(), []float32{1, 0, 0}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestChromemDeleteAll(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Upsert(ctx, []datatypes.Document{
		doc("a", "x", "s", []float32{1, 0, 0}),
	})
	require.NoError(t, err)
	require.NoError(t, store.DeleteAll(ctx))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	// The index stays usable after a wipe.
	n, err := store.Upsert(ctx, []datatypes.Document{
		doc("b", "y", "s", []float32{0, 1, 0}),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRankMatches(t *testing.T) {
	in := []Match{
		{Document: datatypes.Document{ID: "b"}, Similarity: 0.9},
		{Document: datatypes.Document{ID: "a"}, Similarity: 0.9},
		{Document: datatypes.Document{ID: "c"}, Similarity: 0.95},
		{Document: datatypes.Document{ID: "d"}, Similarity: 0.2},
	}
	out := rankMatches(in, 3, 0.5)
	require.Len(t, out, 3)
	assert.Equal(t, "c", out[0].Document.ID)
	// Equal similarity ties break by ID ascending.
	assert.Equal(t, "a", out[1].Document.ID)
	assert.Equal(t, "b", out[2].Document.ID)
}

func TestRankMatchesThresholdIsStrict(t *testing.T) {
	// A hit exactly at the threshold is excluded.
	out := rankMatches([]Match{
		{Document: datatypes.Document{ID: "at"}, Similarity: 0.7},
		{Document: datatypes.Document{ID: "above"}, Similarity: 0.71},
	}, 10, 0.7)
	require.Len(t, out, 1)
	assert.Equal(t, "above", out[0].Document.ID)

	// A zero threshold disables filtering entirely.
	out = rankMatches([]Match{
		{Document: datatypes.Document{ID: "a"}, Similarity: 0.7},
		{Document: datatypes.Document{ID: "floor"}, Similarity: 0},
	}, 10, 0)
	assert.Len(t, out, 2)
}

func TestClampK(t *testing.T) {
	assert.Equal(t, 1, clampK(0))
	assert.Equal(t, 1, clampK(-3))
	assert.Equal(t, 7, clampK(7))
	assert.Equal(t, KMax, clampK(KMax+10))
}
