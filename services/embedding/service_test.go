// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmbedServer(t *testing.T, dim int, fail bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.WriteHeader(http.StatusOK)
			return
		}
		require.Equal(t, "/api/embed", r.URL.Path)
		if fail {
			http.Error(w, "model not found", http.StatusNotFound)
			return
		}
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		out := embedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i, text := range req.Input {
			vec := make([]float32, dim)
			// Deterministic per-text vector so order is observable.
			for j := range vec {
				vec[j] = float32(len(text) + i + j)
			}
			out.Embeddings[i] = vec
		}
		require.NoError(t, json.NewEncoder(w).Encode(out))
	}))
}

func TestEmbedBatchOrderAndNormalization(t *testing.T) {
	srv := newEmbedServer(t, 4, false)
	defer srv.Close()

	svc := NewOllama(srv.URL, "all-minilm", 4)
	vecs, err := svc.EmbedBatch(context.Background(), []string{"aa", "bbbb"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	for _, vec := range vecs {
		var sum float64
		for _, v := range vec {
			sum += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
	}
	// Output order follows input order: the longer text produced larger raw
	// components, so after normalization the first components still differ.
	assert.NotEqual(t, vecs[0], vecs[1])
}

func TestEmbedRejectsEmptyInput(t *testing.T) {
	svc := NewOllama("http://unused", "all-minilm", 4)

	_, err := svc.EmbedBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = svc.EmbedBatch(context.Background(), []string{"ok", ""})
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestEmbedModelUnavailable(t *testing.T) {
	srv := newEmbedServer(t, 4, true)
	defer srv.Close()

	svc := NewOllama(srv.URL, "missing-model", 4)
	_, err := svc.Embed(context.Background(), "hello")
	assert.True(t, errors.Is(err, ErrModelLoad))
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := newEmbedServer(t, 8, false)
	defer srv.Close()

	svc := NewOllama(srv.URL, "all-minilm", 4)
	_, err := svc.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension mismatch")
}

func TestNormalizeZeroVector(t *testing.T) {
	vec := []float32{0, 0, 0}
	Normalize(vec)
	assert.Equal(t, []float32{0, 0, 0}, vec)
}
