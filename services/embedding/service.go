// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package embedding turns text into fixed-dimension vectors for semantic
// retrieval.
//
// # Description
//
// The advisor does not run an embedding model in-process. It talks to a
// dedicated embedding sidecar (an ollama instance serving a sentence
// transformer) over HTTP. The model is loaded lazily: the sidecar pulls it
// into memory on the first request, so the first embedding of a process is
// slow and everything after is fast. Deployments that care about first-token
// latency call Warm at startup.
//
// # Outputs
//
// All vectors are unit-normalized (L2 norm 1.0) before they leave this
// package, so cosine similarity downstream reduces to a dot product.
// EmbedBatch preserves input order: output[i] is always the vector of
// input[i].
//
// # Limitations
//
// The embedding dimension is fixed per model. Changing models requires
// re-ingesting the knowledge base; mixing vectors from different models in
// one index produces garbage similarities, not errors.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrEmptyInput is returned when asked to embed empty or all-empty input.
	ErrEmptyInput = errors.New("embedding: empty input")

	// ErrModelLoad is returned when the backing model could not be loaded or
	// reached. Callers treat this as a degraded-retrieval condition, not a
	// request failure.
	ErrModelLoad = errors.New("embedding: model unavailable")
)

// Service produces embeddings for queries and documents.
type Service interface {
	// Embed returns the unit-normalized vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in order. Either every text is embedded or an
	// error is returned; there are no partial batches.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dim is the fixed output dimension.
	Dim() int

	// Healthy reports whether the backing model is reachable.
	Healthy(ctx context.Context) error
}

// ollamaService implements Service against an ollama /api/embed endpoint.
type ollamaService struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client

	warmOnce sync.Once
	warmErr  error
}

// NewOllama returns a Service backed by the ollama instance at baseURL
// serving model. dim is the model's output dimension and is validated against
// every response; a mismatch means the deployment is pointed at the wrong
// model.
func NewOllama(baseURL, model string, dim int) Service {
	return &ollamaService{
		baseURL: baseURL,
		model:   model,
		dim:     dim,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Warm forces the lazy model load now instead of on the first user request.
func (s *ollamaService) Warm(ctx context.Context) error {
	s.warmOnce.Do(func() {
		start := time.Now()
		_, err := s.embed(ctx, []string{"warmup"})
		if err != nil {
			s.warmErr = err
			slog.Warn("Embedding model warmup failed", "model", s.model, "error", err)
			return
		}
		slog.Info("Embedding model loaded",
			"model", s.model,
			"dim", s.dim,
			"duration_ms", time.Since(start).Milliseconds())
	})
	return s.warmErr
}

func (s *ollamaService) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *ollamaService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	for _, t := range texts {
		if t == "" {
			return nil, ErrEmptyInput
		}
	}
	return s.embed(ctx, texts)
}

func (s *ollamaService) Dim() int { return s.dim }

func (s *ollamaService) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrModelLoad, resp.StatusCode)
	}
	return nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (s *ollamaService) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: s.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrModelLoad, resp.StatusCode, msg)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed response count mismatch: got %d, want %d",
			len(parsed.Embeddings), len(texts))
	}

	for _, vec := range parsed.Embeddings {
		if len(vec) != s.dim {
			return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d (wrong model?)",
				len(vec), s.dim)
		}
		Normalize(vec)
	}
	return parsed.Embeddings, nil
}

// Normalize scales vec in place to unit L2 norm. A zero vector is left
// untouched.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

var _ Service = (*ollamaService)(nil)
