// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm abstracts the chat model behind one interface with streaming
// and non-streaming entry points. Backends: ollama (default) and openai.
package llm

import (
	"context"
	"errors"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
)

var (
	// ErrModelUnavailable means the backend could not be reached or the model
	// is not loaded. Maps to 503 at the edge.
	ErrModelUnavailable = errors.New("llm: model unavailable")

	// ErrContextTooLong means the assembled prompt exceeded the model context
	// window even after history truncation.
	ErrContextTooLong = errors.New("llm: context too long")
)

// GenerationParams are per-request sampling knobs. Nil pointers mean
// "backend default". SourceIDs carries the retrieved document ids of the
// turn; it never reaches the model and exists so the caching layer can
// fingerprint the grounding context.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	SourceIDs []string `json:"-"`
}

// ChatResult is the outcome of a non-streaming chat completion.
type ChatResult struct {
	Text       string
	TokensUsed int
}

// StreamEventType discriminates streaming callback events.
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventDone  StreamEventType = "done"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one unit of streamed model output.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives stream events in generation order. Returning a
// non-nil error aborts the stream; ChatStream then returns that error.
type StreamCallback func(event StreamEvent) error

// LLMClient is the chat model contract all backends implement.
type LLMClient interface {
	// Generate produces a completion for a single prompt string.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Chat produces a complete assistant reply for a message list.
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (*ChatResult, error)

	// ChatStream streams the assistant reply token by token. A clean stream
	// ends with exactly one StreamEventDone; an errored stream emits
	// StreamEventError and returns a non-nil error.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}
