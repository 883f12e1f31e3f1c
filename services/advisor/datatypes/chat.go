// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the request, response, and persistence types
// shared by the advisor handlers and services.
package datatypes

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Message roles. The advisor only ever persists these three.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var chatValidate = validator.New()

// Message is one (role, content) pair in an LLM conversation.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// ChatRequest is the body of POST /v1/chat/message and of the per-turn
// payload on the streaming endpoints.
//
// SessionID is optional: when empty a fresh session is minted for the turn.
// The message cap is enforced by Validate against the configured
// MESSAGE_MAX_CHARS, not by a struct tag, because the cap is a deployment
// option.
type ChatRequest struct {
	Message    string `json:"message" validate:"required"`
	SessionID  string `json:"session_id,omitempty"`
	UseRAG     bool   `json:"use_rag"`
	UseHistory bool   `json:"use_history"`
}

// Validate checks the documented request contract.
//
// maxChars is the deployment's MESSAGE_MAX_CHARS. Violations are input
// errors: they must never reach a downstream dependency.
func (r *ChatRequest) Validate(maxChars int) error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid chat request: %w", err)
	}
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("invalid chat request: message is empty")
	}
	if len([]rune(r.Message)) > maxChars {
		return fmt.Errorf("invalid chat request: message exceeds %d characters", maxChars)
	}
	return nil
}

// Usage carries the per-turn accounting surfaced to HTTP clients and
// persisted with the assistant message.
type Usage struct {
	TokensUsed   int  `json:"tokens_used,omitempty"`
	SourcesCount int  `json:"sources_count"`
	Cached       bool `json:"cached"`
}

// ChatResponse is the body returned by the synchronous chat endpoint.
type ChatResponse struct {
	SessionID string   `json:"session_id"`
	Response  string   `json:"response"`
	Sources   []string `json:"sources"`
	Cached    bool     `json:"cached"`
	Usage     Usage    `json:"usage"`
}

// NewSessionID mints an opaque session identifier.
func NewSessionID() string {
	return uuid.New().String()
}

// NowUTC returns the current time truncated to millisecond precision, UTC.
// All advisor timestamps on the wire use this precision.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
