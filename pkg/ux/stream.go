// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides the client-side streaming components for the FinCoach
// CLI: an SSE parser, a stream reader, and hash chain verification for the
// events the advisor emits.
package ux

import "strings"

// StreamEventType discriminates advisor stream events on the client side.
type StreamEventType string

const (
	StreamEventSession StreamEventType = "session_id"
	StreamEventSources StreamEventType = "sources"
	StreamEventToken   StreamEventType = "response"
	StreamEventError   StreamEventType = "error"
)

// SourceInfo is one citation entry. Field tags mirror the server exactly so
// re-marshalling for hash verification is byte-identical.
type SourceInfo struct {
	Source string  `json:"source"`
	Score  float64 `json:"score,omitempty"`
}

// StreamEvent is one advisor SSE event as received. Hash and PrevHash carry
// the server's integrity chain; Done marks the terminal response event.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Id        string          `json:"id,omitempty"`
	CreatedAt int64           `json:"created_at,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Done      bool            `json:"done,omitempty"`
	Cached    bool            `json:"cached,omitempty"`
	Sources   []SourceInfo    `json:"sources,omitempty"`
	Error     string          `json:"error,omitempty"`
	Hash      string          `json:"hash,omitempty"`
	PrevHash  string          `json:"prev_hash,omitempty"`
}

// Terminal reports whether this event ends the stream.
func (e *StreamEvent) Terminal() bool {
	return e.Type == StreamEventError || (e.Type == StreamEventToken && e.Done)
}

// StreamResult is the aggregate of one complete stream.
type StreamResult struct {
	Answer    string
	SessionID string
	Sources   []SourceInfo
	Cached    bool
	Err       string

	// Events holds every received event in order, for chain verification.
	Events []StreamEvent
}

// StreamCallback receives events in arrival order. Returning an error stops
// the read.
type StreamCallback func(event StreamEvent) error

// Collect folds one event into the result.
func (r *StreamResult) Collect(event StreamEvent) {
	r.Events = append(r.Events, event)
	switch event.Type {
	case StreamEventSession:
		r.SessionID = event.SessionID
	case StreamEventSources:
		r.Sources = event.Sources
	case StreamEventToken:
		r.Answer += event.Content
		if event.Done {
			r.Cached = event.Cached
			if event.SessionID != "" {
				r.SessionID = event.SessionID
			}
		}
	case StreamEventError:
		r.Err = event.Error
	}
}

// FormatSources renders the citation list for terminal output.
func FormatSources(sources []SourceInfo) string {
	if len(sources) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Sources:\n")
	for _, s := range sources {
		b.WriteString("  - ")
		b.WriteString(s.Source)
		b.WriteString("\n")
	}
	return b.String()
}
