// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
)

// SSEWriter writes Server-Sent Events to an HTTP response.
//
// # Description
//
// Implementations own the SSE wire format (event: type\ndata: json\n\n) and
// flush after every event. Each event is assigned an id, a millisecond
// timestamp, and a SHA-256 hash chained to the previous event (Hash/PrevHash)
// so clients and audits can verify stream integrity end to end.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: the keepalive goroutine
// writes alongside the turn goroutine.
type SSEWriter interface {
	// WriteEvent writes one event; Id, CreatedAt, Hash, and PrevHash are
	// populated here.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteSession announces the resolved session id, always first.
	WriteSession(sessionID string) error

	// WriteSources announces the citation list before any token.
	WriteSources(sources []datatypes.SourceInfo) error

	// WriteToken streams one content fragment.
	WriteToken(content string) error

	// WriteError ends a failed stream. errMsg must already be sanitized.
	WriteError(errMsg string) error

	// WriteDone ends a successful stream. For cache replays content carries
	// the complete reply and cached is true.
	WriteDone(content string, cached bool) error

	// WriteKeepAlive sends an SSE comment to hold the connection open
	// through load balancer idle timeouts. Comments are not events and do
	// not advance the hash chain.
	WriteKeepAlive() error
}

type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter wraps w for SSE output. The caller must have set the SSE
// headers via SetSSEHeaders first.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// computeEventHash hashes every content-bearing field so the chain covers
// content, sources, and timestamps. Called before Hash is set.
func computeEventHash(event datatypes.StreamEvent) string {
	sourcesJSON := ""
	if len(event.Sources) > 0 {
		if data, err := json.Marshal(event.Sources); err == nil {
			sourcesJSON = string(data)
		}
	}
	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%t|%t|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Content,
		event.Error,
		event.SessionID,
		event.Done,
		event.Cached,
		sourcesJSON,
	)
	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

func (w *sseWriter) WriteSession(sessionID string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:      "session_id",
		SessionID: sessionID,
	})
}

func (w *sseWriter) WriteSources(sources []datatypes.SourceInfo) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    "sources",
		Sources: sources,
	})
}

func (w *sseWriter) WriteToken(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    "response",
		Content: content,
	})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  "error",
		Error: errMsg,
	})
}

func (w *sseWriter) WriteDone(content string, cached bool) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    "response",
		Content: content,
		Done:    true,
		Cached:  cached,
	})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders configures the response for SSE streaming. Must run before
// the first write. X-Accel-Buffering disables nginx proxy buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
