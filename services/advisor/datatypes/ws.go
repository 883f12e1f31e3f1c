// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// Client → server frame types on /ws/chat.
const (
	WSTypeAuthenticate = "authenticate"
	WSTypeMessage      = "message"
	WSTypePing         = "ping"
)

// Server → client frame types on /ws/chat.
const (
	WSTypeConnected = "connected"
	WSTypeSessionID = "session_id"
	WSTypeSources   = "sources"
	WSTypeResponse  = "response"
	WSTypeError     = "error"
	WSTypePong      = "pong"
)

// WebSocket close codes for fatal endpoint errors. Application codes live in
// the 4000-4999 private range per RFC 6455.
const (
	WSCloseAuthRequired       = 4401
	WSCloseAuthFailed         = 4403
	WSCloseAuthTimeout        = 4408
	WSCloseTooManyConnections = 4429
)

// WSClientFrame is any frame a client may send. The Type tag selects which
// fields are meaningful; frames with an unknown Type are rejected with an
// error frame rather than silently ignored.
type WSClientFrame struct {
	Type       string `json:"type"`
	Token      string `json:"token,omitempty"`
	Content    string `json:"content,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	UseRAG     *bool  `json:"use_rag,omitempty"`
	UseHistory *bool  `json:"use_history,omitempty"`
}

// WSServerFrame is any frame the server sends. Timestamps are ISO-8601 with
// millisecond precision, UTC.
type WSServerFrame struct {
	Type      string       `json:"type"`
	Message   string       `json:"message,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Content   string       `json:"content,omitempty"`
	Done      bool         `json:"done,omitempty"`
	Cached    bool         `json:"cached,omitempty"`
	Sources   []SourceInfo `json:"sources,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
}

// WSTimestamp formats t for the wire: ISO-8601, millisecond precision, UTC.
func WSTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
