// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// StreamEvent is one Server-Sent Event on the SSE chat endpoint.
//
// Every event carries an id, a millisecond timestamp, and a SHA-256 hash
// chained to the previous event (Hash/PrevHash) so clients and audits can
// verify stream integrity end to end. The Type field selects which payload
// fields are populated:
//
//   - "session_id": SessionID
//   - "sources":    Sources
//   - "response":   Content, Done, Cached
//   - "error":      Error
type StreamEvent struct {
	Type      string       `json:"type"`
	Id        string       `json:"id,omitempty"`
	CreatedAt int64        `json:"created_at,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Content   string       `json:"content,omitempty"`
	Done      bool         `json:"done,omitempty"`
	Cached    bool         `json:"cached,omitempty"`
	Sources   []SourceInfo `json:"sources,omitempty"`
	Error     string       `json:"error,omitempty"`
	Hash      string       `json:"hash,omitempty"`
	PrevHash  string       `json:"prev_hash,omitempty"`
}
