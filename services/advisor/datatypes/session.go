// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// ChatSession is a conversation container owned by exactly one user.
type ChatSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatMessage is one append-only record inside a session. Message timestamps
// are monotonically non-decreasing within a session; ties are broken by
// insertion order.
type ChatMessage struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
	TokensUsed   int       `json:"tokens_used,omitempty"`
	Cost         float64   `json:"cost,omitempty"`
	SourcesCount int       `json:"sources_count"`
	Cached       bool      `json:"cached"`
}

// SessionSummary is one row of the session listing: the session plus a
// preview derived from its first user message and the total message count.
type SessionSummary struct {
	Session      ChatSession `json:"session"`
	Preview      string      `json:"preview"`
	MessageCount int         `json:"message_count"`
}

// UserProfile is the optional per-user record used to personalize the system
// prompt. It is read-only from the advisor's perspective; registration and
// preference flows own the writes. Any field may be empty.
type UserProfile struct {
	UserID        string   `json:"user_id"`
	Name          string   `json:"name,omitempty"`
	RiskTolerance string   `json:"risk_tolerance,omitempty"`
	Preferences   []string `json:"preferences,omitempty"`
}
