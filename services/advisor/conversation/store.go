// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation persists sessions, messages, and user profiles.
//
// # Description
//
// The store is the durable record of every conversation. It runs on sqlite
// in WAL mode: a single writer, many readers, one file to back up. Sessions
// are owned by exactly one user, and every read path enforces ownership.
//
// Ownership violations surface as ErrNotFound, never as a "forbidden"
// answer: confirming that a session id exists but belongs to someone else
// leaks information an attacker can enumerate.
//
// # Limitations
//
// One process owns the database file. Horizontal scaling of the advisor
// requires moving this store to a server database; the interface is the
// migration seam.
package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
)

// ErrNotFound covers both "no such session" and "session owned by another
// user". Callers must not distinguish the two.
var ErrNotFound = errors.New("conversation: not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_updated
	ON sessions (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role          TEXT NOT NULL,
	content       TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	seq           INTEGER NOT NULL,
	tokens_used   INTEGER NOT NULL DEFAULT 0,
	cost          REAL NOT NULL DEFAULT 0,
	sources_count INTEGER NOT NULL DEFAULT 0,
	cached        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_session_created
	ON messages (session_id, created_at, seq);

CREATE TABLE IF NOT EXISTS profiles (
	user_id          TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	risk_tolerance   TEXT NOT NULL DEFAULT '',
	preferences_json TEXT NOT NULL DEFAULT '[]'
);
`

// Store is the sqlite-backed conversation store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open conversation db: %w", err)
	}
	// sqlite allows one writer; serialize through a single connection to
	// trade throughput for no SQLITE_BUSY surprises.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply conversation schema: %w", err)
	}
	slog.Info("Opened conversation store", "path", path)
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Healthy reports database reachability.
func (s *Store) Healthy(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// FindOrCreateSession resolves the session for a turn.
//
// Three cases:
//   - id exists and belongs to userID: return it.
//   - id does not exist: create it under userID (client-minted ids are
//     allowed; an empty id gets a fresh UUID).
//   - id exists under another user: ErrNotFound.
func (s *Store) FindOrCreateSession(ctx context.Context, userID, id string) (*datatypes.ChatSession, error) {
	if id != "" {
		sess, err := s.getSession(ctx, id)
		if err == nil {
			if sess.UserID != userID {
				return nil, ErrNotFound
			}
			return sess, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if id == "" {
		id = datatypes.NewSessionID()
	}
	now := datatypes.NowUTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, userID, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	slog.Debug("Created chat session", "session_id", id)
	return &datatypes.ChatSession{ID: id, UserID: userID, CreatedAt: now, UpdatedAt: now}, nil
}

// GetSession returns the session if userID owns it.
func (s *Store) GetSession(ctx context.Context, userID, id string) (*datatypes.ChatSession, error) {
	sess, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *Store) getSession(ctx context.Context, id string) (*datatypes.ChatSession, error) {
	var (
		sess       datatypes.ChatSession
		createdMS  int64
		updatedMS  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &sess.Title, &createdMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	sess.CreatedAt = time.UnixMilli(createdMS).UTC()
	sess.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	return &sess, nil
}

// AppendMessage appends msg to its session and bumps the session's
// updated_at, atomically. The per-session seq breaks timestamp ties so
// replayed history keeps insertion order.
func (s *Store) AppendMessage(ctx context.Context, userID string, msg *datatypes.ChatMessage) error {
	if _, err := s.GetSession(ctx, userID, msg.SessionID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if msg.ID == "" {
		msg.ID = datatypes.NewSessionID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = datatypes.NowUTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, created_at, seq,
			tokens_used, cost, sources_count, cached)
		VALUES (?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?),
			?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt.UnixMilli(),
		msg.SessionID, msg.TokensUsed, msg.Cost, msg.SourcesCount, boolToInt(msg.Cached))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		msg.CreatedAt.UnixMilli(), msg.SessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return tx.Commit()
}

// ListSessions returns one page of the user's sessions newest-activity-first,
// each with its message count and a preview from its first user message, plus
// the user's total session count. Paging runs in SQL so a long history never
// gets loaded whole.
func (s *Store) ListSessions(ctx context.Context, userID string, skip, limit int) ([]datatypes.SessionSummary, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.user_id, s.title, s.created_at, s.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id),
			COALESCE((SELECT m.content FROM messages m
				WHERE m.session_id = s.id AND m.role = 'user'
				ORDER BY m.created_at, m.seq LIMIT 1), '')
		FROM sessions s
		WHERE s.user_id = ?
		ORDER BY s.updated_at DESC
		LIMIT ? OFFSET ?`, userID, limit, skip)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []datatypes.SessionSummary
	for rows.Next() {
		var (
			sum       datatypes.SessionSummary
			createdMS int64
			updatedMS int64
		)
		if err := rows.Scan(&sum.Session.ID, &sum.Session.UserID, &sum.Session.Title,
			&createdMS, &updatedMS, &sum.MessageCount, &sum.Preview); err != nil {
			return nil, 0, fmt.Errorf("scan session row: %w", err)
		}
		sum.Session.CreatedAt = time.UnixMilli(createdMS).UTC()
		sum.Session.UpdatedAt = time.UnixMilli(updatedMS).UTC()
		if len(sum.Preview) > 120 {
			sum.Preview = sum.Preview[:120]
		}
		out = append(out, sum)
	}
	return out, total, rows.Err()
}

// ListMessages returns the full transcript oldest-first, enforcing
// ownership.
func (s *Store) ListMessages(ctx context.Context, userID, sessionID string) ([]datatypes.ChatMessage, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.queryMessages(ctx, `
		SELECT id, session_id, role, content, created_at, tokens_used, cost, sources_count, cached
		FROM messages WHERE session_id = ?
		ORDER BY created_at, seq`, sessionID)
}

// RecentMessages returns the last n messages oldest-first for prompt
// context, enforcing ownership.
func (s *Store) RecentMessages(ctx context.Context, userID, sessionID string, n int) ([]datatypes.ChatMessage, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	msgs, err := s.queryMessages(ctx, `
		SELECT id, session_id, role, content, created_at, tokens_used, cost, sources_count, cached
		FROM messages WHERE session_id = ?
		ORDER BY created_at DESC, seq DESC LIMIT ?`, sessionID, n)
	if err != nil {
		return nil, err
	}
	// Flip newest-first to oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]datatypes.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []datatypes.ChatMessage
	for rows.Next() {
		var (
			msg       datatypes.ChatMessage
			createdMS int64
			cached    int
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&createdMS, &msg.TokensUsed, &msg.Cost, &msg.SourcesCount, &cached); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(createdMS).UTC()
		msg.Cached = cached != 0
		out = append(out, msg)
	}
	return out, rows.Err()
}

// DeleteSession removes the session and its messages, enforcing ownership.
func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	slog.Info("Deleted chat session", "session_id", sessionID)
	return nil
}

// SetSessionTitle names a session, enforcing ownership.
func (s *Store) SetSessionTitle(ctx context.Context, userID, sessionID, title string) error {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = ? WHERE id = ?`, title, sessionID)
	if err != nil {
		return fmt.Errorf("set session title: %w", err)
	}
	return nil
}

// GetProfile returns the user's profile, or ErrNotFound when none was ever
// saved. Chat treats a missing profile as "no personalization".
func (s *Store) GetProfile(ctx context.Context, userID string) (*datatypes.UserProfile, error) {
	var (
		profile  datatypes.UserProfile
		prefJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, name, risk_tolerance, preferences_json FROM profiles WHERE user_id = ?`,
		userID).Scan(&profile.UserID, &profile.Name, &profile.RiskTolerance, &prefJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if err := json.Unmarshal([]byte(prefJSON), &profile.Preferences); err != nil {
		slog.Warn("Dropping unreadable profile preferences", "user_id", userID, "error", err)
	}
	return &profile, nil
}

// SetProfile creates or replaces the user's profile.
func (s *Store) SetProfile(ctx context.Context, profile *datatypes.UserProfile) error {
	prefJSON, err := json.Marshal(profile.Preferences)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, name, risk_tolerance, preferences_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			name = excluded.name,
			risk_tolerance = excluded.risk_tolerance,
			preferences_json = excluded.preferences_json`,
		profile.UserID, profile.Name, profile.RiskTolerance, string(prefJSON))
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
