// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"unicode"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
)

// Key grammar. Keys are stable across releases: a deploy must not silently
// invalidate the whole cache by reformatting keys.
//
//	resp:{sha256(normalized_prompt + context_fingerprint)}
//	emb:{sha256(text)}
//	profile:{user_id}
//	history:{session_id}
//	rl:{user_id}:{unix_minute}
//	alloc:{user_id}:{yyyy-mm-dd}

// NormalizePrompt canonicalizes a prompt for response-cache key derivation:
// lowercased, runs of whitespace collapsed to one space, leading and trailing
// punctuation stripped. "What is an ETF?" and "what is an etf" share a key.
func NormalizePrompt(prompt string) string {
	s := strings.ToLower(prompt)
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimFunc(s, unicode.IsPunct)
}

// ContextFingerprint digests the conversational context of a turn: the last
// ten (role, content) pairs preceding it plus the retrieved source ids, in
// order. Two turns with the same prompt but different history or different
// grounding must never share a cached response.
func ContextFingerprint(history []datatypes.Message, sourceIDs []string) string {
	if len(history) > 10 {
		history = history[len(history)-10:]
	}
	h := sha256.New()
	for _, m := range history {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	for _, id := range sourceIDs {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ResponseKey derives the response-cache key from an already-normalized
// prompt and a context fingerprint.
func ResponseKey(normalizedPrompt, fingerprint string) string {
	sum := sha256.Sum256([]byte(normalizedPrompt + fingerprint))
	return "resp:" + hex.EncodeToString(sum[:])
}

// ResponseKeyFor derives the response-cache key for a turn. messages is the
// full prompt assembly in order; the final entry is the current user prompt
// and everything before it is context. Both the synchronous chat path and the
// streaming replay check derive through here so they can never disagree.
func ResponseKeyFor(messages []datatypes.Message, sourceIDs []string) string {
	if len(messages) == 0 {
		return ResponseKey("", ContextFingerprint(nil, sourceIDs))
	}
	last := messages[len(messages)-1]
	return ResponseKey(
		NormalizePrompt(last.Content),
		ContextFingerprint(messages[:len(messages)-1], sourceIDs),
	)
}

// EmbeddingKey derives the embedding-cache key for raw text. Embeddings are
// keyed on the exact text, not the normalized form: the vector of "ETF?" is
// not the vector of "etf".
func EmbeddingKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + hex.EncodeToString(sum[:])
}

// ProfileKey caches the user profile snapshot.
func ProfileKey(userID string) string { return "profile:" + userID }

// HistoryKey caches the recent-messages snapshot of a session.
func HistoryKey(sessionID string) string { return "history:" + sessionID }

// RateLimitKey is the per-user counter for one minute window. window is the
// unix timestamp truncated to the minute.
func RateLimitKey(userID string, window int64) string {
	return "rl:" + userID + ":" + strconv.FormatInt(window, 10)
}

// AllocKey is the per-user daily spend accumulator. day is "yyyy-mm-dd" UTC.
func AllocKey(userID, day string) string { return "alloc:" + userID + ":" + day }
