// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
)

func TestNormalizePrompt(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "What Is An ETF", "what is an etf"},
		{"collapses whitespace", "what   is\tan\n etf", "what is an etf"},
		{"strips edge punctuation", "??what is an etf?!", "what is an etf"},
		{"keeps interior punctuation", "what's a 401(k)?", "what's a 401(k"},
		{"empty", "   ", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizePrompt(tc.in))
		})
	}
}

func TestNormalizePromptEquivalence(t *testing.T) {
	a := NormalizePrompt("What is an ETF?")
	b := NormalizePrompt("what is an etf")
	assert.Equal(t, a, b)
}

func TestContextFingerprintSensitivity(t *testing.T) {
	history := []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "hi"},
		{Role: datatypes.RoleAssistant, Content: "hello"},
	}
	base := ContextFingerprint(history, []string{"doc-1", "doc-2"})

	// Different history, same sources.
	other := ContextFingerprint([]datatypes.Message{
		{Role: datatypes.RoleUser, Content: "hi there"},
		{Role: datatypes.RoleAssistant, Content: "hello"},
	}, []string{"doc-1", "doc-2"})
	assert.NotEqual(t, base, other)

	// Same history, different sources.
	other = ContextFingerprint(history, []string{"doc-1"})
	assert.NotEqual(t, base, other)

	// Source order matters: retrieval order is part of the context.
	other = ContextFingerprint(history, []string{"doc-2", "doc-1"})
	assert.NotEqual(t, base, other)

	// Deterministic.
	assert.Equal(t, base, ContextFingerprint(history, []string{"doc-1", "doc-2"}))
}

func TestContextFingerprintWindowsLastTen(t *testing.T) {
	var long []datatypes.Message
	for i := 0; i < 25; i++ {
		long = append(long, datatypes.Message{Role: datatypes.RoleUser, Content: strings.Repeat("x", i+1)})
	}
	// Only the last ten turns participate, so dropping older ones is a no-op.
	assert.Equal(t,
		ContextFingerprint(long, nil),
		ContextFingerprint(long[15:], nil))
	// But the last ten do participate.
	assert.NotEqual(t,
		ContextFingerprint(long, nil),
		ContextFingerprint(long[16:], nil))
}

func TestResponseKeyFor(t *testing.T) {
	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "you are an advisor"},
		{Role: datatypes.RoleUser, Content: "What is an ETF?"},
	}
	key := ResponseKeyFor(messages, []string{"doc-1"})
	require.True(t, strings.HasPrefix(key, "resp:"))
	assert.Len(t, key, len("resp:")+64)

	// Prompt normalization folds punctuation/case variants onto one key.
	variant := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "you are an advisor"},
		{Role: datatypes.RoleUser, Content: "what is an etf"},
	}
	assert.Equal(t, key, ResponseKeyFor(variant, []string{"doc-1"}))

	// A different grounding set gets its own key.
	assert.NotEqual(t, key, ResponseKeyFor(messages, []string{"doc-2"}))
}

func TestKeyGrammar(t *testing.T) {
	assert.Equal(t, "profile:u-1", ProfileKey("u-1"))
	assert.Equal(t, "history:s-1", HistoryKey("s-1"))
	assert.Equal(t, "rl:u-1:29458140", RateLimitKey("u-1", 29458140))
	assert.Equal(t, "alloc:u-1:2025-06-01", AllocKey("u-1", "2025-06-01"))
	assert.True(t, strings.HasPrefix(EmbeddingKey("some text"), "emb:"))
	// Embedding keys are exact-text: no normalization.
	assert.NotEqual(t, EmbeddingKey("ETF?"), EmbeddingKey("etf"))
}
