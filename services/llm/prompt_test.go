// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
)

func TestSystemPromptCarriesDisclaimer(t *testing.T) {
	prompt := SystemPrompt(nil)
	assert.Contains(t, prompt, "not a licensed financial advisor")
}

func TestSystemPromptPersonalization(t *testing.T) {
	prompt := SystemPrompt(&datatypes.UserProfile{
		UserID:        "u-1",
		Name:          "Sam",
		RiskTolerance: "conservative",
		Preferences:   []string{"index funds", "retirement"},
	})
	assert.Contains(t, prompt, "Sam")
	assert.Contains(t, prompt, "conservative")
	assert.Contains(t, prompt, "index funds, retirement")

	// An empty profile adds nothing.
	assert.Equal(t, SystemPrompt(nil), SystemPrompt(&datatypes.UserProfile{UserID: "u-1"}))
}

func TestContextBlockFormat(t *testing.T) {
	block := ContextBlock([]datatypes.Document{
		{ID: "a", Content: "ETFs trade on exchanges.", Metadata: map[string]string{"source": "etf.md"}},
		{ID: "b", Content: "Bonds pay coupons.", Metadata: map[string]string{"source": "bonds.md"}},
	})
	assert.True(t, strings.HasPrefix(block, "RELEVANT CONTEXT:\n"))
	assert.Contains(t, block, "[1] source: etf.md\nETFs trade on exchanges.")
	assert.Contains(t, block, "[2] source: bonds.md\nBonds pay coupons.")

	assert.Empty(t, ContextBlock(nil))
}

func TestAssembleMessages(t *testing.T) {
	history := []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "hi"},
		{Role: datatypes.RoleAssistant, Content: "hello"},
	}
	docs := []datatypes.Document{
		{ID: "a", Content: "passage", Metadata: map[string]string{"source": "s.md"}},
	}

	messages := AssembleMessages(nil, history, docs, "what is an etf")
	require.Len(t, messages, 5)
	assert.Equal(t, datatypes.RoleSystem, messages[0].Role)
	assert.Equal(t, history[0], messages[1])
	assert.Equal(t, history[1], messages[2])
	// The context block rides as its own system message, right before the
	// user question, which stays verbatim.
	assert.Equal(t, datatypes.RoleSystem, messages[3].Role)
	assert.True(t, strings.HasPrefix(messages[3].Content, "RELEVANT CONTEXT:"))
	assert.Equal(t, datatypes.RoleUser, messages[4].Role)
	assert.Equal(t, "what is an etf", messages[4].Content)
}

func TestAssembleMessagesNoContext(t *testing.T) {
	messages := AssembleMessages(nil, nil, nil, "plain question")
	require.Len(t, messages, 2)
	assert.Equal(t, "plain question", messages[1].Content)
}
