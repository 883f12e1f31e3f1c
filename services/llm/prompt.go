// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"fmt"
	"strings"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
)

// basePersona is the advisor system prompt. The disclaimer is part of the
// persona, not a UI afterthought: the model is instructed to never present
// itself as a licensed professional.
const basePersona = `You are FinCoach, a friendly personal-finance educator.

You explain financial concepts in plain language, ground your answers in the
provided reference material when it is available, and cite which source a
claim comes from. When the reference material does not cover a question, say
so and answer from general knowledge.

You are not a licensed financial advisor. You never give individualized
investment, tax, or legal advice; you educate so the user can decide with a
professional. Remind the user of this when they ask for a personal
recommendation.`

// SystemPrompt renders the persona, optionally personalized with the user's
// profile. A nil or empty profile yields the bare persona.
func SystemPrompt(profile *datatypes.UserProfile) string {
	if profile == nil {
		return basePersona
	}

	var b strings.Builder
	b.WriteString(basePersona)

	var facts []string
	if profile.Name != "" {
		facts = append(facts, fmt.Sprintf("The user's name is %s.", profile.Name))
	}
	if profile.RiskTolerance != "" {
		facts = append(facts, fmt.Sprintf("Their stated risk tolerance is %s.", profile.RiskTolerance))
	}
	if len(profile.Preferences) > 0 {
		facts = append(facts, fmt.Sprintf("They have expressed interest in: %s.",
			strings.Join(profile.Preferences, ", ")))
	}
	if len(facts) > 0 {
		b.WriteString("\n\nAbout this user:\n")
		for _, f := range facts {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ContextBlock renders retrieved passages for prompt injection:
//
//	RELEVANT CONTEXT:
//	[1] source: investing-basics.md
//	ETFs are pooled funds...
//
// Returns "" for an empty retrieval so ungrounded turns carry no stub block.
func ContextBlock(docs []datatypes.Document) string {
	if len(docs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("RELEVANT CONTEXT:\n")
	for i, doc := range docs {
		fmt.Fprintf(&b, "[%d] source: %s\n%s\n", i+1, doc.Source(), doc.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// AssembleMessages builds the full prompt for one turn: system prompt, prior
// history oldest-first, the context block as a last system message when
// retrieval produced one, then the user message verbatim.
func AssembleMessages(profile *datatypes.UserProfile, history []datatypes.Message, docs []datatypes.Document, userMessage string) []datatypes.Message {
	out := make([]datatypes.Message, 0, len(history)+3)
	out = append(out, datatypes.Message{
		Role:    datatypes.RoleSystem,
		Content: SystemPrompt(profile),
	})
	out = append(out, history...)
	if block := ContextBlock(docs); block != "" {
		out = append(out, datatypes.Message{Role: datatypes.RoleSystem, Content: block})
	}
	out = append(out, datatypes.Message{Role: datatypes.RoleUser, Content: userMessage})
	return out
}
