// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
)

// perMessageOverhead approximates the tokens each chat message costs beyond
// its content (role markers, separators).
const perMessageOverhead = 4

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// tokenEncoding lazily loads the cl100k_base tokenizer. Loading can fail in
// offline environments (the BPE ranks are fetched on first use), in which
// case estimation falls back to the chars/4 heuristic for the process
// lifetime.
func tokenEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err != nil {
			slog.Warn("Tokenizer unavailable, estimating tokens as chars/4", "error", err)
			return
		}
		encoding = enc
	})
	return encoding
}

// EstimateTokens approximates the token count of text. Exact when the
// tokenizer is loaded, chars/4 rounded up otherwise. Estimates are used for
// budgeting only; the model's own count is authoritative.
func EstimateTokens(text string) int {
	if enc := tokenEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// EstimateMessageTokens approximates the prompt cost of a message list.
func EstimateMessageTokens(messages []datatypes.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content) + perMessageOverhead
	}
	return total
}

// TruncateToBudget drops history until messages fit budget tokens.
//
// The system message (when first) and the final message — the current user
// prompt — are never dropped; everything between them is history and goes
// oldest-first. When even the untouchable pair exceeds the budget the pair is
// returned anyway and ok is false; the caller surfaces ErrContextTooLong.
func TruncateToBudget(messages []datatypes.Message, budget int) (out []datatypes.Message, ok bool) {
	if len(messages) == 0 {
		return messages, true
	}
	if EstimateMessageTokens(messages) <= budget {
		return messages, true
	}

	headLen := 0
	if messages[0].Role == datatypes.RoleSystem {
		headLen = 1
	}
	last := messages[len(messages)-1]
	history := messages[headLen : len(messages)-1]

	// Drop oldest history first until the rest fits.
	for drop := 1; drop <= len(history); drop++ {
		candidate := make([]datatypes.Message, 0, headLen+len(history)-drop+1)
		candidate = append(candidate, messages[:headLen]...)
		candidate = append(candidate, history[drop:]...)
		candidate = append(candidate, last)
		if EstimateMessageTokens(candidate) <= budget {
			slog.Debug("Truncated chat history to fit token budget",
				"dropped", drop, "budget", budget)
			return candidate, true
		}
	}

	minimal := make([]datatypes.Message, 0, headLen+1)
	minimal = append(minimal, messages[:headLen]...)
	minimal = append(minimal, last)
	fits := EstimateMessageTokens(minimal) <= budget
	if !fits {
		slog.Warn("Prompt exceeds token budget even without history", "budget", budget)
	}
	return minimal, fits
}
