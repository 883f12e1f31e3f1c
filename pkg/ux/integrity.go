// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file verifies the hash chain the advisor attaches to SSE events.
// Each event carries a SHA-256 hash over its content fields plus the previous
// event's hash, so any tampered or dropped event breaks every later link.

package ux

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ChainResult is the outcome of verifying one event chain.
type ChainResult struct {
	Valid  bool
	Events int

	// FirstBroken is the index of the first event whose hash or link failed;
	// -1 when the chain is intact.
	FirstBroken int

	// Reason describes the first failure for operator output.
	Reason string
}

// VerifyChain checks every event's hash and its link to the predecessor.
// An empty chain is valid.
func VerifyChain(events []StreamEvent) ChainResult {
	result := ChainResult{Valid: true, Events: len(events), FirstBroken: -1}

	prevHash := ""
	for i, event := range events {
		if !hashEqual(event.PrevHash, prevHash) {
			result.Valid = false
			result.FirstBroken = i
			result.Reason = fmt.Sprintf("event %d: prev_hash does not match the preceding event", i)
			return result
		}
		if !hashEqual(event.Hash, EventHash(event)) {
			result.Valid = false
			result.FirstBroken = i
			result.Reason = fmt.Sprintf("event %d: content does not match its hash", i)
			return result
		}
		prevHash = event.Hash
	}
	return result
}

// EventHash recomputes the server's hash for event. The field order and
// separators must stay in lockstep with the advisor's SSE writer.
func EventHash(event StreamEvent) string {
	sourcesJSON := ""
	if len(event.Sources) > 0 {
		if data, err := json.Marshal(event.Sources); err == nil {
			sourcesJSON = string(data)
		}
	}
	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%t|%t|%s",
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
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// hashEqual compares hashes in constant time.
func hashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
