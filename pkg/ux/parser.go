// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseSSELine parses one SSE line into an event.
//
// Returns (nil, nil) for the non-event lines of the protocol: empty lines
// (event delimiters), comment lines (keepalives, prefixed ":"), and "event:"
// lines, whose type is repeated inside the JSON payload anyway. Unlike the
// server, the parser preserves every received field verbatim; ids, timestamps,
// and hashes must survive for chain verification.
func ParseSSELine(line string) (*StreamEvent, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
		return nil, nil
	}

	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return nil, fmt.Errorf("unexpected SSE line: %q", line)
	}
	data = strings.TrimSpace(data)

	var event StreamEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("parse SSE payload: %w", err)
	}
	return &event, nil
}
