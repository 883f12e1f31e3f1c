// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
)

// CachedResponse is the envelope stored under resp: keys. Only complete
// responses are ever cached; a partial stream must not poison future turns.
type CachedResponse struct {
	Response   string                 `json:"response"`
	Sources    []datatypes.SourceInfo `json:"sources,omitempty"`
	TokensUsed int                    `json:"tokens_used,omitempty"`
}

// GetResponse reads and decodes a cached response. Undecodable entries are
// deleted and reported as misses.
func GetResponse(ctx context.Context, c Client, key string) (*CachedResponse, bool) {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.Delete(ctx, key)
		return nil, false
	}
	return &resp, true
}

// SetResponse stores a complete response, best-effort.
func SetResponse(ctx context.Context, c Client, key string, resp *CachedResponse, ttl time.Duration) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.Set(ctx, key, raw, ttl)
}
