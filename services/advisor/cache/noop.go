// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"errors"
	"time"
)

// ErrDisabled is returned by Healthy on the no-op client.
var ErrDisabled = errors.New("cache: disabled")

// NewNoop returns a Client where every read misses and every write is
// discarded. Used when no cache backend is configured; the advisor runs
// correct but uncached. Incr reports ok=false, so rate limiting fails open.
func NewNoop() Client { return noopClient{} }

type noopClient struct{}

func (noopClient) Get(context.Context, string) ([]byte, bool)           { return nil, false }
func (noopClient) Set(context.Context, string, []byte, time.Duration)   {}
func (noopClient) Incr(context.Context, string, time.Duration) (int64, bool) { return 0, false }
func (noopClient) Expire(context.Context, string, time.Duration)        {}
func (noopClient) Delete(context.Context, string)                       {}
func (noopClient) Healthy(context.Context) error                        { return ErrDisabled }

var _ Client = noopClient{}
