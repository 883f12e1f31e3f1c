// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fincoach-ai/fincoach/services/advisor/cache"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// staticVerifier accepts exactly one token.
type staticVerifier struct {
	token string
	info  *AuthInfo
}

func (v *staticVerifier) Verify(ctx context.Context, token string) (*AuthInfo, error) {
	if token == v.token {
		return v.info, nil
	}
	return nil, ErrUnauthorized
}

// countingCache implements just enough of cache.Client for the limiter.
type countingCache struct {
	mu     sync.Mutex
	counts map[string]int64
	down   bool
}

func newCountingCache() *countingCache { return &countingCache{counts: make(map[string]int64)} }

func (c *countingCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *countingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
}
func (c *countingCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, bool) {
	if c.down {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], true
}
func (c *countingCache) Expire(ctx context.Context, key string, ttl time.Duration) {}
func (c *countingCache) Delete(ctx context.Context, key string)                    {}
func (c *countingCache) Healthy(ctx context.Context) error                         { return nil }

var _ cache.Client = (*countingCache)(nil)

func authedRouter(verifier TokenVerifier, extra ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	handlers := append([]gin.HandlerFunc{AuthMiddleware(verifier)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": GetAuthInfo(c).UserID})
	})
	router.GET("/protected", handlers...)
	return router
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	router := authedRouter(&staticVerifier{token: "good", info: &AuthInfo{UserID: "u-1"}})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "u-1")
}

func TestAuthMiddlewareRejects(t *testing.T) {
	router := authedRouter(&staticVerifier{token: "good", info: &AuthInfo{UserID: "u-1"}})

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic Zm9vOmJhcg=="},
		{"bad token", "Bearer evil"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), "UNAUTHENTICATED")
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	assert.Equal(t, "abc123", ExtractBearerToken("Bearer abc123"))
	assert.Equal(t, "abc123", ExtractBearerToken("bearer abc123"))
	assert.Equal(t, "", ExtractBearerToken(""))
	assert.Equal(t, "", ExtractBearerToken("Bearer"))
	assert.Equal(t, "", ExtractBearerToken("Token abc123"))
}

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	rl := NewRateLimiter(newCountingCache(), 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _ := rl.Allow(ctx, "u-1")
		assert.True(t, allowed, "message %d should be allowed", i+1)
	}
	allowed, retryAfter := rl.Allow(ctx, "u-1")
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)

	// Budgets are per user.
	allowed, _ = rl.Allow(ctx, "u-2")
	assert.True(t, allowed)
}

func TestRateLimiterFailsOpenWhenCacheDown(t *testing.T) {
	rl := NewRateLimiter(&countingCache{down: true}, 1)
	for i := 0; i < 5; i++ {
		allowed, _ := rl.Allow(context.Background(), "u-1")
		assert.True(t, allowed)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	verifier := &staticVerifier{token: "good", info: &AuthInfo{UserID: "u-1"}}
	rl := NewRateLimiter(newCountingCache(), 1)
	router := authedRouter(verifier, RateLimitMiddleware(rl, "chat"))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer good")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do().Code)

	w := do()
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
}
