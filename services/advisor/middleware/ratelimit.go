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
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fincoach-ai/fincoach/services/advisor/cache"
	"github.com/fincoach-ai/fincoach/services/advisor/observability"
)

// RateLimiter enforces the per-user chat message budget on fixed
// one-minute windows backed by an atomic cache counter. When the cache is
// unreachable the limiter fails open: losing rate limiting briefly is better
// than refusing every user.
type RateLimiter struct {
	cache cache.Client
	limit int
}

// NewRateLimiter builds a limiter allowing limit messages per user per
// minute. A non-positive limit disables limiting.
func NewRateLimiter(cacheClient cache.Client, limit int) *RateLimiter {
	return &RateLimiter{cache: cacheClient, limit: limit}
}

// Allow records one message for userID and reports whether it is within
// budget. retryAfter is how long until the current window rolls over, for
// the Retry-After header.
func (rl *RateLimiter) Allow(ctx context.Context, userID string) (allowed bool, retryAfter time.Duration) {
	if rl.limit <= 0 {
		return true, 0
	}

	now := time.Now().UTC()
	window := now.Truncate(time.Minute)
	key := cache.RateLimitKey(userID, window.Unix())

	// The counter expires two windows out so abandoned keys clean
	// themselves up.
	count, ok := rl.cache.Incr(ctx, key, 2*time.Minute)
	if !ok {
		return true, 0
	}
	if count > int64(rl.limit) {
		return false, window.Add(time.Minute).Sub(now)
	}
	return true, 0
}

// RateLimitMiddleware rejects over-budget chat requests with 429 and a
// Retry-After header. Must run after AuthMiddleware.
func RateLimitMiddleware(rl *RateLimiter, endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := GetAuthInfo(c)
		if info == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized", "code": "UNAUTHENTICATED",
			})
			return
		}

		allowed, retryAfter := rl.Allow(c.Request.Context(), info.UserID)
		if !allowed {
			if m := observability.DefaultMetrics; m != nil {
				m.RateLimitedTotal.WithLabelValues(endpoint).Inc()
			}
			secs := int(retryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded", "code": "RATE_LIMITED",
				"retry_after_seconds": secs,
			})
			return
		}
		c.Next()
	}
}
