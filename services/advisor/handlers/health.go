// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthChecker is implemented by components that can report reachability.
// Checks must be cheap and must never trigger a model load.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) Healthy(ctx context.Context) error { return f(ctx) }

// detailedHealthTimeout bounds the whole dependency sweep.
const detailedHealthTimeout = 5 * time.Second

// HealthCheck serves GET /health. Liveness only: no dependencies, answers
// immediately.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// DetailedHealth serves GET /health/detailed: probes every registered
// component concurrently and reports per-component status. Degraded
// components yield 503 so load balancers can rotate the instance out.
func DetailedHealth(components map[string]HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), detailedHealthTimeout)
		defer cancel()

		type result struct {
			name string
			err  error
		}
		results := make(chan result, len(components))
		var wg sync.WaitGroup
		for name, checker := range components {
			wg.Add(1)
			go func(name string, checker HealthChecker) {
				defer wg.Done()
				results <- result{name: name, err: checker.Healthy(ctx)}
			}(name, checker)
		}
		wg.Wait()
		close(results)

		healthy := true
		statuses := make(map[string]string, len(components))
		for r := range results {
			if r.err != nil {
				healthy = false
				statuses[r.name] = "unreachable: " + r.err.Error()
			} else {
				statuses[r.name] = "healthy"
			}
		}

		status := http.StatusOK
		overall := "healthy"
		if !healthy {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}
		c.JSON(status, gin.H{"status": overall, "components": statuses})
	}
}
