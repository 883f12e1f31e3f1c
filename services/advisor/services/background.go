// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// defaultQueueSize bounds the number of pending background jobs. A full
	// queue drops new work rather than blocking the serving path.
	defaultQueueSize = 256

	// defaultJobTimeout caps a single background job. Persistence against a
	// local sqlite file should complete in milliseconds; anything slower is
	// stuck.
	defaultJobTimeout = 10 * time.Second
)

type backgroundJob struct {
	name string
	fn   func(ctx context.Context) error
}

// BackgroundExecutor runs fire-and-forget work off the request path, chiefly
// turn persistence after the response has been streamed to the client.
//
// Jobs run detached from the request context so a client disconnect never
// loses a write. The executor defaults to a single worker: jobs submitted in
// order execute in order, which keeps message sequence numbers faithful to
// turn order even when persistence lags.
type BackgroundExecutor struct {
	queue      chan backgroundJob
	wg         sync.WaitGroup
	jobTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewBackgroundExecutor starts a bounded executor. Non-positive arguments
// fall back to one worker and the default queue size.
func NewBackgroundExecutor(workers, queueSize int) *BackgroundExecutor {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	e := &BackgroundExecutor{
		queue:      make(chan backgroundJob, queueSize),
		jobTimeout: defaultJobTimeout,
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Submit enqueues fn without blocking. Returns false when the queue is full
// or the executor is shut down; the job is then dropped with a warning.
func (e *BackgroundExecutor) Submit(name string, fn func(ctx context.Context) error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		slog.Warn("Background executor closed, dropping job", "job", name)
		return false
	}
	select {
	case e.queue <- backgroundJob{name: name, fn: fn}:
		return true
	default:
		slog.Warn("Background queue full, dropping job", "job", name)
		return false
	}
}

// Shutdown stops accepting work and drains queued jobs until ctx expires.
func (e *BackgroundExecutor) Shutdown(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Background executor shutdown timed out with jobs pending")
	}
}

func (e *BackgroundExecutor) worker() {
	defer e.wg.Done()
	for job := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), e.jobTimeout)
		if err := job.fn(ctx); err != nil {
			slog.Error("Background job failed", "job", job.name, "error", err)
		}
		cancel()
	}
}
