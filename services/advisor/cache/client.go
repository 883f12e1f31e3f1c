// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache provides the advisory key/value cache used for response
// caching, profile/history snapshots, and rate-limit counters.
//
// The cache is never load-bearing: every operation runs under a bounded
// timeout, reads degrade to misses on any failure, and writes are
// best-effort. Callers must produce a correct (if slower) response when the
// backend is unreachable.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// opTimeout bounds every cache operation. A cache slower than this is
// indistinguishable from a miss.
const opTimeout = 200 * time.Millisecond

// Client is the advisory cache contract.
//
// Values are opaque byte strings; callers own the encoding. Get reports a
// miss (false) on absence, timeout, or backend failure alike. Set, Expire,
// and Delete are best-effort and report nothing. Incr is atomic and returns
// ok=false when the backend could not be reached, in which case callers must
// fail open.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Incr(ctx context.Context, key string, ttl time.Duration) (count int64, ok bool)
	Expire(ctx context.Context, key string, ttl time.Duration)
	Delete(ctx context.Context, key string)

	// Healthy reports backend reachability for the detailed health endpoint.
	Healthy(ctx context.Context) error
}

// redisClient implements Client on a shared connection pool.
type redisClient struct {
	rdb *redis.Client
}

// NewRedis returns a Client backed by the redis instance at addr.
//
// The connection is not probed here; the first operation (or Healthy)
// surfaces reachability. A cache that is down at startup must not prevent
// the advisor from serving.
func NewRedis(addr, password string, db int) Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	slog.Info("Initialized cache client", "addr", addr, "db", db)
	return &redisClient{rdb: rdb}
}

func (c *redisClient) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Debug("Cache read degraded to miss", "key", key, "error", err)
		}
		return nil, false
	}
	return val, true
}

func (c *redisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.Debug("Cache write dropped", "key", key, "error", err)
	}
}

// Incr atomically increments key and attaches ttl on first use so a counter
// can never leak without an expiry.
func (c *redisClient) Incr(ctx context.Context, key string, ttl time.Duration) (int64, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	count, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		slog.Debug("Cache incr failed", "key", key, "error", err)
		return 0, false
	}
	if count == 1 && ttl > 0 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			slog.Debug("Cache expire after incr failed", "key", key, "error", err)
		}
	}
	return count, true
}

func (c *redisClient) Expire(ctx context.Context, key string, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		slog.Debug("Cache expire dropped", "key", key, "error", err)
	}
}

func (c *redisClient) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		slog.Debug("Cache delete dropped", "key", key, "error", err)
	}
}

func (c *redisClient) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

var _ Client = (*redisClient)(nil)
