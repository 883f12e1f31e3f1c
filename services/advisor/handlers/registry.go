// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides the HTTP and websocket handlers of the advisor
// service.
package handlers

import "sync"

// ConnRegistry caps concurrent websocket connections per user.
type ConnRegistry struct {
	mu         sync.Mutex
	maxPerUser int
	counts     map[string]int
}

// NewConnRegistry builds a registry admitting maxPerUser concurrent
// connections per user. Non-positive means unlimited.
func NewConnRegistry(maxPerUser int) *ConnRegistry {
	return &ConnRegistry{
		maxPerUser: maxPerUser,
		counts:     make(map[string]int),
	}
}

// Acquire claims a connection slot for userID. Callers that get true must
// Release exactly once when the connection closes.
func (r *ConnRegistry) Acquire(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxPerUser > 0 && r.counts[userID] >= r.maxPerUser {
		return false
	}
	r.counts[userID]++
	return true
}

// Release returns a slot claimed by Acquire.
func (r *ConnRegistry) Release(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts[userID] <= 1 {
		delete(r.counts, userID)
		return
	}
	r.counts[userID]--
}

// Count reports the open connections for userID.
func (r *ConnRegistry) Count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[userID]
}
