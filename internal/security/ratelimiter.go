// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package security

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultWindow and DefaultLimit are the sliding-window failure-tracking
// defaults used by both the bearer-token authorizer and the hook handler's
// failure table. Both are the same kind of bounded, recency-ordered map,
// just keyed and consulted from two call sites.
const (
	DefaultWindow   = 60 * time.Second
	DefaultLimit    = 20
	DefaultCapacity = 4096
)

type failureEntry struct {
	count       int
	windowStart time.Time
}

// RateLimiter is a sliding-window per-key failure counter bounded at a hard
// capacity. The backing store is an LRU cache used purely for its
// recency-ordered key list and O(1) map semantics; eviction is prune
// expired, then drop the oldest half by insertion order, applied before
// the cache would ever reach its own internal limit.
type RateLimiter struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, *failureEntry]
	window   time.Duration
	limit    int
	capacity int
}

// NewRateLimiter builds a rate limiter with the given window, failure
// limit, and hard capacity. Zero values fall back to the package defaults.
func NewRateLimiter(window time.Duration, limit, capacity int) *RateLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// Oversize the backing cache so its own single-entry LRU eviction never
	// fires ahead of our prune-then-half-drop rule; we enforce capacity
	// ourselves in evictOverflowLocked.
	cache, _ := lru.New[string, *failureEntry](capacity*2 + 1)
	return &RateLimiter{cache: cache, window: window, limit: limit, capacity: capacity}
}

// RecordFailure records one authentication failure for key at time now. If
// the key is already at its failure limit within the current window, it
// reports throttled with the number of milliseconds until the window
// resets; otherwise it records the failure and reports not throttled.
func (r *RateLimiter) RecordFailure(key string, now time.Time) (throttled bool, retryAfterMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache.Get(key) // Get refreshes recency order.
	if !ok {
		r.evictOverflowLocked(now)
		entry = &failureEntry{count: 0, windowStart: now}
	} else if now.Sub(entry.windowStart) >= r.window {
		entry = &failureEntry{count: 0, windowStart: now}
	}

	if entry.count >= r.limit {
		retryAfterMs = entry.windowStart.Add(r.window).Sub(now).Milliseconds()
		if retryAfterMs < 1 {
			retryAfterMs = 1
		}
		r.cache.Add(key, entry)
		return true, retryAfterMs
	}

	entry.count++
	r.cache.Add(key, entry)
	return false, 0
}

// Clear resets a key's failure window, e.g. on successful authentication.
func (r *RateLimiter) Clear(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Remove(key)
}

// Len reports the number of tracked keys, for tests asserting the hard
// capacity invariant.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// evictOverflowLocked enforces the hard capacity before a brand-new key is
// inserted. Must be called with r.mu held.
func (r *RateLimiter) evictOverflowLocked(now time.Time) {
	if r.cache.Len() < r.capacity {
		return
	}

	// (a) prune every entry whose window has elapsed.
	for _, key := range r.cache.Keys() {
		entry, ok := r.cache.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(entry.windowStart) >= r.window {
			r.cache.Remove(key)
		}
	}

	// (b) if still over capacity, drop the oldest half by insertion/recency
	// order. Keys() returns oldest-to-newest.
	if r.cache.Len() < r.capacity {
		return
	}
	keys := r.cache.Keys()
	drop := len(keys) / 2
	if drop < 1 {
		drop = 1
	}
	for i := 0; i < drop && i < len(keys); i++ {
		r.cache.Remove(keys[i])
	}
}
