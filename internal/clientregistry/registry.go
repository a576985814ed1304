// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package clientregistry tracks live long-lived (WebSocket) connections so
// the machine-scoped authorizer can answer "is there already an authorized
// sibling from this IP". An entry exists iff the underlying connection is
// open: the upgrade handler inserts on connect, the connection's close
// handler removes on disconnect.
package clientregistry

import (
	"sync"

	"github.com/google/uuid"
)

// Registry is a set of live authenticated connections, keyed by a
// connection-scoped handle so multiple siblings from the same IP are each
// tracked independently.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]string // handle -> client IP
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{clients: make(map[string]string)}
}

// Add registers a newly authenticated connection from clientIP and returns
// a handle used to remove it again on close.
func (r *Registry) Add(clientIP string) string {
	handle := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[handle] = clientIP
	return handle
}

// Remove deregisters a connection by its handle. Safe to call more than
// once for the same handle (idempotent).
func (r *Registry) Remove(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, handle)
}

// HasLiveClientFromIP reports whether any currently-registered connection
// was authenticated from the given IP. Satisfies security.Registry.
func (r *Registry) HasLiveClientFromIP(ip string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, clientIP := range r.clients {
		if clientIP == ip {
			return true
		}
	}
	return false
}

// Count returns the number of live registered connections, for tests.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
