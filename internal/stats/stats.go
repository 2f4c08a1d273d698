// File: internal/stats/stats.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Counter registry for server-level monitoring. Counters register
// dynamically on first touch; snapshots are copies and safe to hold.

package stats

import (
	"sync"
	"time"
)

// Registry holds named monotonically growing counters.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]int64
	updated  time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{counters: make(map[string]int64)}
}

// Inc bumps key by one.
func (r *Registry) Inc(key string) {
	r.Add(key, 1)
}

// Add bumps key by delta.
func (r *Registry) Add(key string, delta int64) {
	r.mu.Lock()
	r.counters[key] += delta
	r.updated = time.Now()
	r.mu.Unlock()
}

// Get returns the current value of key, zero when never touched.
func (r *Registry) Get(key string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[key]
}

// Snapshot returns a copy of all counters.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// Updated returns the time of the last mutation.
func (r *Registry) Updated() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updated
}
