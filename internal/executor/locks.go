package executor

import (
	"sort"
	"sync"
)

// ResourceLocks provides per-resource mutual exclusion for concurrently
// executing tasks. Each resource key gets its own mutex, so tasks touching
// disjoint resources run in parallel while tasks sharing a key serialize.
type ResourceLocks struct {
	mu    sync.Mutex // Guards the locks map itself
	locks map[string]*sync.Mutex
}

// NewResourceLocks creates an empty lock manager.
func NewResourceLocks() *ResourceLocks {
	return &ResourceLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for one resource key, creating it on first use.
func (r *ResourceLocks) Lock(key string) {
	r.mu.Lock()
	m, exists := r.locks[key]
	if !exists {
		m = &sync.Mutex{}
		r.locks[key] = m
	}
	r.mu.Unlock()

	// Acquire outside the manager lock to avoid contention
	m.Lock()
}

// Unlock releases the mutex for one resource key.
func (r *ResourceLocks) Unlock(key string) {
	r.mu.Lock()
	m, exists := r.locks[key]
	r.mu.Unlock()

	if exists {
		m.Unlock()
	}
}

// LockAll acquires every key in sorted order. The sort is what prevents
// two tasks with overlapping resource sets from deadlocking.
func (r *ResourceLocks) LockAll(keys []string) {
	if len(keys) == 0 {
		return
	}

	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	for _, key := range sorted {
		r.Lock(key)
	}
}

// UnlockAll releases every key in reverse sorted order, symmetric with
// LockAll.
func (r *ResourceLocks) UnlockAll(keys []string) {
	if len(keys) == 0 {
		return
	}

	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	for i := len(sorted) - 1; i >= 0; i-- {
		r.Unlock(sorted[i])
	}
}
