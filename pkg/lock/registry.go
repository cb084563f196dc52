package lock

import (
	"sort"
	"sync"

	"leasegate/pkg/metrics"
	"leasegate/pkg/semaphore"
)

// Key identifies one caller's stake in a resource. Two callers naming the
// same path with different identifiers negotiate separate leases.
type Key struct {
	Resource   string
	Identifier string
}

type entry struct {
	sem *semaphore.Semaphore
	// Lock calls currently using sem
	refs int
}

// Registry maps keys to the semaphore negotiating for them. An entry lives
// while a Lock on it is in flight or its lease is held.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]*entry)}
}

// Get returns the semaphore tracked for key.
func (r *Registry) Get(key Key) (*semaphore.Semaphore, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.sem, true
}

// Checkout returns the tracked semaphore for key, building and inserting one
// with create if there is none, and counts the caller as a user until the
// matching Checkin. create runs under the registry lock.
func (r *Registry) Checkout(key Key, create func() (*semaphore.Semaphore, error)) (*semaphore.Semaphore, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.refs++
		return e.sem, false, nil
	}
	s, err := create()
	if err != nil {
		return nil, false, err
	}
	r.entries[key] = &entry{sem: s, refs: 1}
	metrics.TrackedResources.Set(float64(len(r.entries)))
	return s, true, nil
}

// Checkin ends a Checkout and drops the entry once nobody uses it and it
// holds no lease.
func (r *Registry) Checkin(key Key, s *semaphore.Semaphore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.sem != s {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	r.pruneLocked(key, e)
}

// Remove drops key if it still maps to s, no Lock is using it and its lease
// is no longer held. It reports whether the entry is gone.
func (r *Registry) Remove(key Key, s *semaphore.Semaphore) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.sem != s {
		return !ok
	}
	return r.pruneLocked(key, e)
}

func (r *Registry) pruneLocked(key Key, e *entry) bool {
	if e.refs > 0 || e.sem.IsAcquired() {
		return false
	}
	delete(r.entries, key)
	metrics.TrackedResources.Set(float64(len(r.entries)))
	return true
}

// Len returns the number of tracked keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns the tracked keys ordered by resource, then identifier.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Resource != keys[j].Resource {
			return keys[i].Resource < keys[j].Resource
		}
		return keys[i].Identifier < keys[j].Identifier
	})
	return keys
}

// Paths returns the distinct tracked resource paths in lexical order.
func (r *Registry) Paths() []string {
	var paths []string
	for _, k := range r.Keys() {
		if n := len(paths); n == 0 || paths[n-1] != k.Resource {
			paths = append(paths, k.Resource)
		}
	}
	return paths
}
