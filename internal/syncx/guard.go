// Package syncx provides extended synchronization primitives
package syncx

import "sync"

// RWGuard holds a value behind an RWMutex. Readers receive copies; writers
// mutate in place under the write lock.
type RWGuard[T any] struct {
	mu    sync.RWMutex
	value T
}

// NewGuard creates a guarded value.
func NewGuard[T any](initial T) *RWGuard[T] {
	return &RWGuard[T]{value: initial}
}

// Get returns a copy of the value (T should be a value type or immutable).
func (g *RWGuard[T]) Get() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Set replaces the value.
func (g *RWGuard[T]) Set(v T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = v
}

// Swap replaces the value and returns the previous one.
func (g *RWGuard[T]) Swap(v T) T {
	g.mu.Lock()
	defer g.mu.Unlock()
	old := g.value
	g.value = v
	return old
}

// Write runs fn with the write lock held.
func (g *RWGuard[T]) Write(fn func(*T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.value)
}

// View runs fn with the read lock held and returns its result.
func View[T, R any](g *RWGuard[T], fn func(*T) R) R {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return fn(&g.value)
}

// Zero resets the value to T's zero value.
func (g *RWGuard[T]) Zero() {
	var zero T
	g.Set(zero)
}
