// Package registry holds named backend factories.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a T from a backend config C.
type Factory[C, T any] func(cfg C) (T, error)

// Registry maps backend names to factories. It is safe for concurrent use.
type Registry[C, T any] struct {
	mu        sync.RWMutex
	factories map[string]Factory[C, T]
}

func New[C, T any]() *Registry[C, T] {
	return &Registry[C, T]{
		factories: make(map[string]Factory[C, T]),
	}
}

// Register adds or replaces the factory for name.
func (r *Registry[C, T]) Register(name string, factory Factory[C, T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create builds a T with the factory registered as name.
func (r *Registry[C, T]) Create(name string, cfg C) (T, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		var zero T
		return zero, fmt.Errorf("unknown backend %q (have %v)", name, r.List())
	}
	return factory(cfg)
}

func (r *Registry[C, T]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// List returns the registered names in sorted order.
func (r *Registry[C, T]) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
