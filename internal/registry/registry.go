// Package registry provides a typed, id-keyed registry for dynamic rosters.
//
// Validator and guard/action sets are data-driven: populated at startup from
// the configuration provider and looked up by stable id. Application code
// never enumerates members literally.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds items keyed by id.
type Registry[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{items: make(map[string]T)}
}

// Register adds an item. Returns an error if the id is already registered.
func (r *Registry[T]) Register(id string, item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[id]; exists {
		return fmt.Errorf("%q already registered", id)
	}
	r.items[id] = item
	return nil
}

// Get returns the item for id.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[id]
	return item, ok
}

// IDs returns all registered ids, sorted.
func (r *Registry[T]) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns all items in id order.
func (r *Registry[T]) All() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	items := make([]T, 0, len(ids))
	for _, id := range ids {
		items = append(items, r.items[id])
	}
	return items
}

// Len returns the number of registered items.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
