// Package registry holds the in-memory flag table owned by the engine.
//
// The registry is a mutex-guarded map with insert-if-absent merge semantics
// so persisted state always wins over built-in defaults during seeding. It
// knows nothing about persistence or evaluation context.
package registry

import (
	"sync"

	"github.com/matt-riley/gatez/internal/core"
)

type Registry struct {
	mu    sync.RWMutex
	flags map[string]core.FlagDefinition
}

func New() *Registry {
	return &Registry{
		flags: make(map[string]core.FlagDefinition),
	}
}

// Insert upserts a definition unconditionally.
func (r *Registry) Insert(definition core.FlagDefinition) {
	r.mu.Lock()
	r.flags[definition.Key] = definition
	r.mu.Unlock()
}

// InsertIfAbsent upserts a definition only when its key is not already
// present. Returns true if the definition was inserted.
func (r *Registry) InsertIfAbsent(definition core.FlagDefinition) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.flags[definition.Key]; exists {
		return false
	}

	r.flags[definition.Key] = definition
	return true
}

func (r *Registry) Get(key string) (core.FlagDefinition, bool) {
	r.mu.RLock()
	definition, ok := r.flags[key]
	r.mu.RUnlock()

	return definition, ok
}

func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.flags, key)
	r.mu.Unlock()
}

func (r *Registry) Clear() {
	r.mu.Lock()
	r.flags = make(map[string]core.FlagDefinition)
	r.mu.Unlock()
}

// Values returns a snapshot of all definitions. Order is unspecified.
func (r *Registry) Values() []core.FlagDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	values := make([]core.FlagDefinition, 0, len(r.flags))
	for _, definition := range r.flags {
		values = append(values, definition)
	}

	return values
}

// Map returns a snapshot of the registry keyed by flag key.
func (r *Registry) Map() map[string]core.FlagDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]core.FlagDefinition, len(r.flags))
	for key, definition := range r.flags {
		snapshot[key] = definition
	}

	return snapshot
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.flags)
}
