// Package services holds the typed registry of optional collaborators that
// job implementations consult at runtime.
package services

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"job-orchestrator/pkg/job"
)

// Key names a service and fixes its Go type.
type Key[T any] struct {
	name string
}

func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

func (k Key[T]) Name() string { return k.name }

// Registry is written during startup and frozen before workers start. Once
// frozen, lookups read the map without locking.
type Registry struct {
	mu      sync.Mutex
	frozen  atomic.Bool
	entries map[string]any
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]any)}
}

// Register adds v under key. It fails after Freeze or when the name is taken.
func Register[T any](r *Registry, key Key[T], v T) error {
	return r.register(key.name, v)
}

func (r *Registry) register(name string, v any) error {
	if v == nil {
		return fmt.Errorf("service %q: nil instance", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return fmt.Errorf("service %q: registry is frozen", name)
	}
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("service %q already registered", name)
	}
	r.entries[name] = v
	return nil
}

// RegisterAny registers v by name without a typed key. Lookups through a
// typed key still check the dynamic type.
func (r *Registry) RegisterAny(name string, v any) error {
	return r.register(name, v)
}

// Lookup returns the service for key, or a *job.ServiceUnavailableError when
// it is absent or has a different type.
func Lookup[T any](r *Registry, key Key[T]) (T, error) {
	var zero T
	v, ok := r.get(key.name)
	if !ok {
		return zero, &job.ServiceUnavailableError{Service: key.name}
	}
	t, ok := v.(T)
	if !ok {
		return zero, &job.ServiceUnavailableError{Service: key.name}
	}
	return t, nil
}

// MustLookup panics when the service is missing. Only for required services.
func MustLookup[T any](r *Registry, key Key[T]) T {
	v, err := Lookup(r, key)
	if err != nil {
		panic(err)
	}
	return v
}

func (r *Registry) get(name string) (any, bool) {
	if r.frozen.Load() {
		v, ok := r.entries[name]
		return v, ok
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[name]
	return v, ok
}

// Freeze blocks further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen.Store(true)
}

func (r *Registry) Frozen() bool { return r.frozen.Load() }

func (r *Registry) Has(name string) bool {
	_, ok := r.get(name)
	return ok
}

// Names returns registered service names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
