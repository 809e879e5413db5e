package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrDriverNotRegistered is returned by [Registry.Create] when no factory has
// been registered under the requested driver name.
var ErrDriverNotRegistered = errors.New("config: driver not registered")

// Registry maps identity driver names to constructors. It is safe for
// concurrent use.
type Registry[T any] struct {
	mu        sync.RWMutex
	factories map[string]func(IdentityConfig) (T, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{factories: make(map[string]func(IdentityConfig) (T, error))}
}

// Register registers a factory under name. Subsequent calls with the same
// name overwrite the previous registration.
func (r *Registry[T]) Register(name string, factory func(IdentityConfig) (T, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the driver selected by cfg.Driver.
func (r *Registry[T]) Create(cfg IdentityConfig) (T, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Driver]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: identity/%q", ErrDriverNotRegistered, cfg.Driver)
	}
	return factory(cfg)
}

// Names returns the registered driver names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
