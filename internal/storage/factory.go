package storage

import (
	"context"
	"fmt"
	"sync"
)

// Factory builds adapters for one backend kind.
type Factory interface {
	// Supports reports whether the factory can build an adapter for s.
	// It checks s.Kind and the shape of s.Config.
	Supports(s *Storage) bool

	// Create builds a connected adapter. Implementations call Connect so
	// an unreachable backend fails here instead of on first use.
	Create(ctx context.Context, s *Storage) (Adapter, error)
}

// Registry holds factories in registration order.
type Registry struct {
	mu        sync.RWMutex
	factories []Factory
}

// NewRegistry creates a registry with the given factories.
func NewRegistry(factories ...Factory) *Registry {
	return &Registry{factories: factories}
}

// Register appends a factory. Earlier factories win when several match.
func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	r.factories = append(r.factories, f)
	r.mu.Unlock()
}

// FactoryFor returns the first factory that supports s.
func (r *Registry) FactoryFor(s *Storage) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, f := range r.factories {
		if f.Supports(s) {
			return f, nil
		}
	}
	return nil, &ConfigError{
		StorageID: s.ID,
		Kind:      s.Kind,
		Reason:    "no adapter factory matches this storage configuration",
		Err:       ErrNoFactory,
	}
}

// Resolve builds an adapter for s with the first matching factory.
func (r *Registry) Resolve(ctx context.Context, s *Storage) (Adapter, error) {
	f, err := r.FactoryFor(s)
	if err != nil {
		return nil, err
	}
	return f.Create(ctx, s)
}

// Connect runs a connection test on a freshly built adapter. On failure the
// adapter is closed and an error wrapping ErrConnectivity is returned.
func Connect(ctx context.Context, s *Storage, a Adapter) (Adapter, error) {
	res := a.TestConnection(ctx)
	if !res.Success {
		a.Close()
		return nil, fmt.Errorf("storage %d (%s) connection test: %s: %w", s.ID, s.Kind, res.Error, ErrConnectivity)
	}
	return a, nil
}
