package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/audiolith/featforge/pkg/encode"
	"github.com/audiolith/featforge/pkg/store"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: backend not registered")

// BackboneFactory constructs a backbone from its config entry.
type BackboneFactory func(ctx context.Context, entry BackboneEntry) (encode.Backbone, error)

// StoreFactory constructs a feature cache from its config entry.
type StoreFactory func(ctx context.Context, entry StoreEntry) (store.Store, error)

// Registry maps backend names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	backbones map[string]BackboneFactory
	stores    map[string]StoreFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		backbones: make(map[string]BackboneFactory),
		stores:    make(map[string]StoreFactory),
	}
}

// RegisterBackbone registers a backbone factory under name. Subsequent calls
// with the same name overwrite the previous registration.
func (r *Registry) RegisterBackbone(name string, factory BackboneFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backbones[name] = factory
}

// RegisterStore registers a cache backend factory under name.
func (r *Registry) RegisterStore(name string, factory StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[name] = factory
}

// CreateBackbone instantiates the backbone registered under entry.Name.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateBackbone(ctx context.Context, entry BackboneEntry) (encode.Backbone, error) {
	r.mu.RLock()
	factory, ok := r.backbones[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backbone/%q", ErrNotRegistered, entry.Name)
	}
	return factory(ctx, entry)
}

// CreateStore instantiates the cache backend registered under entry.Name.
func (r *Registry) CreateStore(ctx context.Context, entry StoreEntry) (store.Store, error) {
	r.mu.RLock()
	factory, ok := r.stores[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: store/%q", ErrNotRegistered, entry.Name)
	}
	return factory(ctx, entry)
}
