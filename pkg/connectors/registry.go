// Package connectors provides the factory registry that maps connector types
// to their provider implementations. Providers register at startup; the
// connection manager builds connector instances through the registry when a
// connection is created or restored.
package connectors

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wbe7/openrag/pkg/connectors/credentials"
	"github.com/wbe7/openrag/pkg/core"
	"github.com/wbe7/openrag/pkg/logger"
)

// CursorSource yields the persisted change cursor of a connection.
type CursorSource interface {
	CurrentCursor(ctx context.Context) (string, error)
}

// BuildParams carries everything a provider factory needs to construct a
// connector for one connection.
type BuildParams struct {
	ConnectionID   string
	RawConfig      []byte
	Credentials    *credentials.Store
	Cursor         CursorSource
	WebhookAddress string
	Logger         *logger.Logger
}

// Factory creates a connector instance from build parameters.
type Factory func(params BuildParams) (core.Connector, error)

// Registry manages the registration and retrieval of connector factories.
// It provides thread-safe access for concurrent connection restores.
type Registry struct {
	mu        sync.RWMutex
	factories map[core.ConnectorType]Factory
}

// NewRegistry creates a new connector registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[core.ConnectorType]Factory),
	}
}

// Register registers a connector factory for the given type.
// If a factory for the same type already exists, it will be replaced.
func (r *Registry) Register(connectorType core.ConnectorType, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[connectorType] = factory
}

// Build creates a connector instance of the specified type.
// Returns an error if the type is not registered.
func (r *Registry) Build(connectorType core.ConnectorType, params BuildParams) (core.Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[connectorType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connector type %q is not registered", connectorType)
	}
	return factory(params)
}

// Has reports whether a factory is registered for the type.
func (r *Registry) Has(connectorType core.ConnectorType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[connectorType]
	return ok
}

// Types returns the registered connector types in sorted order.
func (r *Registry) Types() []core.ConnectorType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]core.ConnectorType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
