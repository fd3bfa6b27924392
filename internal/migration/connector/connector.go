// Package connector provides source connectors the engine pulls batches
// from, plus a registry keyed by source type.
package connector

import (
	"fmt"
	"sync"

	"constitutional/internal/migration/ports"
)

// Factory builds a fresh connector instance for one job run. Connectors
// hold per-run state (cursor position, open clients) and must not be
// shared across jobs.
type Factory func() ports.SourceConnector

// Registry maps source types to connector factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with no connectors. Callers register the
// connectors their deployment supports.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a connector factory for a source type, replacing any
// existing one.
func (r *Registry) Register(sourceType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[sourceType] = factory
}

// New builds a connector for the source type.
func (r *Registry) New(sourceType string) (ports.SourceConnector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[sourceType]
	if !ok {
		return nil, fmt.Errorf("no connector registered for source type %q", sourceType)
	}
	return factory(), nil
}

// Types lists the registered source types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}
