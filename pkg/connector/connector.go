// Package connector holds the sink side of a pipe: the Connector interface,
// a registry of factories keyed by identifier and the built-in connectors.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/unijord/pipecdc/pkg/extraction"
	"github.com/unijord/pipecdc/pkg/pipeconfig"
)

// Connector receives forwarded events of one pipe. Transfer must tolerate
// redelivery of events it has already accepted.
type Connector interface {
	extraction.Sink
	Close() error
}

// Factory builds a connector for a pipe.
type Factory func(pipe string, spec pipeconfig.Plugin, logger *slog.Logger) (Connector, error)

// Registry maps identifiers to factories. It implements pipeconfig.Catalog.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with the built-in connectors.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(pipeconfig.DoNothingConnector, func(string, pipeconfig.Plugin, *slog.Logger) (Connector, error) {
		return DoNothing{}, nil
	})
	r.Register(pipeconfig.LogConnector, func(pipe string, spec pipeconfig.Plugin, logger *slog.Logger) (Connector, error) {
		return NewLog(pipe, spec, logger), nil
	})
	return r
}

// Register installs or replaces the factory for id.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

// IDs lists the registered identifiers in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Open builds the connector configured for a pipe.
func (r *Registry) Open(cfg *pipeconfig.PipeConfiguration, logger *slog.Logger) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Connector.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connector %q is not registered", cfg.Connector.ID)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return f(cfg.Name, cfg.Connector, logger)
}

var _ pipeconfig.Catalog = (*Registry)(nil)

// DoNothing accepts and discards every batch.
type DoNothing struct{}

func (DoNothing) Transfer(context.Context, []extraction.CapturedEvent) error { return nil }

func (DoNothing) Close() error { return nil }
