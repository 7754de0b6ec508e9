// Package handler provides ready-made task handler implementations for
// config-declared scheduled tasks.
package handler

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/model"
)

// Factory builds a model.Handler from an opaque config payload
type Factory func(payload map[string]interface{}, logger *zap.Logger) (model.Handler, error)

// Registry maps handler type names to factories
type Registry struct {
	logger *zap.Logger

	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a handler registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under the given type name
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Build constructs a handler of the given type from its payload
func (r *Registry) Build(name string, payload map[string]interface{}) (model.Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown handler type: %s", name)
	}
	return factory(payload, r.logger)
}

// decodePayload round-trips a config payload map into a typed struct
func decodePayload(payload map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
