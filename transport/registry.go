package transport

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrUnknownTransport is returned when no definition matches the configured
// PubSubSystem.
var ErrUnknownTransport = fmt.Errorf("unknown transport")

// Registry maps PubSubSystem names to transport definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// DefaultRegistry holds the transports registered on import.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds def, replacing any definition of the same name. It panics on
// a definition without a name or a builder.
func (r *Registry) Register(def Definition) {
	if def.Name == "" {
		panic("transport: definition without a name")
	}
	if def.Build == nil {
		panic("transport: definition " + def.Name + " has no builder")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.defs))
}

// Capabilities returns what the transport cfg selects guarantees. An unknown
// transport yields a Capabilities value carrying only its name.
func (r *Registry) Capabilities(cfg Config) Capabilities {
	name := cfg.GetPubSubSystem()
	def, ok := r.Lookup(name)
	if !ok {
		return Capabilities{Name: name}
	}
	return def.capabilitiesFor(cfg)
}

// Build creates the transport cfg selects.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, fmt.Errorf("transport: config is required")
	}
	name := cfg.GetPubSubSystem()
	def, ok := r.Lookup(name)
	if !ok {
		return Transport{}, fmt.Errorf("%w %q (registered: %v)", ErrUnknownTransport, name, r.Names())
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return def.Build(ctx, cfg, logger)
}

// Register adds def to the default registry.
func Register(def Definition) {
	DefaultRegistry.Register(def)
}

// Build creates a transport using the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}

// CapabilitiesFor resolves capabilities using the default registry.
func CapabilitiesFor(cfg Config) Capabilities {
	return DefaultRegistry.Capabilities(cfg)
}
