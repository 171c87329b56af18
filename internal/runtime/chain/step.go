// Package chain compiles routing rules into transform chains and keeps them
// in a registry that readers consult without locking.
package chain

import (
	"context"
	"fmt"
	"slices"
	"sync"

	errspkg "github.com/drblury/ruleflow/internal/runtime/errors"
	"github.com/drblury/ruleflow/internal/runtime/record"
)

// Step transforms one record. Returning a nil record drops it for the rule.
// A step must not modify its input; it returns the input unchanged or a Clone.
type Step interface {
	Apply(ctx context.Context, rec *record.Record) (*record.Record, error)
}

// StepFunc adapts a function to Step.
type StepFunc func(ctx context.Context, rec *record.Record) (*record.Record, error)

// Apply implements Step.
func (f StepFunc) Apply(ctx context.Context, rec *record.Record) (*record.Record, error) {
	return f(ctx, rec)
}

// StepFactory builds a step from its parameters, without the type key.
type StepFactory func(params map[string]string) (Step, error)

// StepRegistry maps step type names to factories.
type StepRegistry struct {
	mu        sync.RWMutex
	factories map[string]StepFactory
}

// DefaultSteps is the global step registry. Built-in steps register themselves
// when the transform package is imported.
var DefaultSteps = NewStepRegistry()

// NewStepRegistry creates an empty step registry.
func NewStepRegistry() *StepRegistry {
	return &StepRegistry{factories: make(map[string]StepFactory)}
}

// Register adds or replaces the factory for typeName.
func (r *StepRegistry) Register(typeName string, factory StepFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeName] = factory
}

// Has reports whether typeName is registered.
func (r *StepRegistry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeName]
	return ok
}

// Names returns the sorted registered type names.
func (r *StepRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Build creates a step of typeName.
func (r *StepRegistry) Build(typeName string, params map[string]string) (Step, error) {
	r.mu.RLock()
	factory, ok := r.factories[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown step type %q (registered: %v)", typeName, r.Names())
	}
	if factory == nil {
		return nil, fmt.Errorf("step type %q: %w", typeName, errspkg.ErrStepFactoryRequired)
	}
	step, err := factory(params)
	if err != nil {
		return nil, err
	}
	if step == nil {
		return nil, fmt.Errorf("step type %q returned no step", typeName)
	}
	return step, nil
}

// RegisterStep adds a factory to DefaultSteps.
func RegisterStep(typeName string, factory StepFactory) {
	DefaultSteps.Register(typeName, factory)
}
