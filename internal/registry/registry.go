// Package registry maps step capabilities to the handlers that execute them.
//
// A Builder collects registrations once at startup; Build freezes them into an
// immutable Registry that is passed to the engine.
package registry

import (
	"context"
	"sort"

	"github.com/rymfhm/qubic/internal/models"
)

// Request is everything a handler receives for one step.
type Request struct {
	TaskID string
	Step   models.Step
	// Context holds the results of earlier steps keyed by step id. Handlers must not modify it.
	Context map[string]models.StepResult
}

// Handler executes one step. A returned error is converted into a failed step
// result by the caller.
type Handler func(ctx context.Context, req Request) (models.StepResult, error)

// Builder accumulates capability registrations. The last registration for a
// capability wins.
type Builder struct {
	handlers map[models.StepKind]Handler
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{handlers: make(map[models.StepKind]Handler)}
}

// Register binds handler to capability, replacing any earlier binding.
func (b *Builder) Register(capability models.StepKind, handler Handler) *Builder {
	b.handlers[capability] = handler
	return b
}

// Build returns an immutable Registry holding a copy of the registrations.
func (b *Builder) Build() *Registry {
	handlers := make(map[models.StepKind]Handler, len(b.handlers))
	for k, h := range b.handlers {
		if h != nil {
			handlers[k] = h
		}
	}
	return &Registry{handlers: handlers}
}

// Registry is a read-only capability to handler table.
type Registry struct {
	handlers map[models.StepKind]Handler
}

// Has reports whether a handler is registered for capability.
func (r *Registry) Has(capability models.StepKind) bool {
	_, ok := r.handlers[capability]
	return ok
}

// Capabilities returns the registered capabilities in sorted order.
func (r *Registry) Capabilities() []models.StepKind {
	kinds := make([]models.StepKind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Require returns a ConfigurationError for the first capability without a handler.
func (r *Registry) Require(capabilities ...models.StepKind) error {
	for _, c := range capabilities {
		if !r.Has(c) {
			return models.NewConfigurationError(string(c), "no handler registered")
		}
	}
	return nil
}

// Dispatch invokes the handler registered for capability. An unknown
// capability returns a ConfigurationError without invoking anything.
func (r *Registry) Dispatch(ctx context.Context, capability models.StepKind, req Request) (models.StepResult, error) {
	handler, ok := r.handlers[capability]
	if !ok {
		return models.StepResult{}, models.NewConfigurationError(string(capability), "no handler registered")
	}
	return handler(ctx, req)
}
