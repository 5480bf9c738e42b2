// Package tooling implements the Tool Registry: a lookup from tool name to
// executor, exposed to the Planner as a catalog and to the Step Executor as
// a dispatch table.
package tooling

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Result is the typed output of one tool invocation.
type Result struct {
	Output     any
	TokensUsed int
}

// Executor runs one tool invocation against a frozen config map and returns
// its typed Result.
type Executor interface {
	// Execute runs the tool. Implementations must respect ctx cancellation
	// and must not panic; the Step Executor recovers panics defensively but
	// a well-behaved Executor returns an error instead.
	Execute(ctx context.Context, config map[string]any) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, config map[string]any) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, config map[string]any) (Result, error) {
	return f(ctx, config)
}

// Spec describes one registered tool's catalog entry, exposed to the
// Planner so it can build its planning/recovery tool-call parameter
// schemas.
type Spec struct {
	Name        string
	Description string
	// ParametersSchema is a JSON Schema (as a Go map, matching the shape
	// github.com/santhosh-tekuri/jsonschema/v6 compiles from) describing the
	// tool's config payload.
	ParametersSchema map[string]any
}

// ErrUnknownTool is returned when a lookup misses the registry.
var ErrUnknownTool = errors.New("tooling: unknown tool")

// Registry is a thread-safe lookup from tool name to Executor plus catalog
// metadata. The zero value is not usable; construct with NewRegistry.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	specs     map[string]Spec
	order     []string
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		specs:     make(map[string]Spec),
	}
}

// Register adds or replaces the executor and catalog entry for spec.Name.
func (r *Registry) Register(spec Spec, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[spec.Name]; !exists {
		r.order = append(r.order, spec.Name)
	}
	r.executors[spec.Name] = exec
	r.specs[spec.Name] = spec
}

// Lookup returns the executor registered for name.
func (r *Registry) Lookup(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	return e, ok
}

// Has reports whether name is a known tool.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Execute dispatches to the registered executor for name, or ErrUnknownTool
// if none is registered.
func (r *Registry) Execute(ctx context.Context, name string, config map[string]any) (Result, error) {
	exec, ok := r.Lookup(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return exec.Execute(ctx, config)
}

// Catalog returns every registered Spec in registration order, for the
// Planner to surface to the LLM as available execution tools.
func (r *Registry) Catalog() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name])
	}
	return out
}

// Names returns every registered tool name in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
