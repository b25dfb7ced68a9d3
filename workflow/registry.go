package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ActionFunc implements an action. Args and secrets are fully resolved; the
// result must be JSON-compatible.
type ActionFunc func(ctx context.Context, args map[string]any, secrets map[string]string) (any, error)

// ActionSpec describes a registered action.
type ActionSpec struct {
	Name        string
	Description string
	// Secrets are the secret placeholders a workflow must bind when calling
	// the action.
	Secrets []string
	Func    ActionFunc
}

// Registry holds the actions known to the compiler and the executor. It is
// built once at startup and passed explicitly to both.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]ActionSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]ActionSpec)}
}

// Register adds an action. Registering a name twice is an error.
func (r *Registry) Register(spec ActionSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("action name is required")
	}
	if spec.Name == string(NodeTypeStart) || spec.Name == string(NodeTypeCondition) {
		return fmt.Errorf("%w: %s", ErrReservedAction, spec.Name)
	}
	if spec.Func == nil {
		return fmt.Errorf("action %s has no implementation", spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[spec.Name]; exists {
		return fmt.Errorf("action %s already registered", spec.Name)
	}
	r.actions[spec.Name] = spec
	return nil
}

// MustRegister is Register that panics on error, for static wiring.
func (r *Registry) MustRegister(specs ...ActionSpec) *Registry {
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}
	return r
}

// Lookup returns the action registered under name.
func (r *Registry) Lookup(name string) (ActionSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.actions[name]
	if !ok {
		return ActionSpec{}, fmt.Errorf("%w: %s", ErrActionNotFound, name)
	}
	return spec, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Names returns all registered action names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
