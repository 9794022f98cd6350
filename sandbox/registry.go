package sandbox

import (
	"context"
	"sync"
)

// Func is a capability callable from sandboxed code.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Registry is the explicit allow-list of capabilities exposed to one
// submission. Anything not registered does not exist inside the
// sandbox.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds or replaces a capability.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

// Get looks up a capability.
func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// List returns the registered capability names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	return names
}
