// Package language defines the adapter interface between the execution
// engine and a WASM-hosted interpreter, plus a registry of adapters
// keyed by language id.
package language

import (
	"fmt"
	"sort"
	"sync"
)

// Language adapts one WASM interpreter runtime.
type Language interface {
	// Name returns the unique language id ("python", "javascript").
	Name() string

	// Module returns the interpreter WASM binary. Implementations load
	// it from the runtimes directory; a missing binary is an error,
	// not a panic.
	Module() ([]byte, error)

	// WrapCode prepends the in-guest stdlib shim to user code.
	WrapCode(code string) string

	// Args returns interpreter argv for one-shot execution.
	Args(wrappedCode string) []string

	// SessionInit returns code injected before the shim to switch the
	// interpreter into session (persistent) mode.
	SessionInit() string

	// BlockingInput reports whether the guest's input builtin blocks
	// the interpreter loop and needs the async input rewrite. Adapters
	// whose shim answers input synchronously return false.
	BlockingInput() bool
}

// Registry holds the registered language adapters.
type Registry struct {
	mu    sync.RWMutex
	langs map[string]Language
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{langs: make(map[string]Language)}
}

// Register adds an adapter under its Name.
func (r *Registry) Register(lang Language) {
	r.mu.Lock()
	r.langs[lang.Name()] = lang
	r.mu.Unlock()
}

// Get resolves a language id.
func (r *Registry) Get(id string) (Language, error) {
	r.mu.RLock()
	lang, ok := r.langs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown language %q", id)
	}
	return lang, nil
}

// IDs returns the registered language ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.langs))
	for id := range r.langs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
