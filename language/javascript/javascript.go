// Package javascript provides the JavaScript language adapter, backed
// by a QuickJS WASM build loaded from the runtimes directory.
package javascript

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed shim.js
var shim string

// JavaScript implements language.Language for JavaScript submissions.
type JavaScript struct {
	runtimeDir string
}

// New returns a JavaScript adapter loading its interpreter from
// runtimeDir.
func New(runtimeDir string) *JavaScript {
	return &JavaScript{runtimeDir: runtimeDir}
}

// Name returns "javascript".
func (j *JavaScript) Name() string {
	return "javascript"
}

// Module loads the interpreter binary from the runtimes directory.
func (j *JavaScript) Module() ([]byte, error) {
	path := filepath.Join(j.runtimeDir, "quickjs.wasm")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("interpreter binary %s missing (run `krater runtimes fetch`)", path)
		}
		return nil, fmt.Errorf("load interpreter: %w", err)
	}
	return data, nil
}

// WrapCode prepends the in-guest shim to user code.
func (j *JavaScript) WrapCode(code string) string {
	return shim + "\n" + code
}

// Args returns the interpreter argv.
func (j *JavaScript) Args(wrappedCode string) []string {
	return []string{"qjs", "--std", "-e", wrappedCode}
}

// SessionInit switches the shim into session-loop mode.
func (j *JavaScript) SessionInit() string {
	return "globalThis._KRATER_SESSION = true;\n"
}

// BlockingInput reports false: the shim's input implementation answers
// over the host call synchronously, so no source rewrite is needed.
func (j *JavaScript) BlockingInput() bool {
	return false
}
