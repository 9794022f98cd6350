// Package python provides the Python language adapter, backed by a
// RustPython WASM build loaded from the runtimes directory.
package python

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed shim.py
var shim string

// Python implements language.Language for Python submissions.
type Python struct {
	runtimeDir string
}

// New returns a Python adapter loading its interpreter from runtimeDir.
func New(runtimeDir string) *Python {
	return &Python{runtimeDir: runtimeDir}
}

// Name returns "python".
func (p *Python) Name() string {
	return "python"
}

// Module loads the interpreter binary from the runtimes directory.
func (p *Python) Module() ([]byte, error) {
	path := filepath.Join(p.runtimeDir, "python.wasm")
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
func (p *Python) WrapCode(code string) string {
	return shim + "\n" + code
}

// Args returns the interpreter argv.
func (p *Python) Args(wrappedCode string) []string {
	return []string{"python", "-c", wrappedCode}
}

// SessionInit switches the shim into session-loop mode.
func (p *Python) SessionInit() string {
	return "_KRATER_SESSION = True\n"
}

// BlockingInput reports that input() suspends the interpreter loop, so
// submissions calling it must go through the async input rewrite.
func (p *Python) BlockingInput() bool {
	return true
}
