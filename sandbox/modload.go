package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ModuleLoaderConfig confines module loading to a single package
// directory and denies a block-list of host modules outright.
type ModuleLoaderConfig struct {
	PackageDir     string
	BlockedModules []string
}

// DefaultBlockedModules are host-facing modules that must never be
// importable from sandboxed code.
var DefaultBlockedModules = []string{
	"os", "sys", "subprocess", "socket", "ctypes",
	"importlib", "multiprocessing", "threading",
	"child_process", "fs", "net", "cluster", "worker_threads",
}

// NewModuleLoader returns the restricted module-loading capability.
// Lookups outside the package directory and any blocked name fail.
func NewModuleLoader(cfg ModuleLoaderConfig) (Func, error) {
	if cfg.PackageDir == "" {
		return nil, errors.New("package directory required")
	}
	root, err := filepath.Abs(cfg.PackageDir)
	if err != nil {
		return nil, fmt.Errorf("resolve package dir: %w", err)
	}

	blocked := make(map[string]struct{}, len(cfg.BlockedModules)+len(DefaultBlockedModules))
	for _, name := range DefaultBlockedModules {
		blocked[name] = struct{}{}
	}
	for _, name := range cfg.BlockedModules {
		blocked[strings.ToLower(name)] = struct{}{}
	}

	return func(ctx context.Context, args map[string]any) (any, error) {
		name, _ := args["name"].(string)
		if name == "" {
			return nil, errors.New("module name required")
		}

		base := strings.ToLower(strings.SplitN(name, ".", 2)[0])
		if _, deny := blocked[base]; deny {
			return nil, fmt.Errorf("module %q is blocked", name)
		}
		if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
			return nil, fmt.Errorf("invalid module name %q", name)
		}

		rel := strings.ReplaceAll(name, ".", string(filepath.Separator))
		for _, candidate := range []string{
			filepath.Join(root, rel+".py"),
			filepath.Join(root, rel, "__init__.py"),
			filepath.Join(root, rel+".js"),
		} {
			abs, err := filepath.Abs(candidate)
			if err != nil || !strings.HasPrefix(abs, root+string(filepath.Separator)) {
				return nil, fmt.Errorf("module %q resolves outside package directory", name)
			}
			data, err := os.ReadFile(abs)
			if err == nil {
				return string(data), nil
			}
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read module %q: %w", name, err)
			}
		}
		return nil, fmt.Errorf("module %q not found", name)
	}, nil
}
