package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// duration makes time.Duration usable in YAML ("30s", "2m").
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

func (d duration) or(fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return time.Duration(d)
}

// serveConfig is the YAML configuration for the serve command.
type serveConfig struct {
	Addr        string `yaml:"addr"`
	RuntimesDir string `yaml:"runtimes_dir"`

	DefaultTimeout duration `yaml:"default_timeout"`

	Pool struct {
		MinUnits       int      `yaml:"min_units"`
		MaxUnits       int      `yaml:"max_units"`
		IdleTimeout    duration `yaml:"idle_timeout"`
		InitTimeout    duration `yaml:"init_timeout"`
		HealthInterval duration `yaml:"health_interval"`
		StuckThreshold duration `yaml:"stuck_threshold"`
	} `yaml:"pool"`

	Cache struct {
		BudgetBytes int64 `yaml:"budget_bytes"`
	} `yaml:"cache"`

	Packages struct {
		Dir     string   `yaml:"dir"`
		Blocked []string `yaml:"blocked"`
	} `yaml:"packages"`

	CompilationCacheDir string `yaml:"compilation_cache_dir"`
}

// loadServeConfig reads the YAML config file. A missing path returns
// zero-valued config; flags and defaults fill the rest.
func loadServeConfig(path string) (serveConfig, error) {
	var cfg serveConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
