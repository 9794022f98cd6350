package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/krater-dev/krater/language"
)

// State tracks runtime initialization.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// Bridge owns one interpreter runtime, initialized lazily on first
// use. Concurrent callers during loading share the single in-flight
// initialization instead of starting duplicate loads.
type Bridge struct {
	lang   language.Language
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	inflight chan struct{}
	initErr  error

	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled wazero.CompiledModule
	closed   bool

	cfg bridgeConfig
}

type bridgeConfig struct {
	cacheDir         string
	memoryLimitPages uint32
	startTimeout     time.Duration
}

// Option configures the bridge.
type Option func(*bridgeConfig)

// WithCompilationCacheDir enables wazero's persistent compilation
// cache for faster cold starts.
func WithCompilationCacheDir(dir string) Option {
	return func(c *bridgeConfig) { c.cacheDir = dir }
}

// WithMemoryLimit caps guest memory in 64KB pages.
func WithMemoryLimit(pages uint32) Option {
	return func(c *bridgeConfig) { c.memoryLimitPages = pages }
}

// WithStartTimeout bounds session startup.
func WithStartTimeout(d time.Duration) Option {
	return func(c *bridgeConfig) { c.startTimeout = d }
}

// New creates an uninitialized bridge for one language runtime.
func New(lang language.Language, logger *zap.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := bridgeConfig{startTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bridge{
		lang:   lang,
		logger: logger.With(zap.String("component", "bridge"), zap.String("language", lang.Name())),
		cfg:    cfg,
	}
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// MaxConcurrentUnits reports how many execution units may share this
// runtime. The interpreter is not thread-shareable, so this is 1
// regardless of pool configuration.
func (b *Bridge) MaxConcurrentUnits() int {
	return 1
}

// ensureReady initializes the runtime once, sharing the in-flight load
// across concurrent callers. A failed load resets to uninitialized so
// a later call can retry.
func (b *Bridge) ensureReady(ctx context.Context) (wazero.CompiledModule, error) {
	for {
		b.mu.Lock()
		switch b.state {
		case StateReady:
			compiled := b.compiled
			b.mu.Unlock()
			return compiled, nil

		case StateLoading:
			wait := b.inflight
			b.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			// Re-examine state; the load may have failed.
			b.mu.Lock()
			if b.state == StateUninitialized && b.initErr != nil {
				err := b.initErr
				b.mu.Unlock()
				return nil, err
			}
			b.mu.Unlock()

		case StateUninitialized:
			if b.closed {
				b.mu.Unlock()
				return nil, fmt.Errorf("bridge closed")
			}
			b.state = StateLoading
			b.inflight = make(chan struct{})
			b.initErr = nil
			b.mu.Unlock()

			compiled, rt, cache, err := b.load(ctx)

			b.mu.Lock()
			close(b.inflight)
			if err != nil {
				b.state = StateUninitialized
				b.initErr = err
				b.mu.Unlock()
				return nil, err
			}
			b.state = StateReady
			b.runtime = rt
			b.cache = cache
			b.compiled = compiled
			b.mu.Unlock()
			return compiled, nil
		}
	}
}

func (b *Bridge) load(ctx context.Context) (wazero.CompiledModule, wazero.Runtime, wazero.CompilationCache, error) {
	start := time.Now()
	b.logger.Info("loading interpreter runtime")

	var cache wazero.CompilationCache
	if b.cfg.cacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(b.cfg.cacheDir)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create compilation cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if b.cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(b.cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		if cache != nil {
			cache.Close(ctx)
		}
		return nil, nil, nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	module, err := b.lang.Module()
	if err != nil {
		rt.Close(ctx)
		if cache != nil {
			cache.Close(ctx)
		}
		return nil, nil, nil, err
	}

	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		rt.Close(ctx)
		if cache != nil {
			cache.Close(ctx)
		}
		return nil, nil, nil, fmt.Errorf("compile %s interpreter: %w", b.lang.Name(), err)
	}

	b.logger.Info("interpreter runtime ready", zap.Duration("load_time", time.Since(start)))
	return compiled, rt, cache, nil
}

// Close releases the runtime. Sessions must be closed first.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	ctx := context.Background()
	var first error
	if b.runtime != nil {
		if err := b.runtime.Close(ctx); err != nil {
			first = err
		}
	}
	if b.cache != nil {
		if err := b.cache.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	b.state = StateUninitialized
	return first
}
