package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/krater-dev/krater/bridge"
	"github.com/krater-dev/krater/cache"
	"github.com/krater-dev/krater/executor"
	"github.com/krater-dev/krater/internal/metrics"
	"github.com/krater-dev/krater/language"
	"github.com/krater-dev/krater/pool"
	"github.com/krater-dev/krater/syncio"
)

// Config tunes the execution host.
type Config struct {
	// MinUnits and MaxUnits bound each language pool. The bridge's
	// concurrency cap clamps both.
	MinUnits int
	MaxUnits int

	IdleTimeout    time.Duration
	InitTimeout    time.Duration
	HealthInterval time.Duration

	// DefaultTimeout applies to submissions that carry none.
	DefaultTimeout time.Duration

	// StuckThreshold is how long a busy unit may stay silent before
	// replacement. Zero keeps the pool default.
	StuckThreshold time.Duration

	// CacheBudget bounds resident prepared-artifact memory in bytes.
	CacheBudget int64

	// PackageDir, when set, enables the restricted module loader for
	// all submissions.
	PackageDir     string
	BlockedModules []string

	// CompilationCacheDir enables the persistent interpreter
	// compilation cache.
	CompilationCacheDir string

	// Metrics, when set, receives the host collectors.
	Metrics prometheus.Registerer
}

func (c *Config) applyDefaults() {
	if c.MinUnits <= 0 {
		c.MinUnits = 1
	}
	if c.MaxUnits < c.MinUnits {
		c.MaxUnits = c.MinUnits
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
}

// Submission is an accepted job and its pending outcome. Result
// delivers exactly one terminal error, nil on success.
type Submission struct {
	Job    executor.Job
	Result <-chan error
}

// languageHost is everything the service owns for one language.
type languageHost struct {
	lang   language.Language
	bridge *bridge.Bridge
	pool   *pool.WorkerPool
}

// runnerFactory builds the pool runner for a language. Tests substitute
// a mock; production wires bridge sessions.
type runnerFactory func(svc *ExecutionService, host *languageHost) pool.Runner

// ExecutionService is the top-level coordinator for code execution.
type ExecutionService struct {
	cfg    Config
	logger *zap.Logger

	registry  *language.Registry
	cache     *cache.Cache
	input     *syncio.Channel
	hosts     map[string]*languageHost
	instances *pool.InstancePool

	cacheMetrics  *metrics.Cache
	lastEvictions uint64

	mu   sync.Mutex
	jobs map[string]string // job id -> language id
}

// New builds the service over the registered languages.
func New(cfg Config, registry *language.Registry, logger *zap.Logger) (*ExecutionService, error) {
	return newService(cfg, registry, logger, sessionRunnerFactory)
}

func newService(cfg Config, registry *language.Registry, logger *zap.Logger, factory runnerFactory) (*ExecutionService, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	cacheOpts := []cache.Option{cache.WithLogger(logger)}
	if cfg.CacheBudget > 0 {
		cacheOpts = append(cacheOpts, cache.WithBudget(cfg.CacheBudget))
	}

	s := &ExecutionService{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "service")),
		registry: registry,
		cache:    cache.New(cacheOpts...),
		input:    syncio.New(),
		hosts:    make(map[string]*languageHost),
		jobs:     make(map[string]string),
	}
	if cfg.Metrics != nil {
		s.cacheMetrics = metrics.NewCache(cfg.Metrics)
	}

	// Worker pools draw their interpreter sessions from one bounded
	// instance pool, so a retired unit's warm session is reused on the
	// next scale-up instead of paying a fresh instantiation.
	s.instances = pool.NewInstancePool(
		func(ctx context.Context, languageID string) (pool.Instance, error) {
			host, ok := s.hosts[languageID]
			if !ok {
				return nil, fmt.Errorf("unknown language %q", languageID)
			}
			return host.bridge.NewSession(ctx)
		},
		pool.WithMaxPerLanguage(cfg.MaxUnits),
		pool.WithInstancePoolLogger(logger),
	)

	for _, id := range registry.IDs() {
		lang, err := registry.Get(id)
		if err != nil {
			return nil, err
		}
		host := &languageHost{lang: lang}

		var bridgeOpts []bridge.Option
		if cfg.CompilationCacheDir != "" {
			bridgeOpts = append(bridgeOpts, bridge.WithCompilationCacheDir(cfg.CompilationCacheDir))
		}
		host.bridge = bridge.New(lang, logger, bridgeOpts...)

		// The interpreter runtime caps how many units may share it.
		minU, maxU := cfg.MinUnits, cfg.MaxUnits
		if limit := host.bridge.MaxConcurrentUnits(); limit > 0 {
			if maxU > limit {
				maxU = limit
			}
			if minU > maxU {
				minU = maxU
			}
		}

		poolOpts := []pool.Option{
			pool.WithUnitRange(minU, maxU),
			pool.WithLogger(logger.With(zap.String("language", id))),
		}
		if cfg.IdleTimeout > 0 {
			poolOpts = append(poolOpts, pool.WithIdleTimeout(cfg.IdleTimeout))
		}
		if cfg.InitTimeout > 0 {
			poolOpts = append(poolOpts, pool.WithInitTimeout(cfg.InitTimeout))
		}
		if cfg.HealthInterval > 0 {
			poolOpts = append(poolOpts, pool.WithHealthInterval(cfg.HealthInterval))
		}
		if cfg.StuckThreshold > 0 {
			threshold := cfg.StuckThreshold
			poolOpts = append(poolOpts, pool.WithStuckThreshold(func(executor.Job) time.Duration {
				return threshold
			}))
		}
		if cfg.Metrics != nil {
			poolOpts = append(poolOpts, pool.WithMetrics(metrics.NewPool(cfg.Metrics, id)))
		}

		host.pool = pool.New(factory(s, host), poolOpts...)
		s.hosts[id] = host
	}
	return s, nil
}

// Start brings every pool up to its minimum unit count in parallel.
// The interpreter runtimes load lazily on the first session, so Start
// is where the cold-start cost lands.
func (s *ExecutionService) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for id, host := range s.hosts {
		s.logger.Info("initializing language pool", zap.String("language", id))
		g.Go(func() error { return host.pool.Initialize(ctx) })
	}
	return g.Wait()
}

// Languages lists the executable language ids.
func (s *ExecutionService) Languages() []string {
	return s.registry.IDs()
}

// Submit accepts a source submission for asynchronous execution.
// Events stream to sink as they happen; the returned Submission's
// Result channel delivers the terminal outcome.
func (s *ExecutionService) Submit(source, languageID string, opts executor.Options, prio executor.Priority, sink executor.Sink) (*Submission, error) {
	host, ok := s.hosts[languageID]
	if !ok {
		if _, err := s.registry.Get(languageID); err != nil {
			return nil, err
		}
		return nil, executor.NewError(executor.KindInternal, "language has no pool")
	}

	if opts.Timeout <= 0 {
		opts.Timeout = s.cfg.DefaultTimeout
	}
	job := executor.NewJob(source, languageID, opts, prio)

	s.mu.Lock()
	s.jobs[job.ID] = languageID
	s.mu.Unlock()

	result, err := host.pool.Execute(job, sink)
	if err != nil {
		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		return nil, err
	}

	// Track the job only while it is live so Cancel can route it.
	tracked := make(chan error, 1)
	go func() {
		res := <-result
		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		tracked <- res
	}()

	return &Submission{Job: job, Result: tracked}, nil
}

// Cancel stops a queued or running job.
func (s *ExecutionService) Cancel(jobID string) error {
	s.mu.Lock()
	languageID, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return executor.ErrJobNotFound
	}
	return s.hosts[languageID].pool.Cancel(jobID)
}

// Inputs exposes pending interactive input requests. Each request must
// be answered with Reply to unblock the waiting submission.
func (s *ExecutionService) Inputs() <-chan *syncio.Request {
	return s.input.Pending()
}

// ClearCache drops the prepared artifacts for one source across all
// languages, or every artifact when source is empty.
func (s *ExecutionService) ClearCache(source string) {
	if source == "" {
		s.cache.Clear()
		s.logger.Info("artifact cache cleared")
		return
	}
	for id := range s.hosts {
		s.cache.Remove(cacheKey(id, source))
	}
}

// CacheStats reports artifact-cache counters.
func (s *ExecutionService) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// PoolStats reports per-language pool occupancy.
func (s *ExecutionService) PoolStats() map[string]pool.Stats {
	out := make(map[string]pool.Stats, len(s.hosts))
	for id, host := range s.hosts {
		out[id] = host.pool.Stats()
	}
	return out
}

// cacheKey scopes an artifact to its language: the rewrite pipeline is
// language-dependent, so identical source prepared for two languages
// must never share an entry.
func cacheKey(languageID, source string) string {
	return languageID + "\x00" + source
}

// prepare returns the executable code for a job. Uninstrumented
// submissions go through the artifact cache; instrumented ones are
// rewritten per call because the injected probes vary with options.
func (s *ExecutionService) prepare(job executor.Job) (string, error) {
	host, ok := s.hosts[job.Language]
	if !ok {
		return "", executor.NewError(executor.KindInternal, "language has no pool")
	}
	opts := bridge.RewriteOptions{AsyncInput: host.lang.BlockingInput()}

	if job.Options.Instrument {
		opts.Instrument = true
		return bridge.Rewrite(job.Source, opts), nil
	}

	key := cacheKey(job.Language, job.Source)
	hit := s.cache.Contains(key)
	artifact, err := s.cache.GetOrCreate(key, func(string) ([]byte, error) {
		return []byte(bridge.Rewrite(job.Source, opts)), nil
	})
	if err != nil {
		return "", err
	}
	s.recordCacheAccess(hit)
	return string(artifact.Data), nil
}

func (s *ExecutionService) recordCacheAccess(hit bool) {
	if s.cacheMetrics == nil {
		return
	}
	if hit {
		s.cacheMetrics.Hits.Inc()
	} else {
		s.cacheMetrics.Misses.Inc()
	}
	stats := s.cache.Stats()
	s.cacheMetrics.Entries.Set(float64(stats.Entries))
	s.cacheMetrics.UsedBytes.Set(float64(stats.UsedBytes))
	s.mu.Lock()
	if d := stats.Evictions - s.lastEvictions; d > 0 {
		s.cacheMetrics.Evictions.Add(float64(d))
		s.lastEvictions = stats.Evictions
	}
	s.mu.Unlock()
}

// Close shuts every pool down, then the warm sessions, the bridges,
// and the input channel. Queued jobs resolve with a shutdown error.
func (s *ExecutionService) Close(ctx context.Context) error {
	var g errgroup.Group
	for _, host := range s.hosts {
		g.Go(func() error { return host.pool.Shutdown(ctx) })
	}
	err := g.Wait()

	s.instances.Close()
	for _, host := range s.hosts {
		if cerr := host.bridge.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.input.Close()
	return err
}
