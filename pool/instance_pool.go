package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/krater-dev/krater/executor"
)

const (
	defaultMaxPerLanguage = 4
	defaultIdleCap        = 2
	defaultSweepInterval  = 30 * time.Second
)

// Instance is a reusable runtime handle managed by an InstancePool.
type Instance interface {
	Close() error
}

// Factory creates a fresh instance for a language id.
type Factory func(ctx context.Context, languageID string) (Instance, error)

// pooled wraps an instance with its bookkeeping.
type pooled struct {
	inst     Instance
	language string
	lastUsed time.Time
	uses     int
}

// InstancePoolOption configures an InstancePool.
type InstancePoolOption func(*InstancePool)

// WithMaxPerLanguage bounds live instances per language id.
func WithMaxPerLanguage(n int) InstancePoolOption {
	return func(p *InstancePool) {
		if n > 0 {
			p.maxPerLanguage = n
		}
	}
}

// WithIdleCap bounds how many released instances are kept warm per
// language; releases above the cap dispose immediately.
func WithIdleCap(n int) InstancePoolOption {
	return func(p *InstancePool) {
		if n >= 0 {
			p.idleCap = n
		}
	}
}

// WithInstanceIdleTimeout sets how long a warm instance may sit unused
// before the sweeper disposes it.
func WithInstanceIdleTimeout(d time.Duration) InstancePoolOption {
	return func(p *InstancePool) { p.idleTimeout = d }
}

// WithInstancePoolLogger sets the pool logger.
func WithInstancePoolLogger(logger *zap.Logger) InstancePoolOption {
	return func(p *InstancePool) { p.logger = logger }
}

// InstancePool hands out runtime instances keyed by language id. It
// reuses warm instances when available, creates new ones up to a
// per-language maximum, and recycles instances that idle too long.
// Unlike WorkerPool it does no scheduling: callers that hit the
// maximum get ErrMaxInstances back instead of queueing.
type InstancePool struct {
	factory     Factory
	logger      *zap.Logger
	idleTimeout time.Duration

	maxPerLanguage int
	idleCap        int

	mu     sync.Mutex
	warm   map[string][]*pooled
	live   map[string]int
	closed bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewInstancePool builds a pool around the factory and starts the
// background idle sweeper.
func NewInstancePool(factory Factory, opts ...InstancePoolOption) *InstancePool {
	p := &InstancePool{
		factory:        factory,
		logger:         zap.NewNop(),
		idleTimeout:    defaultIdleTimeout,
		maxPerLanguage: defaultMaxPerLanguage,
		idleCap:        defaultIdleCap,
		warm:           make(map[string][]*pooled),
		live:           make(map[string]int),
		stopSweep:      make(chan struct{}),
		sweepDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.sweepLoop()
	return p
}

// Acquire returns a warm instance for the language or creates one.
// When the per-language maximum is already live it fails with
// ErrMaxInstances rather than waiting.
func (p *InstancePool) Acquire(ctx context.Context, languageID string) (Instance, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, executor.ErrPoolClosed
	}
	if warm := p.warm[languageID]; len(warm) > 0 {
		item := warm[len(warm)-1]
		p.warm[languageID] = warm[:len(warm)-1]
		item.uses++
		p.mu.Unlock()
		return item.inst, nil
	}
	if p.live[languageID] >= p.maxPerLanguage {
		p.mu.Unlock()
		return nil, executor.ErrMaxInstances
	}
	p.live[languageID]++
	p.mu.Unlock()

	inst, err := p.factory(ctx, languageID)
	if err != nil {
		p.mu.Lock()
		p.live[languageID]--
		p.mu.Unlock()
		return nil, err
	}
	return inst, nil
}

// Release returns an instance to the warm set. Above the idle cap, or
// after the pool closes, the instance is disposed instead.
func (p *InstancePool) Release(languageID string, inst Instance) {
	p.mu.Lock()
	if p.closed || len(p.warm[languageID]) >= p.idleCap {
		p.live[languageID]--
		p.mu.Unlock()
		if err := inst.Close(); err != nil {
			p.logger.Warn("instance close failed", zap.Error(err))
		}
		return
	}
	p.warm[languageID] = append(p.warm[languageID], &pooled{
		inst:     inst,
		language: languageID,
		lastUsed: time.Now(),
	})
	p.mu.Unlock()
}

// Discard disposes an instance without returning it to the warm set,
// freeing its slot in the per-language budget. Use it for instances
// that died in service and must not be handed out again.
func (p *InstancePool) Discard(languageID string, inst Instance) {
	p.mu.Lock()
	p.live[languageID]--
	p.mu.Unlock()
	if err := inst.Close(); err != nil {
		p.logger.Warn("instance close failed", zap.Error(err))
	}
}

// Execute acquires an instance, runs fn against it, and always
// releases it back, even when fn fails.
func (p *InstancePool) Execute(ctx context.Context, languageID string, fn func(Instance) error) error {
	inst, err := p.Acquire(ctx, languageID)
	if err != nil {
		return err
	}
	defer p.Release(languageID, inst)
	return fn(inst)
}

// Stats reports live and warm instance counts per language.
func (p *InstancePool) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.live))
	for lang, n := range p.live {
		out[lang] = n
	}
	return out
}

// Close disposes every warm instance and stops the sweeper. Instances
// currently acquired are disposed when released.
func (p *InstancePool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var drained []*pooled
	for lang, warm := range p.warm {
		drained = append(drained, warm...)
		p.live[lang] -= len(warm)
		delete(p.warm, lang)
	}
	p.mu.Unlock()

	close(p.stopSweep)
	<-p.sweepDone
	for _, item := range drained {
		item.inst.Close()
	}
}

func (p *InstancePool) sweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep(time.Now())
		case <-p.stopSweep:
			return
		}
	}
}

// sweep disposes warm instances that idled past the timeout.
func (p *InstancePool) sweep(now time.Time) {
	p.mu.Lock()
	var stale []*pooled
	for lang, warm := range p.warm {
		kept := warm[:0]
		for _, item := range warm {
			if now.Sub(item.lastUsed) >= p.idleTimeout {
				stale = append(stale, item)
				p.live[lang]--
			} else {
				kept = append(kept, item)
			}
		}
		p.warm[lang] = kept
	}
	p.mu.Unlock()

	for _, item := range stale {
		p.logger.Debug("disposing idle instance", zap.String("language", item.language))
		if err := item.inst.Close(); err != nil {
			p.logger.Warn("instance close failed", zap.Error(err))
		}
	}
}
