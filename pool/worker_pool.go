package pool

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/krater-dev/krater/executor"
	"github.com/krater-dev/krater/internal/metrics"
)

const (
	defaultMinUnits       = 1
	defaultMaxUnits       = 4
	defaultInitTimeout    = 30 * time.Second
	defaultIdleTimeout    = 45 * time.Second
	defaultHealthInterval = 10 * time.Second
	defaultStuckAfter     = 2 * time.Minute
	defaultMaxFailures    = 3
)

// StuckThresholdFunc decides how long a busy unit may stay silent
// before the pool declares it unresponsive. Returning zero disables
// the check for that job.
type StuckThresholdFunc func(job executor.Job) time.Duration

// Option configures a WorkerPool.
type Option func(*WorkerPool)

// WithUnitRange sets the minimum and maximum number of units.
func WithUnitRange(min, max int) Option {
	return func(p *WorkerPool) {
		if min > 0 {
			p.minUnits = min
		}
		if max > 0 {
			p.maxUnits = max
		}
	}
}

// WithIdleTimeout sets how long a unit must sit idle before the
// scale-down pass may retire it.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *WorkerPool) { p.idleTimeout = d }
}

// WithInitTimeout bounds how long a new unit may take to become ready.
func WithInitTimeout(d time.Duration) Option {
	return func(p *WorkerPool) { p.initTimeout = d }
}

// WithHealthInterval sets the cadence of the background health check.
func WithHealthInterval(d time.Duration) Option {
	return func(p *WorkerPool) { p.healthInterval = d }
}

// WithStuckThreshold overrides the per-job silence threshold.
func WithStuckThreshold(f StuckThresholdFunc) Option {
	return func(p *WorkerPool) { p.stuckAfter = f }
}

// WithMaxConsecutiveFailures sets how many unit-level failures in a
// row force a replacement.
func WithMaxConsecutiveFailures(n int) Option {
	return func(p *WorkerPool) {
		if n > 0 {
			p.maxFailures = n
		}
	}
}

// WithLogger sets the pool logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *WorkerPool) { p.logger = logger }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Pool) Option {
	return func(p *WorkerPool) { p.metrics = m }
}

// unitSlot is the coordinator's record of one unit. All fields except
// lastActivity are owned by the coordinator goroutine; lastActivity is
// touched by the executing goroutine on every event the job emits.
type unitSlot struct {
	id     int
	unit   Unit
	busy   bool
	active *queued
	cancel context.CancelFunc

	executions int
	failures   int
	idleSince  time.Time

	lastActivity atomic.Int64
}

func (s *unitSlot) touch(now time.Time) { s.lastActivity.Store(now.UnixNano()) }

// Coordinator messages. Each carries exactly what its handler needs;
// replies travel over buffered channels so the loop never blocks on a
// caller.
type (
	submitMsg      struct{ item *queued; reply chan error }
	cancelMsg      struct{ jobID string; reply chan error }
	jobDoneMsg     struct{ unitID int; jobID string; err error }
	unitStartedMsg struct{ unit Unit }
	unitFailedMsg  struct{ err error }
	idleSweepMsg   struct{}
	statsMsg       struct{ reply chan Stats }
	shutdownMsg    struct{ reply chan struct{} }
)

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Units  int
	Busy   int
	Queued int
}

// WorkerPool schedules jobs of one language across a dynamic set of
// execution units. All pool state lives on a single coordinator
// goroutine fed by typed messages, so no mutex guards the unit table
// or the queue.
type WorkerPool struct {
	runner  Runner
	logger  *zap.Logger
	metrics *metrics.Pool

	minUnits       int
	maxUnits       int
	initTimeout    time.Duration
	idleTimeout    time.Duration
	healthInterval time.Duration
	maxFailures    int
	stuckAfter     StuckThresholdFunc

	msgs chan any
	done chan struct{}

	// Coordinator-owned. Never read or written outside the loop.
	units      map[int]*unitSlot
	queue      jobQueue
	nextUnitID int
	nextSeq    uint64
	starting   int
	idleTimer  *time.Timer
	draining   bool
}

// New builds a pool over the given runner. Call Initialize to bring up
// the minimum unit count before submitting work.
func New(runner Runner, opts ...Option) *WorkerPool {
	p := &WorkerPool{
		runner:         runner,
		logger:         zap.NewNop(),
		minUnits:       defaultMinUnits,
		maxUnits:       defaultMaxUnits,
		initTimeout:    defaultInitTimeout,
		idleTimeout:    defaultIdleTimeout,
		healthInterval: defaultHealthInterval,
		maxFailures:    defaultMaxFailures,
		stuckAfter:     func(executor.Job) time.Duration { return defaultStuckAfter },
		msgs:           make(chan any, 64),
		done:           make(chan struct{}),
		units:          make(map[int]*unitSlot),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxUnits < p.minUnits {
		p.maxUnits = p.minUnits
	}
	if p.idleTimeout <= 0 {
		p.idleTimeout = defaultIdleTimeout
	}
	if p.healthInterval <= 0 {
		p.healthInterval = defaultHealthInterval
	}
	go p.loop()
	return p
}

// Initialize starts the minimum number of units in parallel. A unit
// that cannot reach ready within the init timeout is discarded and
// logged; the health check keeps retrying the shortfall, so a partial
// start does not fail the pool. The context bounds the overall wait.
func (p *WorkerPool) Initialize(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.minUnits; i++ {
		g.Go(func() error {
			startCtx, cancel := context.WithTimeout(ctx, p.initTimeout)
			defer cancel()
			unit, err := p.runner.StartUnit(startCtx)
			if err != nil {
				p.logger.Warn("unit failed to initialize", zap.Error(err))
				return nil
			}
			if !p.send(unitStartedMsg{unit: unit}) {
				return unit.Close()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Execute enqueues a job. The returned channel delivers exactly one
// terminal error (nil on success) once the job finishes, fails, or is
// cancelled. A non-nil error return means the job was never accepted.
func (p *WorkerPool) Execute(job executor.Job, sink executor.Sink) (<-chan error, error) {
	if sink == nil {
		sink = func(executor.Event) {}
	}
	item := &queued{
		job:        job,
		sink:       sink,
		result:     make(chan error, 1),
		stuckAfter: p.stuckAfter(job),
	}
	reply := make(chan error, 1)
	if !p.send(submitMsg{item: item, reply: reply}) {
		return nil, executor.ErrPoolClosed
	}
	if err := <-reply; err != nil {
		return nil, err
	}
	return item.result, nil
}

// Cancel stops the job with the given id: a queued job is removed, a
// running job is signalled through its context. Unknown ids return
// ErrJobNotFound.
func (p *WorkerPool) Cancel(jobID string) error {
	reply := make(chan error, 1)
	if !p.send(cancelMsg{jobID: jobID, reply: reply}) {
		return executor.ErrPoolClosed
	}
	return <-reply
}

// Stats reports current occupancy.
func (p *WorkerPool) Stats() Stats {
	reply := make(chan Stats, 1)
	if !p.send(statsMsg{reply: reply}) {
		return Stats{}
	}
	return <-reply
}

// Shutdown drains the pool: queued jobs resolve with ErrPoolClosed,
// running jobs are cancelled, and every unit is destroyed.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	reply := make(chan struct{})
	if !p.send(shutdownMsg{reply: reply}) {
		return nil
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send delivers a message to the coordinator unless the pool has shut
// down.
func (p *WorkerPool) send(msg any) bool {
	select {
	case p.msgs <- msg:
		return true
	case <-p.done:
		return false
	}
}

func (p *WorkerPool) loop() {
	health := time.NewTicker(p.healthInterval)
	defer health.Stop()

	for {
		select {
		case msg := <-p.msgs:
			switch m := msg.(type) {
			case submitMsg:
				p.handleSubmit(m)
			case cancelMsg:
				m.reply <- p.handleCancel(m.jobID)
			case jobDoneMsg:
				p.handleJobDone(m)
			case unitStartedMsg:
				p.handleUnitStarted(m.unit)
			case unitFailedMsg:
				p.starting--
				p.logger.Warn("unit start failed", zap.Error(m.err))
			case idleSweepMsg:
				p.handleIdleSweep()
			case statsMsg:
				m.reply <- p.snapshot()
			case shutdownMsg:
				p.handleShutdown()
				close(m.reply)
				return
			}
		case <-health.C:
			p.handleHealthCheck()
		}
	}
}

func (p *WorkerPool) snapshot() Stats {
	s := Stats{Units: len(p.units), Queued: p.queue.Len()}
	for _, slot := range p.units {
		if slot.busy {
			s.Busy++
		}
	}
	return s
}

func (p *WorkerPool) handleSubmit(m submitMsg) {
	if p.draining {
		m.reply <- executor.ErrPoolClosed
		return
	}
	p.nextSeq++
	m.item.seq = p.nextSeq
	p.queue.push(m.item)
	m.reply <- nil

	// No event yet: a job cancelled while still queued must resolve
	// without ever having emitted one. The first event is the running
	// status at dispatch.
	p.updateGauges()
	p.dispatch()
	p.maybeScaleUp()
}

func (p *WorkerPool) handleCancel(jobID string) error {
	if item := p.queue.remove(jobID); item != nil {
		p.resolve(item, &executor.Error{Kind: executor.KindCancelled, Msg: "cancelled before execution"})
		p.updateGauges()
		return nil
	}
	for _, slot := range p.units {
		if slot.busy && slot.active.job.ID == jobID {
			slot.cancel()
			return nil
		}
	}
	return executor.ErrJobNotFound
}

// dispatch pairs queued jobs with idle units, highest priority first.
func (p *WorkerPool) dispatch() {
	for p.queue.Len() > 0 {
		slot := p.idleSlot()
		if slot == nil {
			return
		}
		p.assign(slot, p.queue.pop())
	}
}

func (p *WorkerPool) idleSlot() *unitSlot {
	for _, slot := range p.units {
		if !slot.busy {
			return slot
		}
	}
	return nil
}

func (p *WorkerPool) assign(slot *unitSlot, item *queued) {
	ctx, cancel := context.WithCancel(context.Background())
	slot.busy = true
	slot.active = item
	slot.cancel = cancel
	slot.touch(time.Now())

	item.sink(executor.Event{
		Type:  executor.EventStatus,
		JobID: item.job.ID,
		Data:  executor.StatusRunning,
	})
	p.updateGauges()

	// Every event the job emits counts as unit activity, so a chatty
	// long computation is never mistaken for a stall.
	sink := func(ev executor.Event) {
		slot.touch(time.Now())
		item.sink(ev)
	}

	go func() {
		err := slot.unit.Execute(ctx, item.job, sink)
		cancel()
		p.send(jobDoneMsg{unitID: slot.id, jobID: item.job.ID, err: err})
	}()
}

func (p *WorkerPool) handleJobDone(m jobDoneMsg) {
	slot, ok := p.units[m.unitID]
	if !ok || !slot.busy || slot.active.job.ID != m.jobID {
		// The unit was already replaced (stuck detection or shutdown)
		// and its job resolved; this completion is stale.
		return
	}

	p.resolve(slot.active, m.err)
	slot.busy = false
	slot.active = nil
	slot.cancel = nil
	slot.executions++
	slot.idleSince = time.Now()

	// Submission-level failures are the job's fault and say nothing
	// about the unit. Only unit-exit and internal errors count toward
	// replacement.
	switch executor.KindOf(m.err) {
	case executor.KindNone:
		slot.failures = 0
	case executor.KindUnitExit:
		p.logger.Warn("execution unit exited during job",
			zap.Int("unit", slot.id), zap.String("job", m.jobID), zap.Error(m.err))
		p.removeUnit(slot)
		p.topUp()
	case executor.KindInternal:
		slot.failures++
		if slot.failures >= p.maxFailures {
			p.logger.Warn("replacing unit after repeated failures",
				zap.Int("unit", slot.id), zap.Int("failures", slot.failures))
			p.removeUnit(slot)
			p.topUp()
		}
	default:
		slot.failures = 0
	}

	p.updateGauges()
	p.dispatch()
	p.scheduleIdleSweep()
}

func (p *WorkerPool) handleUnitStarted(unit Unit) {
	if p.starting > 0 {
		p.starting--
	}
	if p.draining || len(p.units) >= p.maxUnits {
		go unit.Close()
		return
	}
	p.nextUnitID++
	slot := &unitSlot{id: p.nextUnitID, unit: unit, idleSince: time.Now()}
	slot.touch(time.Now())
	p.units[slot.id] = slot
	p.updateGauges()
	p.dispatch()
}

// maybeScaleUp starts one extra unit when jobs are waiting and every
// unit is busy, up to the maximum.
func (p *WorkerPool) maybeScaleUp() {
	if p.queue.Len() == 0 || p.idleSlot() != nil {
		return
	}
	if len(p.units)+p.starting >= p.maxUnits {
		return
	}
	p.startUnit()
}

// topUp restores the minimum unit count after replacements.
func (p *WorkerPool) topUp() {
	for len(p.units)+p.starting < p.minUnits {
		p.startUnit()
	}
}

func (p *WorkerPool) startUnit() {
	p.starting++
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.initTimeout)
		defer cancel()
		unit, err := p.runner.StartUnit(ctx)
		if err != nil {
			p.send(unitFailedMsg{err: err})
			return
		}
		if !p.send(unitStartedMsg{unit: unit}) {
			unit.Close()
		}
	}()
}

func (p *WorkerPool) handleHealthCheck() {
	now := time.Now()
	for _, slot := range p.units {
		if !slot.busy {
			continue
		}
		threshold := slot.active.stuckAfter
		if threshold <= 0 {
			continue
		}
		silent := now.Sub(time.Unix(0, slot.lastActivity.Load()))
		if silent < threshold {
			continue
		}
		p.logger.Warn("execution unit unresponsive, replacing",
			zap.Int("unit", slot.id),
			zap.String("job", slot.active.job.ID),
			zap.Duration("silent", silent))
		item := slot.active
		err := &executor.Error{Kind: executor.KindTimeout, Msg: "execution unit unresponsive"}
		item.sink(executor.Event{
			Type:  executor.EventError,
			JobID: item.job.ID,
			Data:  err.Error(),
		})
		p.resolve(item, err)
		slot.cancel()
		slot.active = nil
		p.removeUnit(slot)
	}
	p.topUp()
	p.updateGauges()
	p.dispatch()
}

// handleIdleSweep retires units that have been idle past the timeout,
// least-used first, never dropping below the minimum.
func (p *WorkerPool) handleIdleSweep() {
	p.idleTimer = nil
	now := time.Now()

	var idle []*unitSlot
	for _, slot := range p.units {
		if !slot.busy && now.Sub(slot.idleSince) >= p.idleTimeout {
			idle = append(idle, slot)
		}
	}
	// Least-used first.
	for i := 1; i < len(idle); i++ {
		for j := i; j > 0 && idle[j].executions < idle[j-1].executions; j-- {
			idle[j], idle[j-1] = idle[j-1], idle[j]
		}
	}
	for _, slot := range idle {
		if len(p.units) <= p.minUnits {
			break
		}
		p.logger.Debug("retiring idle unit",
			zap.Int("unit", slot.id), zap.Int("executions", slot.executions))
		p.removeUnit(slot)
	}
	p.updateGauges()
}

// scheduleIdleSweep debounces the scale-down pass: each completion
// pushes the sweep out by a full idle timeout, so a busy pool never
// churns units.
func (p *WorkerPool) scheduleIdleSweep() {
	if len(p.units) <= p.minUnits {
		return
	}
	if p.idleTimer != nil {
		p.idleTimer.Reset(p.idleTimeout)
		return
	}
	p.idleTimer = time.AfterFunc(p.idleTimeout, func() {
		p.send(idleSweepMsg{})
	})
}

func (p *WorkerPool) removeUnit(slot *unitSlot) {
	delete(p.units, slot.id)
	if p.metrics != nil {
		p.metrics.UnitRestarts.Inc()
	}
	go slot.unit.Close()
}

func (p *WorkerPool) handleShutdown() {
	p.draining = true
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	for p.queue.Len() > 0 {
		p.resolve(p.queue.pop(), executor.ErrPoolClosed)
	}
	for _, slot := range p.units {
		if slot.busy {
			slot.cancel()
			p.resolve(slot.active, executor.ErrPoolClosed)
			slot.active = nil
		}
		delete(p.units, slot.id)
		go slot.unit.Close()
	}
	p.updateGauges()
	close(p.done)
}

// resolve delivers the terminal result exactly once and records the
// outcome.
func (p *WorkerPool) resolve(item *queued, err error) {
	select {
	case item.result <- err:
	default:
	}
	if p.metrics == nil {
		return
	}
	switch executor.KindOf(err) {
	case executor.KindNone:
		p.metrics.JobsTotal.WithLabelValues("ok").Inc()
	case executor.KindCancelled:
		p.metrics.JobsTotal.WithLabelValues("cancelled").Inc()
	case executor.KindTimeout:
		p.metrics.JobsTotal.WithLabelValues("timeout").Inc()
	default:
		p.metrics.JobsTotal.WithLabelValues("error").Inc()
	}
}

func (p *WorkerPool) updateGauges() {
	if p.metrics == nil {
		return
	}
	s := p.snapshot()
	p.metrics.Units.Set(float64(s.Units))
	p.metrics.BusyUnits.Set(float64(s.Busy))
	p.metrics.QueueDepth.Set(float64(s.Queued))
}
