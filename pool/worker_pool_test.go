package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/krater-dev/krater/executor"
)

// mockUnit runs jobs through a configurable function so tests control
// exactly how executions behave.
type mockUnit struct {
	run    func(ctx context.Context, job executor.Job, sink executor.Sink) error
	closed atomic.Bool
}

func (u *mockUnit) Execute(ctx context.Context, job executor.Job, sink executor.Sink) error {
	if u.run == nil {
		return nil
	}
	return u.run(ctx, job, sink)
}

func (u *mockUnit) Close() error {
	u.closed.Store(true)
	return nil
}

// mockRunner hands out mockUnits and counts how many were started.
type mockRunner struct {
	mu     sync.Mutex
	units  []*mockUnit
	run    func(ctx context.Context, job executor.Job, sink executor.Sink) error
	fail   error
	starts atomic.Int32
}

func (r *mockRunner) StartUnit(ctx context.Context) (Unit, error) {
	r.starts.Add(1)
	if r.fail != nil {
		return nil, r.fail
	}
	u := &mockUnit{run: r.run}
	r.mu.Lock()
	r.units = append(r.units, u)
	r.mu.Unlock()
	return u, nil
}

func newTestPool(t *testing.T, r Runner, opts ...Option) *WorkerPool {
	t.Helper()
	p := New(r, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return p
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("job did not reach a terminal state")
		return nil
	}
}

func TestPoolExecutesJob(t *testing.T) {
	runner := &mockRunner{
		run: func(ctx context.Context, job executor.Job, sink executor.Sink) error {
			sink(executor.Event{Type: executor.EventConsole, JobID: job.ID, Data: "30"})
			return nil
		},
	}
	p := newTestPool(t, runner, WithUnitRange(1, 1))

	var mu sync.Mutex
	var events []executor.Event
	job := executor.NewJob("print(10 + 20)", "python", executor.Options{}, executor.PriorityNormal)
	result, err := p.Execute(job, func(ev executor.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("execute rejected: %v", err)
	}
	if err := waitResult(t, result); err != nil {
		t.Fatalf("job failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawRunning, sawConsole bool
	for _, ev := range events {
		switch {
		case ev.Type == executor.EventStatus && ev.Data == executor.StatusRunning:
			sawRunning = true
		case ev.Type == executor.EventConsole && ev.Data == "30":
			sawConsole = true
		}
	}
	if !sawRunning || !sawConsole {
		t.Errorf("missing lifecycle events: %+v", events)
	}
	if events[0].Type != executor.EventStatus || events[0].Data != executor.StatusRunning {
		t.Errorf("first event must be the running status, got %+v", events[0])
	}
}

func TestPoolBurstNeverExceedsMaxUnits(t *testing.T) {
	const maxUnits = 2
	release := make(chan struct{})
	var active, peak atomic.Int32

	runner := &mockRunner{
		run: func(ctx context.Context, job executor.Job, sink executor.Sink) error {
			cur := active.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			defer active.Add(-1)
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	p := newTestPool(t, runner, WithUnitRange(1, maxUnits))

	var results []<-chan error
	for i := 0; i < 6; i++ {
		job := executor.NewJob("work", "python", executor.Options{}, executor.PriorityNormal)
		result, err := p.Execute(job, nil)
		if err != nil {
			t.Fatalf("execute %d rejected: %v", i, err)
		}
		results = append(results, result)
	}

	// Give scale-up a chance to overshoot if it ever would.
	time.Sleep(100 * time.Millisecond)
	close(release)

	for i, result := range results {
		if err := waitResult(t, result); err != nil {
			t.Errorf("job %d failed: %v", i, err)
		}
	}
	if got := peak.Load(); got > maxUnits {
		t.Errorf("concurrency peaked at %d, max is %d", got, maxUnits)
	}
}

func TestPoolDispatchesByPriority(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string

	runner := &mockRunner{
		run: func(ctx context.Context, job executor.Job, sink executor.Sink) error {
			if job.Source == "blocker" {
				<-gate
				return nil
			}
			mu.Lock()
			order = append(order, job.Source)
			mu.Unlock()
			return nil
		},
	}
	p := newTestPool(t, runner, WithUnitRange(1, 1))

	blocker, err := p.Execute(executor.NewJob("blocker", "python", executor.Options{}, executor.PriorityNormal), nil)
	if err != nil {
		t.Fatal(err)
	}

	var results []<-chan error
	for _, spec := range []struct {
		src string
		pri executor.Priority
	}{
		{"A", executor.PriorityLow},
		{"B", executor.PriorityHigh},
		{"C", executor.PriorityNormal},
	} {
		result, err := p.Execute(executor.NewJob(spec.src, "python", executor.Options{}, spec.pri), nil)
		if err != nil {
			t.Fatal(err)
		}
		results = append(results, result)
	}

	close(gate)
	waitResult(t, blocker)
	for _, result := range results {
		waitResult(t, result)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"B", "C", "A"}
	if len(order) != len(want) {
		t.Fatalf("expected %d completions, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", order, want)
		}
	}
}

func TestPoolCancelQueuedJob(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	var ran atomic.Bool

	runner := &mockRunner{
		run: func(ctx context.Context, job executor.Job, sink executor.Sink) error {
			if job.Source == "blocker" {
				select {
				case <-gate:
				case <-ctx.Done():
				}
				return nil
			}
			ran.Store(true)
			return nil
		},
	}
	p := newTestPool(t, runner, WithUnitRange(1, 1))

	if _, err := p.Execute(executor.NewJob("blocker", "python", executor.Options{}, executor.PriorityNormal), nil); err != nil {
		t.Fatal(err)
	}
	var eventCount atomic.Int32
	job := executor.NewJob("victim", "python", executor.Options{}, executor.PriorityNormal)
	result, err := p.Execute(job, func(executor.Event) {
		eventCount.Add(1)
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Cancel(job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := waitResult(t, result); executor.KindOf(err) != executor.KindCancelled {
		t.Errorf("expected cancelled result, got %v", err)
	}
	if ran.Load() {
		t.Error("cancelled queued job still executed")
	}
	if n := eventCount.Load(); n != 0 {
		t.Errorf("job cancelled while queued emitted %d events, want none", n)
	}
}

func TestPoolCancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	runner := &mockRunner{
		run: func(ctx context.Context, job executor.Job, sink executor.Sink) error {
			close(started)
			<-ctx.Done()
			return &executor.Error{Kind: executor.KindCancelled, Msg: "cancelled"}
		},
	}
	p := newTestPool(t, runner, WithUnitRange(1, 1))

	job := executor.NewJob("while True: pass", "python", executor.Options{}, executor.PriorityNormal)
	result, err := p.Execute(job, nil)
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if err := p.Cancel(job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := waitResult(t, result); executor.KindOf(err) != executor.KindCancelled {
		t.Errorf("expected cancelled result, got %v", err)
	}
}

func TestPoolCancelUnknownJob(t *testing.T) {
	p := newTestPool(t, &mockRunner{}, WithUnitRange(1, 1))
	if err := p.Cancel("no-such-job"); !errors.Is(err, executor.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestPoolShutdownDrainsQueue(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	runner := &mockRunner{
		run: func(ctx context.Context, job executor.Job, sink executor.Sink) error {
			select {
			case <-gate:
			case <-ctx.Done():
			}
			return nil
		},
	}
	p := New(runner, WithUnitRange(1, 1))
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Execute(executor.NewJob("blocker", "python", executor.Options{}, executor.PriorityNormal), nil); err != nil {
		t.Fatal(err)
	}
	queued, err := p.Execute(executor.NewJob("queued", "python", executor.Options{}, executor.PriorityNormal), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if err := waitResult(t, queued); !errors.Is(err, executor.ErrPoolClosed) {
		t.Errorf("queued job resolved with %v, want ErrPoolClosed", err)
	}
	if _, err := p.Execute(executor.NewJob("late", "python", executor.Options{}, executor.PriorityNormal), nil); !errors.Is(err, executor.ErrPoolClosed) {
		t.Errorf("post-shutdown submit returned %v, want ErrPoolClosed", err)
	}
}

func TestPoolReplacesCrashedUnit(t *testing.T) {
	var crashed atomic.Bool
	runner := &mockRunner{
		run: func(ctx context.Context, job executor.Job, sink executor.Sink) error {
			if crashed.CompareAndSwap(false, true) {
				return &executor.Error{Kind: executor.KindUnitExit, Msg: "interpreter died"}
			}
			return nil
		},
	}
	p := newTestPool(t, runner, WithUnitRange(1, 1))

	result, err := p.Execute(executor.NewJob("crash", "python", executor.Options{}, executor.PriorityNormal), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := waitResult(t, result); executor.KindOf(err) != executor.KindUnitExit {
		t.Fatalf("expected unit-exit result, got %v", err)
	}

	// The replacement unit must pick up new work.
	result, err = p.Execute(executor.NewJob("after", "python", executor.Options{}, executor.PriorityNormal), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := waitResult(t, result); err != nil {
		t.Errorf("job after replacement failed: %v", err)
	}
	if runner.starts.Load() < 2 {
		t.Errorf("expected a replacement start, got %d starts", runner.starts.Load())
	}
}

func TestPoolReplacesStuckUnit(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	runner := &mockRunner{
		run: func(ctx context.Context, job executor.Job, sink executor.Sink) error {
			// Ignores cancellation entirely: a wedged interpreter.
			<-hold
			return nil
		},
	}
	p := newTestPool(t, runner,
		WithUnitRange(1, 1),
		WithHealthInterval(20*time.Millisecond),
		WithStuckThreshold(func(executor.Job) time.Duration { return 40 * time.Millisecond }),
	)

	result, err := p.Execute(executor.NewJob("wedge", "python", executor.Options{}, executor.PriorityNormal), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := waitResult(t, result); executor.KindOf(err) != executor.KindTimeout {
		t.Fatalf("expected timeout result for stuck unit, got %v", err)
	}

	deadline := time.After(2 * time.Second)
	for runner.starts.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("stuck unit was never replaced")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPoolScalesDownToMinimum(t *testing.T) {
	release := make(chan struct{})
	runner := &mockRunner{
		run: func(ctx context.Context, job executor.Job, sink executor.Sink) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}
	p := newTestPool(t, runner,
		WithUnitRange(1, 3),
		WithIdleTimeout(30*time.Millisecond),
		WithHealthInterval(time.Hour),
	)

	var results []<-chan error
	for i := 0; i < 3; i++ {
		result, err := p.Execute(executor.NewJob("work", "python", executor.Options{}, executor.PriorityNormal), nil)
		if err != nil {
			t.Fatal(err)
		}
		results = append(results, result)
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	for _, result := range results {
		waitResult(t, result)
	}

	deadline := time.After(2 * time.Second)
	for {
		if s := p.Stats(); s.Units == 1 && s.Busy == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("pool did not scale down: %+v", p.Stats())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
