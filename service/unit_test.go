package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/krater-dev/krater/executor"
	"github.com/krater-dev/krater/pool"
	"github.com/krater-dev/krater/sandbox"
)

// fakeSession stands in for a bridge session. Its exec function
// controls how the simulated guest reacts to cancellation.
type fakeSession struct {
	exec   func(ctx context.Context, code string, sb *sandbox.Sandbox, sink executor.Sink, jobID string) error
	busy   atomic.Bool
	closed atomic.Bool
}

func (f *fakeSession) Execute(ctx context.Context, code string, sb *sandbox.Sandbox, sink executor.Sink, jobID string) error {
	return f.exec(ctx, code, sb, sink, jobID)
}

func (f *fakeSession) Busy() bool  { return f.busy.Load() }
func (f *fakeSession) Alive() bool { return !f.closed.Load() }

func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return nil
}

func TestUnitKillsUnresponsiveGuestAfterTimeout(t *testing.T) {
	svc := newTestService(t, echoRun)

	// The guest never returns to its read loop: it spins until the
	// deadline and stays mid-execution afterwards.
	sess := &fakeSession{}
	sess.busy.Store(true)
	sess.exec = func(ctx context.Context, code string, sb *sandbox.Sandbox, sink executor.Sink, jobID string) error {
		<-ctx.Done()
		return ctx.Err()
	}
	unit := &sessionUnit{svc: svc, language: "python", sess: sess}

	var mu sync.Mutex
	var events []executor.Event
	job := executor.NewJob("while True: pass", "python", executor.Options{Timeout: 30 * time.Millisecond}, executor.PriorityNormal)
	err := unit.Execute(context.Background(), job, func(ev executor.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	// The pool must see a unit exit so the instance is replaced, never
	// reused with a guest still spinning on it.
	if executor.KindOf(err) != executor.KindUnitExit {
		t.Fatalf("expected unit-exit classification, got %v", err)
	}
	if !sess.closed.Load() {
		t.Error("unresponsive session was not killed")
	}

	// The submitter still sees a timeout, not a host-side failure.
	mu.Lock()
	defer mu.Unlock()
	var terminal *executor.Event
	for i := range events {
		if events[i].Type == executor.EventError || events[i].Type == executor.EventComplete {
			if terminal != nil {
				t.Fatalf("more than one terminal event: %+v", events)
			}
			terminal = &events[i]
		}
	}
	if terminal == nil || terminal.Type != executor.EventError || terminal.Subtype != string(executor.KindTimeout) {
		t.Errorf("expected a single timeout error event, got %+v", events)
	}
}

func TestUnitCooperativeTimeoutKeepsSession(t *testing.T) {
	svc := newTestService(t, echoRun)

	// This guest yields when cancelled: it returns to the read loop, so
	// the session stays poolable.
	sess := &fakeSession{}
	sess.busy.Store(true)
	sess.exec = func(ctx context.Context, code string, sb *sandbox.Sandbox, sink executor.Sink, jobID string) error {
		<-ctx.Done()
		sess.busy.Store(false)
		return ctx.Err()
	}
	unit := &sessionUnit{svc: svc, language: "python", sess: sess}

	job := executor.NewJob("slow()", "python", executor.Options{Timeout: 30 * time.Millisecond}, executor.PriorityNormal)
	err := unit.Execute(context.Background(), job, func(executor.Event) {})

	if executor.KindOf(err) != executor.KindTimeout {
		t.Fatalf("expected timeout classification, got %v", err)
	}
	if sess.closed.Load() {
		t.Error("cooperative session must survive its timeout")
	}
}

func TestUnitCloseRoutesSessionThroughInstancePool(t *testing.T) {
	svc := newTestService(t, echoRun)

	var created atomic.Int32
	svc.instances.Close()
	svc.instances = pool.NewInstancePool(func(ctx context.Context, languageID string) (pool.Instance, error) {
		created.Add(1)
		return &fakeSession{}, nil
	})

	// A live session goes back warm and is handed out again.
	live := &fakeSession{}
	if _, err := svc.instances.Acquire(context.Background(), "python"); err != nil {
		t.Fatal(err)
	}
	unit := &sessionUnit{svc: svc, language: "python", sess: live}
	if err := unit.Close(); err != nil {
		t.Fatal(err)
	}
	again, err := svc.instances.Acquire(context.Background(), "python")
	if err != nil {
		t.Fatal(err)
	}
	if again != pool.Instance(live) {
		t.Error("live session was not kept warm for reuse")
	}

	// A dead session frees its budget slot instead.
	dead := &fakeSession{}
	dead.closed.Store(true)
	deadUnit := &sessionUnit{svc: svc, language: "python", sess: dead}
	if err := deadUnit.Close(); err != nil {
		t.Fatal(err)
	}
	if n := svc.instances.Stats()["python"]; n != 0 {
		t.Errorf("dead session still counted live: %d", n)
	}
}
