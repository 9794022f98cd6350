package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/krater-dev/krater/executor"
)

func newTestSandbox(t *testing.T, cfg Config) (*Sandbox, *[]executor.Event) {
	t.Helper()
	events := &[]executor.Event{}
	if cfg.Sink == nil {
		cfg.Sink = func(ev executor.Event) { *events = append(*events, ev) }
	}
	if cfg.JobID == "" {
		cfg.JobID = "job-1"
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create sandbox: %v", err)
	}
	return s, events
}

func TestRunSuccess(t *testing.T) {
	s, _ := newTestSandbox(t, Config{Timeout: time.Second})
	err := s.Run(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunTimeoutAttributedToExecution(t *testing.T) {
	s, _ := newTestSandbox(t, Config{Timeout: 50 * time.Millisecond})

	err := s.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if executor.KindOf(err) != executor.KindTimeout {
		t.Fatalf("expected timeout kind, got %v", err)
	}
}

func TestRunHangingGuestCaughtByOuterTimer(t *testing.T) {
	s, _ := newTestSandbox(t, Config{Timeout: 50 * time.Millisecond})

	// Guest ignores its context entirely.
	err := s.Run(context.Background(), func(ctx context.Context) error {
		time.Sleep(5 * time.Second)
		return nil
	})
	if executor.KindOf(err) != executor.KindTimeout {
		t.Fatalf("expected timeout kind, got %v", err)
	}
}

func TestCancelReturnsImmediately(t *testing.T) {
	s, _ := newTestSandbox(t, Config{Timeout: 10 * time.Second})

	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background(), func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	time.Sleep(20 * time.Millisecond)
	s.Cancel()

	select {
	case err := <-done:
		if executor.KindOf(err) != executor.KindCancelled {
			t.Fatalf("expected cancelled kind, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not unblock Run")
	}
}

func TestCooperativePredicateVisibleToGuest(t *testing.T) {
	s, _ := newTestSandbox(t, Config{Timeout: time.Second})

	if s.Token().Cancelled() {
		t.Fatal("token cancelled before Cancel")
	}
	s.Cancel()
	if !s.Token().Cancelled() {
		t.Fatal("predicate did not observe cancellation")
	}

	fn, ok := s.Registry().Get("cancelled")
	if !ok {
		t.Fatal("cancelled capability missing")
	}
	v, err := fn(context.Background(), nil)
	if err != nil || v != true {
		t.Fatalf("expected cancelled()=true, got %v, %v", v, err)
	}
}

func TestClassifySyntaxVsRuntime(t *testing.T) {
	s, _ := newTestSandbox(t, Config{Timeout: time.Second})

	tests := []struct {
		err  error
		kind executor.ErrorKind
	}{
		{errors.New(`SyntaxError: invalid syntax (line 3)`), executor.KindSyntax},
		{errors.New(`IndentationError: unexpected indent`), executor.KindSyntax},
		{errors.New(`NameError: name 'x' is not defined`), executor.KindRuntime},
	}
	for _, tt := range tests {
		err := s.Run(context.Background(), func(ctx context.Context) error {
			return tt.err
		})
		if executor.KindOf(err) != tt.kind {
			t.Errorf("error %q: expected kind %s, got %v", tt.err, tt.kind, err)
		}
	}
}

func TestCapabilitySurfaceIsAllowListOnly(t *testing.T) {
	s, _ := newTestSandbox(t, Config{Timeout: time.Second})

	for _, name := range []string{"eval", "exec", "spawn", "http_request", "fs_read"} {
		if _, ok := s.Registry().Get(name); ok {
			t.Errorf("capability %q must not be exposed", name)
		}
	}

	// Filesystem and module loading stay off without configuration.
	if _, ok := s.Registry().Get("file_read"); ok {
		t.Error("file_read exposed without a working directory")
	}
	if _, ok := s.Registry().Get("load_module"); ok {
		t.Error("load_module exposed without a package directory")
	}
}

func TestWorkdirCapabilityEnabledByOption(t *testing.T) {
	s, _ := newTestSandbox(t, Config{
		Timeout:          time.Second,
		WorkingDirectory: t.TempDir(),
	})

	write, ok := s.Registry().Get("file_write")
	if !ok {
		t.Fatal("file_write missing with working directory set")
	}
	if _, err := write(context.Background(), map[string]any{"path": "out.txt", "content": "hi"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	read, _ := s.Registry().Get("file_read")
	v, err := read(context.Background(), map[string]any{"path": "out.txt"})
	if err != nil || v != "hi" {
		t.Fatalf("expected 'hi', got %v, %v", v, err)
	}

	if _, err := read(context.Background(), map[string]any{"path": "../escape"}); err == nil {
		t.Error("path escape was not rejected")
	}
}

func TestEmitAndDebugEvents(t *testing.T) {
	s, events := newTestSandbox(t, Config{Timeout: time.Second})

	emit, _ := s.Registry().Get("emit")
	emit(context.Background(), map[string]any{"message": "hello", "level": "warn", "line": float64(2)})

	debug, _ := s.Registry().Get("debug")
	debug(context.Background(), map[string]any{"value": float64(42), "line": float64(7)})

	if len(*events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(*events))
	}
	console := (*events)[0]
	if console.Type != executor.EventConsole || console.Subtype != "warn" || console.Line != 2 {
		t.Errorf("unexpected console event: %+v", console)
	}
	dbg := (*events)[1]
	if dbg.Type != executor.EventDebug || dbg.Data != "42" || dbg.TypeTag != "int" {
		t.Errorf("unexpected debug event: %+v", dbg)
	}
}

func TestDebugSuppressesUndefinedByDefault(t *testing.T) {
	s, events := newTestSandbox(t, Config{Timeout: time.Second})

	debug, _ := s.Registry().Get("debug")
	debug(context.Background(), map[string]any{"value": nil, "line": float64(1)})
	if len(*events) != 0 {
		t.Errorf("undefined value emitted without ShowUndefinedValues")
	}

	s2, events2 := newTestSandbox(t, Config{Timeout: time.Second, ShowUndefinedValues: true})
	debug2, _ := s2.Registry().Get("debug")
	debug2(context.Background(), map[string]any{"value": nil, "line": float64(1)})
	if len(*events2) != 1 || (*events2)[0].TypeTag != "none" {
		t.Errorf("expected none-tagged debug event, got %+v", *events2)
	}
}

func TestInputCapability(t *testing.T) {
	s, events := newTestSandbox(t, Config{
		Timeout: time.Second,
		Input: func(ctx context.Context, prompt string) (string, error) {
			return "answer:" + prompt, nil
		},
	})

	input, ok := s.Registry().Get("input")
	if !ok {
		t.Fatal("input capability missing")
	}
	v, err := input(context.Background(), map[string]any{"prompt": "name?"})
	if err != nil || v != "answer:name?" {
		t.Fatalf("expected 'answer:name?', got %v, %v", v, err)
	}

	if len(*events) != 1 || (*events)[0].Subtype != executor.StatusInputWait {
		t.Errorf("expected input-wait status event, got %+v", *events)
	}
}
