package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/krater-dev/krater/executor"
	"github.com/krater-dev/krater/sandbox"
)

var (
	ErrSessionClosed = errors.New("session closed")
)

// Session is one persistent interpreter instance: an execution unit.
// It runs at most one submission at a time.
type Session struct {
	bridge *Bridge
	logger *zap.Logger

	stdinReader *io.PipeReader
	stdin       *io.PipeWriter
	stdout      *outputStreamer
	proto       *protocol
	module      api.Module

	mu      sync.Mutex
	execMu  sync.Mutex
	closed  bool
	running atomic.Bool

	// Executions counts completed runs over the session lifetime; the
	// pool uses it for least-used scale-down ordering.
	Executions int
}

// NewSession starts a persistent interpreter instance, waiting for the
// in-guest shim to report ready. Startup diagnostics emitted before
// the ready signal are suppressed.
func (b *Bridge) NewSession(ctx context.Context) (*Session, error) {
	compiled, err := b.ensureReady(ctx)
	if err != nil {
		return nil, err
	}

	s := &Session{
		bridge: b,
		logger: b.logger.With(zap.String("component", "session")),
	}

	s.stdinReader, s.stdin = io.Pipe()
	s.stdout = newOutputStreamer()
	// The protocol context outlives individual executions; per-job
	// deadlines are enforced by the sandbox race, not here.
	s.proto = newProtocol(context.Background(), s.stdin)

	initCode := b.lang.SessionInit() + b.lang.WrapCode("")
	args := b.lang.Args(initCode)

	moduleConfig := wazero.NewModuleConfig().
		WithStdout(s.stdout).
		WithStderr(s.proto).
		WithStdin(s.stdinReader).
		WithArgs(args...).
		WithName("")

	go func() {
		mod, err := b.runtime.InstantiateModule(context.Background(), compiled, moduleConfig)
		if err != nil {
			s.logger.Debug("interpreter instance exited", zap.Error(err))
			return
		}
		s.mu.Lock()
		s.module = mod
		s.mu.Unlock()
	}()

	select {
	case <-s.proto.Ready():
		return s, nil
	case <-time.After(b.cfg.startTimeout):
		s.Close()
		return nil, fmt.Errorf("session start timeout after %v", b.cfg.startTimeout)
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

type execCommand struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// Execute runs one submission in this session under the sandbox's
// capability surface, streaming events to sink. It returns when the
// guest signals completion, the context expires, or the session dies.
func (s *Session) Execute(ctx context.Context, code string, sb *sandbox.Sandbox, sink executor.Sink, jobID string) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	s.proto.bind(sb.Registry(), sink, jobID)
	s.stdout.bind(sink, jobID)
	defer func() {
		s.stdout.Flush()
		s.proto.unbind()
	}()

	cmd, err := json.Marshal(execCommand{Type: "exec", Code: code})
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	cmd = append(cmd, '\n')

	s.running.Store(true)
	if _, err := s.stdin.Write(cmd); err != nil {
		s.running.Store(false)
		return fmt.Errorf("write command: %w", err)
	}

	select {
	case execErr := <-s.proto.Done():
		s.running.Store(false)
		s.Executions++
		return execErr
	case <-ctx.Done():
		// The guest has not signalled done; it may still be executing.
		return ctx.Err()
	}
}

// Busy reports whether the guest is still inside a submission that
// never signalled done. A busy session after a timeout or cancellation
// cannot be reused: its interpreter loop is not back at the read state.
func (s *Session) Busy() bool {
	return s.running.Load()
}

// Alive reports whether the session can still accept work. The pool's
// health check uses it to detect dead units.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close tears the instance down. Closing the stdin pipe delivers EOF
// to the guest loop; closing the module is the hard backstop.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.stdinReader != nil {
		s.stdinReader.Close()
	}
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.module != nil {
		s.module.Close(context.Background())
	}
	return nil
}
