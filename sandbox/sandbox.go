package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/krater-dev/krater/executor"
)

// InputFunc obtains a value for a synchronous input request. It blocks
// the calling unit until the coordinator answers.
type InputFunc func(ctx context.Context, prompt string) (string, error)

// Config assembles the capability surface for one submission.
type Config struct {
	JobID   string
	Timeout time.Duration

	// WorkingDirectory, when set, enables the confined filesystem
	// capabilities rooted there.
	WorkingDirectory string

	// PackageDir, when set, enables the restricted module loader.
	PackageDir     string
	BlockedModules []string

	ShowUndefinedValues bool
	FormatLimits        FormatLimits

	Input  InputFunc
	Sink   executor.Sink
	Logger *zap.Logger
}

// Sandbox runs exactly one submission under the configured capability
// surface and hard bounds.
type Sandbox struct {
	cfg      Config
	registry *Registry
	token    *Token
	logger   *zap.Logger
}

// timeoutSlack keeps the timeout attributable to the execution itself:
// the guest deadline fires first, the outer race only catches a guest
// that ignores its context.
const timeoutSlack = 250 * time.Millisecond

const defaultTimeout = 30 * time.Second

// New builds a sandbox for one job.
func New(cfg Config) (*Sandbox, error) {
	if cfg.Sink == nil {
		return nil, errors.New("event sink required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.FormatLimits.MaxDepth <= 0 {
		cfg.FormatLimits = DefaultFormatLimits()
	}

	s := &Sandbox{
		cfg:    cfg,
		token:  NewToken(),
		logger: cfg.Logger.With(zap.String("component", "sandbox"), zap.String("job", cfg.JobID)),
	}

	registry, err := s.buildRegistry()
	if err != nil {
		return nil, err
	}
	s.registry = registry
	return s, nil
}

// buildRegistry assembles the explicit allow-list. Nothing outside
// this list is reachable from sandboxed code.
func (s *Sandbox) buildRegistry() (*Registry, error) {
	r := NewRegistry()

	r.Register("time_now", timeNow)
	r.Register("encode_b64", encodeBase64)
	r.Register("decode_b64", decodeBase64)
	r.Register("url_encode", urlEncode)
	r.Register("url_decode", urlDecode)

	r.Register("emit", s.emitConsole)
	r.Register("debug", s.emitDebug)
	r.Register("cancelled", func(ctx context.Context, args map[string]any) (any, error) {
		return s.token.Cancelled(), nil
	})

	if s.cfg.Input != nil {
		r.Register("input", s.requestInput)
	}

	if s.cfg.PackageDir != "" {
		loader, err := NewModuleLoader(ModuleLoaderConfig{
			PackageDir:     s.cfg.PackageDir,
			BlockedModules: s.cfg.BlockedModules,
		})
		if err != nil {
			return nil, err
		}
		r.Register("load_module", loader)
	}

	if s.cfg.WorkingDirectory != "" {
		wd, err := NewWorkdir(s.cfg.WorkingDirectory)
		if err != nil {
			return nil, err
		}
		r.Register("file_read", wd.Read)
		r.Register("file_write", wd.Write)
		r.Register("file_list", wd.List)
	}

	return r, nil
}

// Registry returns the assembled capability surface.
func (s *Sandbox) Registry() *Registry {
	return s.registry
}

// Token returns the cancellation token for this submission.
func (s *Sandbox) Token() *Token {
	return s.token
}

// Cancel requests cancellation: the cooperative predicate flips and
// the run race returns a cancellation error immediately. The caller
// remains responsible for the hard-kill backstop when the guest never
// polls.
func (s *Sandbox) Cancel() {
	s.token.Cancel()
}

// Run executes exec under the timeout race. The guest receives a
// context bounded by the configured timeout; the outer timer carries a
// little slack so a timeout is reported against the execution rather
// than host overhead.
func (s *Sandbox) Run(ctx context.Context, exec func(ctx context.Context) error) error {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	timer := time.NewTimer(s.cfg.Timeout + timeoutSlack)
	defer timer.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- exec(runCtx)
	}()

	select {
	case err := <-errCh:
		if s.token.Cancelled() {
			return executor.NewError(executor.KindCancelled, "execution cancelled")
		}
		return s.classify(runCtx, err)
	case <-s.token.Done():
		// Hard-kill the guest; the unit owning this sandbox decides
		// whether it survives.
		cancel()
		return executor.NewError(executor.KindCancelled, "execution cancelled")
	case <-timer.C:
		cancel()
		return executor.NewError(executor.KindTimeout,
			fmt.Sprintf("execution exceeded timeout of %v", s.cfg.Timeout))
	}
}

// classify maps a guest failure onto the submission error taxonomy.
func (s *Sandbox) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return executor.WrapError(executor.KindTimeout,
			fmt.Sprintf("execution exceeded timeout of %v", s.cfg.Timeout), err)
	}
	msg := err.Error()
	if strings.Contains(msg, "SyntaxError") || strings.Contains(msg, "IndentationError") {
		return executor.WrapError(executor.KindSyntax, "parse failure", err)
	}
	return executor.WrapError(executor.KindRuntime, "runtime exception", err)
}

func (s *Sandbox) emitConsole(ctx context.Context, args map[string]any) (any, error) {
	message, _ := args["message"].(string)
	level, _ := args["level"].(string)
	if level == "" {
		level = executor.ConsoleInfo
	}
	line := 0
	if f, ok := args["line"].(float64); ok {
		line = int(f)
	}
	s.cfg.Sink(executor.Event{
		Type:    executor.EventConsole,
		JobID:   s.cfg.JobID,
		Line:    line,
		Subtype: level,
		Data:    message,
	})
	return nil, nil
}

func (s *Sandbox) emitDebug(ctx context.Context, args map[string]any) (any, error) {
	value := args["value"]
	if value == nil && !s.cfg.ShowUndefinedValues {
		return nil, nil
	}
	line := 0
	if f, ok := args["line"].(float64); ok {
		line = int(f)
	}
	content, tag := FormatValue(value, s.cfg.FormatLimits)
	s.cfg.Sink(executor.Event{
		Type:    executor.EventDebug,
		JobID:   s.cfg.JobID,
		Line:    line,
		Data:    content,
		TypeTag: tag,
	})
	return nil, nil
}

func (s *Sandbox) requestInput(ctx context.Context, args map[string]any) (any, error) {
	prompt, _ := args["prompt"].(string)
	s.cfg.Sink(executor.Event{
		Type:    executor.EventStatus,
		JobID:   s.cfg.JobID,
		Subtype: executor.StatusInputWait,
		Data:    prompt,
	})
	value, err := s.cfg.Input(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("input unavailable: %w", err)
	}
	return value, nil
}
