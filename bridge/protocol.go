package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/krater-dev/krater/executor"
	"github.com/krater-dev/krater/sandbox"
)

// Wire constants shared with the in-guest shims.
// Host calls: \x00KRATER:{json}\x00 on stderr, JSON-line reply on stdin.
const (
	callPrefix  = "\x00KRATER:"
	signalReady = "\x00KRATER_READY\x00"
	signalDone  = "\x00KRATER_DONE\x00"
	errorPrefix = "\x00KRATER_ERROR:"
	sentinel    = "\x00"
)

type callRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// protocol intercepts the interpreter's stderr. Protocol messages
// trigger capability calls or session signals; everything else is
// interpreter diagnostics, forwarded as error-severity console events
// while an execution is bound and suppressed otherwise (this is what
// swallows the interpreter's startup chatter).
type protocol struct {
	ctx         context.Context
	stdinWriter *io.PipeWriter

	mu      sync.Mutex
	buf     bytes.Buffer
	ready   bool
	readyCh chan struct{}
	doneCh  chan error

	registry *sandbox.Registry
	sink     executor.Sink
	jobID    string

	writeMu sync.Mutex
}

func newProtocol(ctx context.Context, stdinWriter *io.PipeWriter) *protocol {
	return &protocol{
		ctx:         ctx,
		stdinWriter: stdinWriter,
		readyCh:     make(chan struct{}),
		doneCh:      make(chan error, 1),
	}
}

// bind attaches the capability surface and event sink for one
// execution. Unbound host calls are rejected.
func (p *protocol) bind(registry *sandbox.Registry, sink executor.Sink, jobID string) {
	p.mu.Lock()
	p.registry = registry
	p.sink = sink
	p.jobID = jobID
	select {
	case <-p.doneCh:
	default:
	}
	p.doneCh = make(chan error, 1)
	p.mu.Unlock()
}

func (p *protocol) unbind() {
	p.mu.Lock()
	p.registry = nil
	p.sink = nil
	p.jobID = ""
	p.mu.Unlock()
}

func (p *protocol) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(data)
	p.buf.Write(data)

	for {
		content := p.buf.String()

		idx := strings.Index(content, sentinel)
		if idx == -1 {
			p.passthrough(content)
			p.buf.Reset()
			return n, nil
		}
		if idx > 0 {
			p.passthrough(content[:idx])
			p.buf.Reset()
			p.buf.WriteString(content[idx:])
			continue
		}

		switch {
		case strings.HasPrefix(content, signalReady):
			p.consume(len(signalReady))
			if !p.ready {
				p.ready = true
				close(p.readyCh)
			}

		case strings.HasPrefix(content, signalDone):
			p.consume(len(signalDone))
			p.signalDone(nil)

		case strings.HasPrefix(content, errorPrefix):
			rest := content[len(errorPrefix):]
			end := strings.Index(rest, sentinel)
			if end == -1 {
				return n, nil // incomplete, wait for more
			}
			p.consume(len(errorPrefix) + end + 1)
			p.signalDone(errors.New(rest[:end]))

		case strings.HasPrefix(content, callPrefix):
			rest := content[len(callPrefix):]
			end := strings.Index(rest, sentinel)
			if end == -1 {
				return n, nil
			}
			payload := rest[:end]
			p.consume(len(callPrefix) + end + 1)
			p.handleCall(payload)

		default:
			// Lone sentinel that matches no message: drop it.
			p.consume(1)
		}
	}
}

func (p *protocol) consume(n int) {
	content := p.buf.String()
	p.buf.Reset()
	p.buf.WriteString(content[n:])
}

// passthrough forwards non-protocol stderr as diagnostics.
func (p *protocol) passthrough(chunk string) {
	if p.sink == nil || chunk == "" {
		return
	}
	for _, line := range strings.Split(chunk, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		p.sink(executor.Event{
			Type:    executor.EventConsole,
			JobID:   p.jobID,
			Subtype: executor.ConsoleError,
			Data:    line,
		})
	}
}

func (p *protocol) signalDone(err error) {
	select {
	case p.doneCh <- err:
	default:
	}
}

func (p *protocol) handleCall(payload string) {
	var req callRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		go p.respond(callResponse{Error: "invalid call format"})
		return
	}

	registry := p.registry
	if registry == nil {
		go p.respond(callResponse{Error: "no execution bound"})
		return
	}

	// Execute outside Write so a blocking capability (input) does not
	// wedge the interpreter's stderr.
	go func() {
		fn, ok := registry.Get(req.Fn)
		if !ok {
			p.respond(callResponse{Error: "unknown capability: " + req.Fn})
			return
		}
		result, err := fn(p.ctx, req.Args)
		if err != nil {
			p.respond(callResponse{Error: err.Error()})
			return
		}
		p.respond(callResponse{Data: result})
	}()
}

func (p *protocol) respond(resp callResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"error":"internal: failed to marshal response"}`)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.stdinWriter.Write(append(data, '\n'))
}

func (p *protocol) Ready() <-chan struct{} {
	return p.readyCh
}

func (p *protocol) Done() <-chan error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneCh
}

// outputStreamer turns interpreter stdout into incremental console
// events, one per line, so callers can render partial output before a
// job finishes.
type outputStreamer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	sink  executor.Sink
	jobID string
}

func newOutputStreamer() *outputStreamer {
	return &outputStreamer{}
}

func (o *outputStreamer) bind(sink executor.Sink, jobID string) {
	o.mu.Lock()
	o.sink = sink
	o.jobID = jobID
	o.buf.Reset()
	o.mu.Unlock()
}

func (o *outputStreamer) Write(data []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.buf.Write(data)
	for {
		content := o.buf.String()
		idx := strings.IndexByte(content, '\n')
		if idx == -1 {
			return len(data), nil
		}
		o.emit(content[:idx])
		o.buf.Reset()
		o.buf.WriteString(content[idx+1:])
	}
}

// Flush drains a trailing partial line. Called after each execution
// since the interpreter may buffer output across async operations.
func (o *outputStreamer) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.buf.Len() > 0 {
		o.emit(o.buf.String())
		o.buf.Reset()
	}
}

func (o *outputStreamer) emit(line string) {
	if o.sink == nil || line == "" {
		return
	}
	o.sink(executor.Event{
		Type:    executor.EventConsole,
		JobID:   o.jobID,
		Subtype: executor.ConsoleInfo,
		Data:    line,
	})
}
