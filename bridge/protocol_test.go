package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/krater-dev/krater/executor"
	"github.com/krater-dev/krater/sandbox"
)

func newTestProtocol(t *testing.T) (*protocol, *bufio.Reader) {
	t.Helper()
	stdinReader, stdinWriter := io.Pipe()
	t.Cleanup(func() {
		stdinReader.Close()
		stdinWriter.Close()
	})
	return newProtocol(context.Background(), stdinWriter), bufio.NewReader(stdinReader)
}

func TestProtocolReadySignal(t *testing.T) {
	p, _ := newTestProtocol(t)

	p.Write([]byte("interpreter banner\n" + signalReady))

	select {
	case <-p.Ready():
	case <-time.After(time.Second):
		t.Fatal("ready signal not detected")
	}
}

func TestProtocolStartupChatterSuppressedWhenUnbound(t *testing.T) {
	p, _ := newTestProtocol(t)

	// No binding: diagnostics before ready must go nowhere, and must
	// not panic.
	p.Write([]byte("RustPython 3.x starting up\n"))
	p.Write([]byte(signalReady))
}

func TestProtocolDoneAndErrorSignals(t *testing.T) {
	p, _ := newTestProtocol(t)
	p.bind(sandbox.NewRegistry(), func(executor.Event) {}, "job-1")

	p.Write([]byte(signalDone))
	select {
	case err := <-p.Done():
		if err != nil {
			t.Errorf("expected nil completion, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("done signal not delivered")
	}

	p.bind(sandbox.NewRegistry(), func(executor.Event) {}, "job-2")
	p.Write([]byte(errorPrefix + "NameError: nope" + sentinel))
	select {
	case err := <-p.Done():
		if err == nil || err.Error() != "NameError: nope" {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("error signal not delivered")
	}
}

func TestProtocolDispatchesCapabilityCall(t *testing.T) {
	p, stdin := newTestProtocol(t)

	registry := sandbox.NewRegistry()
	registry.Register("echo", func(ctx context.Context, args map[string]any) (any, error) {
		return args["value"], nil
	})
	p.bind(registry, func(executor.Event) {}, "job-1")

	p.Write([]byte(callPrefix + `{"fn":"echo","args":{"value":"pong"}}` + sentinel))

	line, err := stdin.ReadString('\n')
	if err != nil {
		t.Fatalf("no response written: %v", err)
	}
	var resp callResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("invalid response %q: %v", line, err)
	}
	if resp.Error != "" || resp.Data != "pong" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestProtocolUnknownCapabilityRejected(t *testing.T) {
	p, stdin := newTestProtocol(t)
	p.bind(sandbox.NewRegistry(), func(executor.Event) {}, "job-1")

	p.Write([]byte(callPrefix + `{"fn":"http_request","args":{}}` + sentinel))

	line, err := stdin.ReadString('\n')
	if err != nil {
		t.Fatalf("no response written: %v", err)
	}
	var resp callResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == "" {
		t.Error("expected error for unknown capability")
	}
}

func TestProtocolMessageSplitAcrossWrites(t *testing.T) {
	p, stdin := newTestProtocol(t)

	registry := sandbox.NewRegistry()
	registry.Register("ping", func(ctx context.Context, args map[string]any) (any, error) {
		return "ok", nil
	})
	p.bind(registry, func(executor.Event) {}, "job-1")

	full := callPrefix + `{"fn":"ping","args":{}}` + sentinel
	p.Write([]byte(full[:7]))
	p.Write([]byte(full[7:]))

	line, err := stdin.ReadString('\n')
	if err != nil {
		t.Fatalf("no response for split message: %v", err)
	}
	var resp callResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data != "ok" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestProtocolForwardsDiagnosticsWhileBound(t *testing.T) {
	p, _ := newTestProtocol(t)

	var events []executor.Event
	p.bind(sandbox.NewRegistry(), func(ev executor.Event) { events = append(events, ev) }, "job-1")

	p.Write([]byte("Traceback (most recent call last)\n"))

	if len(events) != 1 {
		t.Fatalf("expected 1 diagnostic event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != executor.EventConsole || ev.Subtype != executor.ConsoleError || ev.JobID != "job-1" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestOutputStreamerEmitsPerLine(t *testing.T) {
	o := newOutputStreamer()
	var events []executor.Event
	o.bind(func(ev executor.Event) { events = append(events, ev) }, "job-1")

	o.Write([]byte("30\npartial"))
	if len(events) != 1 || events[0].Data != "30" {
		t.Fatalf("expected one full line event, got %+v", events)
	}

	o.Flush()
	if len(events) != 2 || events[1].Data != "partial" {
		t.Errorf("flush did not drain partial line: %+v", events)
	}
}
