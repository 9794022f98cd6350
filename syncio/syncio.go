// Package syncio provides the blocking request/response primitive that
// lets a running execution unit ask the coordinator for a value (an
// interactive prompt) and suspend until it arrives. Only the
// requesting unit blocks; the rest of the host stays responsive.
//
// The original shared-memory lock-word design is expressed here as a
// rendezvous over channels: Request parks the caller until the
// coordinator answers its request via Reply. Each unit has at most one
// request in flight (it is suspended while waiting), but one Channel
// serves every unit in the host, so requests from different units may
// be pending at the same time.
package syncio

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned once the channel is shut down.
var ErrClosed = errors.New("sync io channel closed")

// Request is a pending input request awaiting an operator value.
type Request struct {
	Prompt string
	JobID  string

	reply chan string
}

// Reply delivers the value and wakes the blocked unit. Calling Reply
// more than once, or replying to a request whose unit has already
// given up, is a no-op.
func (r *Request) Reply(value string) {
	select {
	case r.reply <- value:
	default:
	}
}

// Channel is a synchronous cross-boundary I/O channel shared by all
// execution units of a host.
type Channel struct {
	mu      sync.Mutex
	pending chan *Request
	closed  bool
	done    chan struct{}
}

// New creates an open channel.
func New() *Channel {
	return &Channel{
		pending: make(chan *Request, 1),
		done:    make(chan struct{}),
	}
}

// Request blocks the calling unit until the coordinator replies, the
// context is cancelled, or the channel is closed.
func (c *Channel) Request(ctx context.Context, jobID, prompt string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.mu.Unlock()

	req := &Request{Prompt: prompt, JobID: jobID, reply: make(chan string, 1)}

	select {
	case c.pending <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", ErrClosed
	}

	select {
	case value := <-req.reply:
		return value, nil
	case <-ctx.Done():
		// The request stays visible to the coordinator; a late Reply
		// lands in the buffered channel and is discarded.
		return "", ctx.Err()
	case <-c.done:
		return "", ErrClosed
	}
}

// Pending exposes the coordinator side: each received request must be
// answered with Reply.
func (c *Channel) Pending() <-chan *Request {
	return c.pending
}

// Close unblocks any waiting unit with ErrClosed.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}
