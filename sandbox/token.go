package sandbox

import (
	"sync"
	"sync/atomic"
)

// Token carries a cancellation request into a running submission. The
// atomic flag backs the cooperative predicate polled by transformed
// code; the channel feeds the select-based hard path.
type Token struct {
	flag atomic.Bool
	done chan struct{}
	once sync.Once
}

// NewToken returns an uncancelled token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel sets the flag and closes the done channel. Safe to call more
// than once.
func (t *Token) Cancel() {
	t.once.Do(func() {
		t.flag.Store(true)
		close(t.done)
	})
}

// Cancelled is the zero-argument predicate handed to sandboxed code.
func (t *Token) Cancelled() bool {
	return t.flag.Load()
}

// Done is closed when cancellation has been requested.
func (t *Token) Done() <-chan struct{} {
	return t.done
}
