package pool

import (
	"context"

	"github.com/krater-dev/krater/executor"
)

// Unit is a single isolated execution environment. A unit runs one job
// at a time; Execute blocks until the job reaches a terminal state and
// returns nil for success or a classified error. Cancelling the
// context requests cooperative cancellation first and escalates to a
// hard stop if the unit does not yield.
type Unit interface {
	Execute(ctx context.Context, job executor.Job, sink executor.Sink) error
	Close() error
}

// Runner creates execution units. StartUnit blocks until the unit is
// ready to accept jobs or the context expires; the pool calls it off
// the coordinator goroutine.
type Runner interface {
	StartUnit(ctx context.Context) (Unit, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context) (Unit, error)

func (f RunnerFunc) StartUnit(ctx context.Context) (Unit, error) { return f(ctx) }
