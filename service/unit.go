package service

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/krater-dev/krater/bridge"
	"github.com/krater-dev/krater/executor"
	"github.com/krater-dev/krater/pool"
	"github.com/krater-dev/krater/sandbox"
)

// unitSession is the slice of bridge.Session a unit needs. Tests
// substitute a fake; production sessions come from the instance pool.
type unitSession interface {
	Execute(ctx context.Context, code string, sb *sandbox.Sandbox, sink executor.Sink, jobID string) error
	Busy() bool
	Alive() bool
	Close() error
}

// sessionRunnerFactory wires pool units to interpreter sessions drawn
// from the service's instance pool, so retired units hand their warm
// session back instead of discarding it.
func sessionRunnerFactory(svc *ExecutionService, host *languageHost) pool.Runner {
	return pool.RunnerFunc(func(ctx context.Context) (pool.Unit, error) {
		inst, err := svc.instances.Acquire(ctx, host.lang.Name())
		if err != nil {
			return nil, err
		}
		return &sessionUnit{svc: svc, language: host.lang.Name(), sess: inst.(unitSession)}, nil
	})
}

// sessionUnit adapts one interpreter session to the pool's unit
// contract: prepare the code, assemble the per-job sandbox, run under
// the timeout race, and emit exactly one terminal event.
type sessionUnit struct {
	svc      *ExecutionService
	language string
	sess     unitSession
}

func (u *sessionUnit) Execute(ctx context.Context, job executor.Job, sink executor.Sink) error {
	code, err := u.svc.prepare(job)
	if err != nil {
		err = executor.WrapError(executor.KindInternal, "prepare submission", err)
		return u.finish(job, sink, err)
	}

	sb, err := sandbox.New(sandbox.Config{
		JobID:               job.ID,
		Timeout:             job.Options.Timeout,
		WorkingDirectory:    job.Options.WorkingDirectory,
		PackageDir:          u.svc.cfg.PackageDir,
		BlockedModules:      u.svc.cfg.BlockedModules,
		ShowUndefinedValues: job.Options.ShowUndefinedValues,
		Input: func(ctx context.Context, prompt string) (string, error) {
			return u.svc.input.Request(ctx, job.ID, prompt)
		},
		Sink:   sink,
		Logger: u.svc.logger,
	})
	if err != nil {
		err = executor.WrapError(executor.KindInternal, "assemble sandbox", err)
		return u.finish(job, sink, err)
	}

	// Pool-level cancellation flips the cooperative token first; the
	// sandbox race escalates to a hard kill when the guest never yields.
	stop := context.AfterFunc(ctx, sb.Cancel)
	defer stop()

	err = sb.Run(ctx, func(runCtx context.Context) error {
		return u.sess.Execute(runCtx, code, sb, sink, job.ID)
	})
	err = u.classify(err)

	switch executor.KindOf(err) {
	case executor.KindTimeout, executor.KindCancelled:
		if u.sess.Busy() {
			// The guest ignored the stop and is still executing. Kill
			// the instance; a reused session would wedge on the next
			// submission's stdin write.
			u.finish(job, sink, err)
			u.sess.Close()
			return executor.WrapError(executor.KindUnitExit,
				"interpreter instance killed after unresponsive stop", err)
		}
	}
	return u.finish(job, sink, err)
}

// classify upgrades session-death symptoms to a unit-exit error so the
// pool replaces this unit instead of reusing it.
func (u *sessionUnit) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bridge.ErrSessionClosed) || errors.Is(err, io.ErrClosedPipe) || !u.sess.Alive() {
		return executor.WrapError(executor.KindUnitExit, "interpreter session died", err)
	}
	return err
}

// finish emits the single terminal event and hands the outcome back to
// the pool.
func (u *sessionUnit) finish(job executor.Job, sink executor.Sink, err error) error {
	if err == nil {
		sink(executor.Event{Type: executor.EventComplete, JobID: job.ID})
		return nil
	}
	u.svc.logger.Debug("job failed",
		zap.String("job", job.ID),
		zap.String("kind", string(executor.KindOf(err))),
		zap.Error(err))
	sink(executor.Event{
		Type:    executor.EventError,
		JobID:   job.ID,
		Subtype: string(executor.KindOf(err)),
		Data:    err.Error(),
	})
	return err
}

// Close hands the session back to the instance pool: a live session is
// kept warm for the next unit, a dead one frees its budget slot.
func (u *sessionUnit) Close() error {
	if !u.sess.Alive() {
		u.svc.instances.Discard(u.language, u.sess)
		return nil
	}
	u.svc.instances.Release(u.language, u.sess)
	return nil
}
