package gtask

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Supervisor runs a set of named tasks under a shared cancelable context.
//
// If any task returns a non-nil error,
// the shared context is canceled with a [TaskFailedError],
// so the remaining tasks shut down too.
type Supervisor struct {
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	g errgroup.Group
}

// NewSupervisor returns a Supervisor whose tasks run under a context derived from ctx.
func NewSupervisor(ctx context.Context, log *slog.Logger) *Supervisor {
	sCtx, cancel := context.WithCancelCause(ctx)
	return &Supervisor{
		log: log,

		ctx:    sCtx,
		cancel: cancel,
	}
}

// Context returns the context shared by all of s's tasks.
// Tasks that start their own goroutines in a constructor
// should be constructed with this context and registered through [*Supervisor.Track].
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// Go runs fn in a new goroutine with the supervisor context.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.g.Go(func() error {
		err := fn(s.ctx)
		s.finished(name, err)
		return err
	})
}

// Waiter is satisfied by the kernel-style tasks in this module,
// whose Wait method blocks until their background goroutines finish.
type Waiter interface {
	Wait()
}

// Track registers a task that is already running,
// so that [*Supervisor.Wait] also waits for it.
func (s *Supervisor) Track(name string, w Waiter) {
	s.g.Go(func() error {
		w.Wait()
		s.finished(name, nil)
		return nil
	})
}

func (s *Supervisor) finished(name string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		s.log.Info("Task stopped", "task", name, "cause", context.Cause(s.ctx))
		return
	}

	s.log.Warn("Task failed; stopping remaining tasks", "task", name, "err", err)
	s.cancel(TaskFailedError{Task: name, Err: err})
}

// Stop cancels the supervisor context.
// It does not wait for the tasks; call [*Supervisor.Wait] for that.
// Calling Stop more than once is harmless.
func (s *Supervisor) Stop() {
	s.cancel(ForcedStopError{})
}

// Wait blocks until every task has returned,
// and returns the first error returned by a task started with [*Supervisor.Go].
func (s *Supervisor) Wait() error {
	return s.g.Wait()
}
