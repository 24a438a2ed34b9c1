package gtask

import (
	"context"
	"errors"
)

// IsTermination reports whether ctx was canceled by a [Watchdog].
func IsTermination(ctx context.Context) bool {
	e := context.Cause(ctx)
	if e == nil {
		return false
	}

	var ute UnresponsiveTaskError
	if errors.As(e, &ute) {
		return true
	}

	var fte ForcedTerminationError
	return errors.As(e, &fte)
}

// UnresponsiveTaskError is the cancellation cause when a monitored task
// did not answer its probe within the configured response timeout.
type UnresponsiveTaskError struct {
	Task string
}

func (e UnresponsiveTaskError) Error() string {
	return e.Task + " failed to answer watchdog probe within expected duration"
}

// ForcedTerminationError is the cancellation cause after [*Watchdog.Terminate].
type ForcedTerminationError struct {
	Reason string
}

func (e ForcedTerminationError) Error() string {
	return "watchdog forced termination: " + e.Reason
}

// ForcedStopError is the cancellation cause after [*Supervisor.Stop].
type ForcedStopError struct{}

func (ForcedStopError) Error() string {
	return "supervisor stopped"
}

// TaskFailedError is the cancellation cause when a supervised task returns an error.
type TaskFailedError struct {
	Task string
	Err  error
}

func (e TaskFailedError) Error() string {
	return "task " + e.Task + " failed: " + e.Err.Error()
}

func (e TaskFailedError) Unwrap() error {
	return e.Err
}
