package gservice

import "errors"

// BackgroundTasksTerminatedError is returned when the Service
// observes that the background tasks it depends on have stopped:
// the event channel was closed,
// or the database task went away before answering a request.
//
// This is not recoverable.
// Once returned, the Service must not be used except to be closed.
type BackgroundTasksTerminatedError struct {
	// What the Service was doing when it noticed.
	During string
}

func (e BackgroundTasksTerminatedError) Error() string {
	return "background tasks terminated while " + e.During
}

// IsBackgroundTasksTerminated reports whether err is or wraps
// a [BackgroundTasksTerminatedError].
func IsBackgroundTasksTerminated(err error) bool {
	var e BackgroundTasksTerminatedError
	return errors.As(err, &e)
}
