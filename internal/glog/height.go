package glog

import "log/slog"

// H returns a copy of log that includes a field for the given block height.
func H(log *slog.Logger, height uint64) *slog.Logger {
	return log.With("height", height)
}

// HE returns a copy of log that includes fields for the given block height and error.
//
// Most failures in the database and import tasks are reported this way,
// since the height is the first thing an operator looks for.
func HE(log *slog.Logger, height uint64, e error) *slog.Logger {
	return log.With("height", height, "err", e)
}
