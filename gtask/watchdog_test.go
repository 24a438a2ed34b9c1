package gtask_test

import (
	"context"
	"testing"
	"time"

	"github.com/gordian-engine/gnode/gtask"
	"github.com/gordian-engine/gnode/internal/gtest"
	"github.com/stretchr/testify/require"
)

func TestWatchdog_Terminate(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, wCtx := gtask.NewWatchdog(ctx, gtest.NewLogger(t))
	defer w.Wait()
	defer cancel()

	require.NoError(t, wCtx.Err())
	require.False(t, gtask.IsTermination(wCtx))

	w.Terminate("testing purposes")
	require.Error(t, wCtx.Err())
	require.True(t, gtask.IsTermination(wCtx))
	require.Equal(t, gtask.ForcedTerminationError{Reason: "testing purposes"}, context.Cause(wCtx))

	// The first cause sticks.
	w.Terminate("again")
	require.Equal(t, gtask.ForcedTerminationError{Reason: "testing purposes"}, context.Cause(wCtx))
}

func TestWatchdog_Terminate_afterParentCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, wCtx := gtask.NewWatchdog(ctx, gtest.NewLogger(t))
	defer w.Wait()

	cancel()
	w.Terminate("late")

	require.Error(t, wCtx.Err())
	require.False(t, gtask.IsTermination(wCtx))
}

func TestWatchdog_unacceptedProbeTerminates(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, wCtx := gtask.NewWatchdog(ctx, gtest.NewLogger(t))
	defer w.Wait()
	defer cancel()

	cfg := gtask.MonitorConfig{
		Name:     t.Name(),
		Interval: 100 * time.Microsecond, Jitter: 10 * time.Microsecond,

		ResponseTimeout: 50 * time.Microsecond,
	}
	_ = w.Monitor(ctx, cfg)

	gtest.Sleep(gtest.ScaleMs(20))

	require.Error(t, wCtx.Err())
	require.True(t, gtask.IsTermination(wCtx))
	require.Equal(t, gtask.UnresponsiveTaskError{Task: t.Name()}, context.Cause(wCtx))
}

func TestWatchdog_unansweredProbeTerminates(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, wCtx := gtask.NewWatchdog(ctx, gtest.NewLogger(t))
	defer w.Wait()
	defer cancel()

	cfg := gtask.MonitorConfig{
		Name:     t.Name(),
		Interval: 100 * time.Microsecond, Jitter: 10 * time.Microsecond,

		ResponseTimeout: time.Duration(gtest.ScaleMs(50)),
	}
	probes := w.Monitor(ctx, cfg)

	// Accept the probe but never close Alive.
	_ = gtest.ReceiveSoon(t, probes)

	gtest.Sleep(gtest.ScaleMs(60))

	require.True(t, gtask.IsTermination(wCtx))
}

func TestWatchdog_answeredProbeKeepsRunning(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, wCtx := gtask.NewWatchdog(ctx, gtest.NewLogger(t))
	defer w.Wait()
	defer cancel()

	cfg := gtask.MonitorConfig{
		Name:     t.Name(),
		Interval: 100 * time.Microsecond, Jitter: 10 * time.Microsecond,

		ResponseTimeout: time.Duration(gtest.ScaleMs(150)),
	}
	probes := w.Monitor(ctx, cfg)

	p := gtest.ReceiveSoon(t, probes)
	close(p.Alive)
	require.NoError(t, wCtx.Err())

	// The next probe follows shortly.
	p = gtest.ReceiveSoon(t, probes)
	close(p.Alive)
	require.NoError(t, wCtx.Err())
}

func TestWatchdog_nil(t *testing.T) {
	t.Parallel()

	var w *gtask.Watchdog

	probes := w.Monitor(context.Background(), gtask.MonitorConfig{
		// Still validated.
		Name:     "nil",
		Interval: time.Millisecond, Jitter: time.Microsecond,
		ResponseTimeout: time.Millisecond,
	})
	require.Nil(t, probes)

	// Must not block or panic.
	w.Wait()
}
