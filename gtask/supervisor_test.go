package gtask_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gordian-engine/gnode/gtask"
	"github.com/gordian-engine/gnode/internal/gtest"
	"github.com/stretchr/testify/require"
)

func TestSupervisor_Stop(t *testing.T) {
	t.Parallel()

	s := gtask.NewSupervisor(context.Background(), gtest.NewLogger(t))

	started := make(chan struct{})
	s.Go("blocker", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	_ = gtest.ReceiveSoon(t, started)

	s.Stop()
	require.ErrorIs(t, s.Wait(), context.Canceled)
	require.Equal(t, gtask.ForcedStopError{}, context.Cause(s.Context()))

	// Stopping twice is harmless.
	s.Stop()
}

func TestSupervisor_failureStopsSiblings(t *testing.T) {
	t.Parallel()

	s := gtask.NewSupervisor(context.Background(), gtest.NewLogger(t))

	siblingDone := make(chan struct{})
	s.Go("sibling", func(ctx context.Context) error {
		defer close(siblingDone)
		<-ctx.Done()
		return nil
	})

	errBoom := errors.New("boom")
	s.Go("failing", func(context.Context) error {
		return errBoom
	})

	gtest.ClosedSoon(t, siblingDone)
	require.ErrorIs(t, s.Wait(), errBoom)

	var tfe gtask.TaskFailedError
	require.ErrorAs(t, context.Cause(s.Context()), &tfe)
	require.Equal(t, "failing", tfe.Task)
}

type fakeWaiter chan struct{}

func (w fakeWaiter) Wait() { <-w }

func TestSupervisor_Track(t *testing.T) {
	t.Parallel()

	s := gtask.NewSupervisor(context.Background(), gtest.NewLogger(t))

	w := make(fakeWaiter)
	s.Track("kernel", w)

	waited := make(chan error, 1)
	go func() { waited <- s.Wait() }()

	gtest.NotSendingSoon(t, waited)

	close(w)
	require.NoError(t, gtest.ReceiveSoon(t, waited))
}
