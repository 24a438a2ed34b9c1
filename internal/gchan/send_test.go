package gchan_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/gordian-engine/gnode/internal/gchan"
	"github.com/gordian-engine/gnode/internal/gtest"
	"github.com/stretchr/testify/require"
)

func TestSendC_contextCanceled(t *testing.T) {
	t.Parallel()

	res := make(chan bool, 1)

	// Send to a nil channel blocks forever.
	var blockedOut chan int

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	go func() {
		res <- gchan.SendC(ctx, log, blockedOut, 1, "running test")
	}()

	gtest.NotSendingSoon(t, res)

	cancel()
	require.False(t, gtest.ReceiveSoon(t, res))

	var m map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))

	require.Equal(t, "INFO", m["level"])
	require.Equal(t, "Context canceled while running test", m["msg"])
	require.Equal(t, context.Cause(ctx).Error(), m["cause"])
}

func TestSendC_valueSent(t *testing.T) {
	t.Parallel()

	res := make(chan bool, 1)
	out := make(chan int) // Unbuffered so the test controls when the send completes.

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	go func() {
		res <- gchan.SendC(context.Background(), log, out, 1, "running test")
	}()

	gtest.NotSendingSoon(t, res)

	require.Equal(t, 1, gtest.ReceiveSoon(t, out))
	require.True(t, gtest.ReceiveSoon(t, res))

	require.Zero(t, buf.Len())
}

func TestRecvOpenC(t *testing.T) {
	t.Run("value", func(t *testing.T) {
		t.Parallel()

		in := make(chan int, 1)
		in <- 5

		val, open, err := gchan.RecvOpenC(context.Background(), gtest.NewLogger(t), in, "running test")
		require.NoError(t, err)
		require.True(t, open)
		require.Equal(t, 5, val)
	})

	t.Run("closed", func(t *testing.T) {
		t.Parallel()

		in := make(chan int)
		close(in)

		val, open, err := gchan.RecvOpenC(context.Background(), gtest.NewLogger(t), in, "running test")
		require.NoError(t, err)
		require.False(t, open)
		require.Zero(t, val)
	})

	t.Run("canceled", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, open, err := gchan.RecvOpenC(ctx, gtest.NewLogger(t), make(chan int), "running test")
		require.ErrorIs(t, err, context.Canceled)
		require.False(t, open)
	})
}

func TestReqResp(t *testing.T) {
	t.Parallel()

	type req struct {
		N    int
		Resp chan int
	}

	reqs := make(chan req)
	go func() {
		r := <-reqs
		r.Resp <- r.N * 2
	}()

	r := req{N: 21, Resp: make(chan int, 1)}
	got, ok := gchan.ReqResp(context.Background(), gtest.NewLogger(t), reqs, r, r.Resp, "doubling")
	require.True(t, ok)
	require.Equal(t, 42, got)
}
