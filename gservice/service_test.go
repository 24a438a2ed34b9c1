package gservice_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gordian-engine/gnode/gdb"
	"github.com/gordian-engine/gnode/gdb/gdbtest"
	"github.com/gordian-engine/gnode/gevent"
	"github.com/gordian-engine/gnode/gmetrics"
	"github.com/gordian-engine/gnode/gservice"
	"github.com/gordian-engine/gnode/gservice/gservicetest"
	"github.com/gordian-engine/gnode/internal/gtest"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNew_invalidConfig(t *testing.T) {
	t.Parallel()

	_, err := gservice.New(gtest.NewLogger(t), gservice.Config{})
	require.ErrorContains(t, err, "Config.Events")
	require.ErrorContains(t, err, "Config.DatabaseRequests")
	require.ErrorContains(t, err, "Config.NumConnections")
}

func TestService_NextEvent_bestHeadFollowsEveryChainHead(t *testing.T) {
	t.Parallel()

	fx := gservicetest.NewFixture(t, 8)
	s := fx.NewService(t)
	ctx := context.Background()

	hs := gdbtest.Chain(10, 4, "a")
	evs := []gevent.NewChainHead{
		{Number: hs[0].Number, Hash: hs[0].Hash, Update: gevent.FastForward},
		{Number: hs[1].Number, Hash: hs[1].Hash, Update: gevent.FastForward},
		// Classification does not gate the update, even when it goes backwards.
		{Number: hs[0].Number, Hash: hs[0].Hash, Update: gevent.NoUpdate},
		{Number: hs[3].Number, Hash: hs[3].Hash, Update: gevent.Reorg, ForkNumber: 10},
	}

	for _, want := range evs {
		fx.Events <- want

		got, err := s.NextEvent(ctx)
		require.NoError(t, err)
		require.Equal(t, gevent.Event(want), got)

		require.Equal(t, want.Number, s.BestBlockNumber())
		require.Equal(t, want.Hash, s.BestBlockHash())
	}
}

func TestService_NextEvent_fieldsIndependent(t *testing.T) {
	t.Parallel()

	fx := gservicetest.NewFixture(t, 8)
	s := fx.NewService(t)
	ctx := context.Background()

	hs := gdbtest.Chain(0, 3, "a")

	fx.Events <- gevent.NewChainHead{Number: 2, Hash: hs[2].Hash, Update: gevent.FastForward}
	_, err := s.NextEvent(ctx)
	require.NoError(t, err)

	fx.Events <- gevent.NewFinalized{Number: 1, Hash: hs[1].Hash}
	_, err = s.NextEvent(ctx)
	require.NoError(t, err)

	// Finalization did not touch the best head.
	require.Equal(t, uint64(2), s.BestBlockNumber())
	require.Equal(t, hs[2].Hash, s.BestBlockHash())
	require.Equal(t, uint64(1), s.FinalizedBlockNumber())
	require.Equal(t, hs[1].Hash, s.FinalizedBlockHash())

	addr := multiaddr.StringCast("/ip4/127.0.0.1/tcp/4001")
	for _, ev := range []gevent.Event{
		gevent.NewChainHead{Number: 3, Hash: gdbtest.Child(hs[2], "a").Hash, Update: gevent.FastForward},
		gevent.BlockAnnounceReceived{Number: 9, Hash: gdbtest.Anchor(9).Hash, From: peer.ID("remote")},
		gevent.NewNetworkExternalAddress{Address: addr},
	} {
		fx.Events <- ev
		got, err := s.NextEvent(ctx)
		require.NoError(t, err)
		require.Equal(t, ev, got)

		require.Equal(t, uint64(1), s.FinalizedBlockNumber())
		require.Equal(t, hs[1].Hash, s.FinalizedBlockHash())
	}

	// Announces and addresses did not touch the best head either.
	require.Equal(t, uint64(3), s.BestBlockNumber())
}

func TestService_NumNetworkConnections_refreshesOnlyOnConsumption(t *testing.T) {
	t.Parallel()

	fx := gservicetest.NewFixture(t, 8)
	s := fx.NewService(t)
	ctx := context.Background()

	fx.NumConnections.Store(3)
	require.Zero(t, s.NumNetworkConnections())

	fx.Events <- gevent.NewFinalized{}
	_, err := s.NextEvent(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), s.NumNetworkConnections())

	// Changes between consumptions are not visible.
	fx.NumConnections.Add(5)
	require.Equal(t, uint64(3), s.NumNetworkConnections())
	fx.NumConnections.Add(^uint64(0))
	require.Equal(t, uint64(3), s.NumNetworkConnections())

	fx.Events <- gevent.NewFinalized{}
	_, err = s.NextEvent(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(7), s.NumNetworkConnections())
	require.Equal(t, uint64(7), s.Snapshot().NumNetworkConnections)
}

func TestService_NextEvent_producerOrder(t *testing.T) {
	t.Parallel()

	fx := gservicetest.NewFixture(t, 4)
	s := fx.NewService(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 50
	hs := gdbtest.Chain(0, n, "a")

	go func() {
		for _, h := range hs {
			select {
			case fx.Events <- gevent.NewChainHead{Number: h.Number, Hash: h.Hash, Update: gevent.FastForward}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for _, h := range hs {
		ev, err := s.NextEvent(ctx)
		require.NoError(t, err)
		require.Equal(t, h.Hash, ev.(gevent.NewChainHead).Hash)
	}
}

func TestService_NextEvent_backpressure(t *testing.T) {
	t.Parallel()

	const capacity = 3
	fx := gservicetest.NewFixture(t, capacity)
	s := fx.NewService(t)
	ctx := context.Background()

	for i := range capacity {
		gtest.SendSoon(t, fx.Events, gevent.Event(gevent.NewFinalized{Number: uint64(i)}))
	}

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		fx.Events <- gevent.NewFinalized{Number: capacity}
	}()

	// The extra producer is stalled on the full channel.
	gtest.NotSendingSoon(t, sent)

	ev, err := s.NextEvent(ctx)
	require.NoError(t, err)
	require.Equal(t, gevent.Event(gevent.NewFinalized{Number: 0}), ev)

	// One consumption frees one slot.
	_ = gtest.ReceiveSoon(t, sent)

	for i := 1; i <= capacity; i++ {
		ev, err := s.NextEvent(ctx)
		require.NoError(t, err)
		require.Equal(t, gevent.Event(gevent.NewFinalized{Number: uint64(i)}), ev)
	}
}

func TestService_NextEvent_closedChannelIsFatal(t *testing.T) {
	t.Parallel()

	fx := gservicetest.NewFixture(t, 4)
	s := fx.NewService(t)

	fx.Events <- gevent.NewFinalized{Number: 1}
	close(fx.Events)

	// Buffered events are still delivered.
	_, err := s.NextEvent(context.Background())
	require.NoError(t, err)

	_, err = s.NextEvent(context.Background())
	require.Error(t, err)
	require.True(t, gservice.IsBackgroundTasksTerminated(err))

	// Still fatal on later calls; nothing is retried.
	_, err = s.NextEvent(context.Background())
	require.True(t, gservice.IsBackgroundTasksTerminated(err))
}

func TestService_NextEvent_contextCanceled(t *testing.T) {
	t.Parallel()

	fx := gservicetest.NewFixture(t, 4)
	s := fx.NewService(t)

	ctx, cancel := context.WithCancelCause(context.Background())
	errTimer := errors.New("external timer fired")
	cancel(errTimer)

	_, err := s.NextEvent(ctx)
	require.ErrorIs(t, err, errTimer)
	require.False(t, gservice.IsBackgroundTasksTerminated(err))

	// No event was consumed, and the service remains usable.
	fx.Events <- gevent.NewFinalized{Number: 4}
	ev, err := s.NextEvent(context.Background())
	require.NoError(t, err)
	require.Equal(t, gevent.Event(gevent.NewFinalized{Number: 4}), ev)
}

func TestService_BestEffortBlockHash(t *testing.T) {
	t.Parallel()

	fx := gservicetest.NewFixture(t, 4)
	s := fx.NewService(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var aa gevent.Hash
	for i := range aa {
		aa[i] = 0xAA
	}
	fx.ServeBlockHashes(t, ctx, map[uint64]gevent.Hash{5: aa})

	h, found, err := s.BestEffortBlockHash(ctx, 5)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, aa, h)

	h, found, err = s.BestEffortBlockHash(ctx, 6)
	require.NoError(t, err)
	require.False(t, found)
	require.True(t, h.IsZero())
}

func TestService_BestEffortBlockHash_abandonedReplyIsFatal(t *testing.T) {
	t.Parallel()

	fx := gservicetest.NewFixture(t, 4)
	s := fx.NewService(t)

	type result struct {
		Found bool
		Err   error
	}
	results := make(chan result, 1)
	go func() {
		_, found, err := s.BestEffortBlockHash(context.Background(), 5)
		results <- result{Found: found, Err: err}
	}()

	req := fx.ExpectBlockHashRequest(t)
	require.Equal(t, uint64(5), req.Height)
	close(req.Resp)

	r := gtest.ReceiveSoon(t, results)
	require.False(t, r.Found)
	require.True(t, gservice.IsBackgroundTasksTerminated(r.Err))
}

func TestService_BestEffortBlockHash_databaseDone(t *testing.T) {
	t.Parallel()

	t.Run("while awaiting", func(t *testing.T) {
		t.Parallel()

		fx := gservicetest.NewFixture(t, 4)
		s := fx.NewService(t)

		errs := make(chan error, 1)
		go func() {
			_, _, err := s.BestEffortBlockHash(context.Background(), 1)
			errs <- err
		}()

		_ = fx.ExpectBlockHashRequest(t)
		close(fx.DatabaseDone)

		err := gtest.ReceiveSoon(t, errs)
		require.True(t, gservice.IsBackgroundTasksTerminated(err))
	})

	t.Run("while sending", func(t *testing.T) {
		t.Parallel()

		fx := gservicetest.NewFixture(t, 4)
		cfg := fx.Config()

		// A request channel nobody reads.
		cfg.DatabaseRequests = make(chan<- gdb.Request)
		close(fx.DatabaseDone)

		s, err := gservice.New(fx.Log, cfg)
		require.NoError(t, err)

		_, _, err = s.BestEffortBlockHash(context.Background(), 1)
		require.True(t, gservice.IsBackgroundTasksTerminated(err))
	})
}

func TestService_BestEffortBlockHash_contextCanceled(t *testing.T) {
	t.Parallel()

	fx := gservicetest.NewFixture(t, 4)
	s := fx.NewService(t)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, _, err := s.BestEffortBlockHash(ctx, 1)
		errs <- err
	}()

	_ = fx.ExpectBlockHashRequest(t)
	cancel()

	err := gtest.ReceiveSoon(t, errs)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, gservice.IsBackgroundTasksTerminated(err))
}

func TestService_Close_withoutSupervisor(t *testing.T) {
	t.Parallel()

	fx := gservicetest.NewFixture(t, 4)
	s := fx.NewService(t)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Nil(t, s.Importer())
	require.Nil(t, s.Network())
	require.Nil(t, s.Keystore())
}

func TestService_NextEvent_observesMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := gmetrics.NewServiceMetrics(reg)
	require.NoError(t, err)

	fx := gservicetest.NewFixture(t, 4)
	cfg := fx.Config()
	cfg.Metrics = m
	s, err := gservice.New(fx.Log, cfg)
	require.NoError(t, err)

	fx.NumConnections.Store(2)
	hs := gdbtest.Chain(0, 3, "a")
	fx.Events <- gevent.NewChainHead{Number: 2, Hash: hs[2].Hash, Update: gevent.Reorg, ForkNumber: 1}
	fx.Events <- gevent.NewFinalized{Number: 1, Hash: hs[1].Hash}

	for range 2 {
		_, err := s.NextEvent(context.Background())
		require.NoError(t, err)
	}

	const want = `
# HELP gnode_service_best_block_number height of the best block as of the last consumed event
# TYPE gnode_service_best_block_number gauge
gnode_service_best_block_number 2
# HELP gnode_service_events_total number of events consumed, by kind
# TYPE gnode_service_events_total counter
gnode_service_events_total{kind="new_chain_head"} 1
gnode_service_events_total{kind="new_finalized"} 1
# HELP gnode_service_finalized_block_number height of the finalized block as of the last consumed event
# TYPE gnode_service_finalized_block_number gauge
gnode_service_finalized_block_number 1
# HELP gnode_service_network_connections open network connections as of the last consumed event
# TYPE gnode_service_network_connections gauge
gnode_service_network_connections 2
# HELP gnode_service_reorgs_total number of consumed chain head events classified as a reorg
# TYPE gnode_service_reorgs_total counter
gnode_service_reorgs_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want)))
}
