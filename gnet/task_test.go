package gnet_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gordian-engine/gnode/gdb/gdbtest"
	"github.com/gordian-engine/gnode/gevent"
	"github.com/gordian-engine/gnode/gnet"
	"github.com/gordian-engine/gnode/gnet/gnettest"
	"github.com/gordian-engine/gnode/internal/gtest"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

func TestNewTask_invalidConfig(t *testing.T) {
	t.Parallel()

	_, err := gnet.NewTask(context.Background(), gtest.NewLogger(t), gnet.TaskConfig{})
	require.ErrorContains(t, err, "TaskConfig.Host")
	require.ErrorContains(t, err, "TaskConfig.Events")
	require.ErrorContains(t, err, "TaskConfig.NumConnections")
}

type netNode struct {
	Host   *gnet.Host
	Task   *gnet.Task
	Events chan gevent.Event
	Conns  *atomic.Uint64
}

func newNetNode(t *testing.T, ctx context.Context, enableDHT bool) *netNode {
	t.Helper()

	n := &netNode{
		Host:   gnettest.NewHost(t, ctx, enableDHT),
		Events: make(chan gevent.Event, 8),
		Conns:  new(atomic.Uint64),
	}

	task, err := gnet.NewTask(ctx, gtest.NewLogger(t).With("peer", n.Host.Libp2pHost().ID()), gnet.TaskConfig{
		Host:           n.Host,
		Events:         n.Events,
		NumConnections: n.Conns,
	})
	require.NoError(t, err)
	n.Task = task
	t.Cleanup(task.Wait)

	return n
}

// nextEvent returns the next event of type E, discarding events of other types.
func nextEvent[E gevent.Event](t *testing.T, ch <-chan gevent.Event) E {
	t.Helper()

	timer := time.NewTimer(time.Duration(gtest.ScaleMs(3000)))
	defer timer.Stop()

	for {
		select {
		case ev := <-ch:
			if e, ok := ev.(E); ok {
				return e
			}
		case <-timer.C:
			var zero E
			t.Fatalf("timed out waiting for event of type %T", zero)
		}
	}
}

func TestTask_externalAddress(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newNetNode(t, ctx, false)

	ev := nextEvent[gevent.NewNetworkExternalAddress](t, n.Events)

	id, err := ev.Address.ValueForProtocol(multiaddr.P_P2P)
	require.NoError(t, err)
	require.Equal(t, n.Host.Libp2pHost().ID().String(), id)

	// The transport part is one of the host's listen addresses.
	transport, _ := multiaddr.SplitLast(ev.Address)
	found := false
	for _, addr := range n.Host.Libp2pHost().Addrs() {
		if addr.Equal(transport) {
			found = true
			break
		}
	}
	require.Truef(t, found, "address %s not among host addresses %v", transport, n.Host.Libp2pHost().Addrs())
}

func TestTask_connectionsAndAnnounces(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newNetNode(t, ctx, true)
	b := newNetNode(t, ctx, false)

	require.Zero(t, a.Conns.Load())

	aAddrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{
		ID:    a.Host.Libp2pHost().ID(),
		Addrs: a.Host.Libp2pHost().Addrs(),
	})
	require.NoError(t, err)
	require.NoError(t, b.Task.Connect(ctx, aAddrs))

	require.Eventually(t, func() bool {
		return a.Conns.Load() == 1 && b.Conns.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	waitCtx, waitCancel := context.WithTimeout(ctx, 3*time.Second)
	defer waitCancel()
	require.NoError(t, gnettest.WaitForTopicPeers(waitCtx, a.Host, gnet.AnnounceTopic, 1))
	require.NoError(t, gnettest.WaitForTopicPeers(waitCtx, b.Host, gnet.AnnounceTopic, 1))

	h := gdbtest.Chain(0, 3, "a")[2]
	gtest.SendSoon(t, a.Task.OutgoingAnnounces(), h)

	ann := nextEvent[gevent.BlockAnnounceReceived](t, b.Events)
	require.Equal(t, gevent.BlockAnnounceReceived{
		Number: h.Number,
		Hash:   h.Hash,
		From:   a.Host.Libp2pHost().ID(),
	}, ann)

	// Closing one side decrements the other's counter.
	require.NoError(t, b.Host.Close())
	require.Eventually(t, func() bool {
		return a.Conns.Load() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTask_countsConnectionsOpenedBeforeStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := gnettest.NewHost(t, ctx, false)
	b := gnettest.NewHost(t, ctx, false)

	require.NoError(t, a.Libp2pHost().Connect(ctx, gnettest.AddrInfo(b)))
	require.Len(t, a.Libp2pHost().Network().Conns(), 1)

	conns := new(atomic.Uint64)
	task, err := gnet.NewTask(ctx, gtest.NewLogger(t), gnet.TaskConfig{
		Host:           a,
		Events:         make(chan gevent.Event, 8),
		NumConnections: conns,
	})
	require.NoError(t, err)
	t.Cleanup(task.Wait)

	// The existing connection is counted immediately.
	require.Equal(t, uint64(1), conns.Load())

	require.NoError(t, a.Libp2pHost().Network().ClosePeer(b.Libp2pHost().ID()))
	require.Eventually(t, func() bool {
		return conns.Load() == 0
	}, 2*time.Second, 5*time.Millisecond)

	// Still zero after any late notifications, never wrapped.
	gtest.Sleep(gtest.ScaleMs(50))
	require.Zero(t, conns.Load())
}

func TestTask_connectSkipsSelf(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newNetNode(t, ctx, false)

	self, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{
		ID:    n.Host.Libp2pHost().ID(),
		Addrs: n.Host.Libp2pHost().Addrs(),
	})
	require.NoError(t, err)

	require.NoError(t, n.Task.Connect(ctx, self))
	require.Zero(t, n.Conns.Load())
}
