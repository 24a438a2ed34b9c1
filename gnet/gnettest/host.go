// Package gnettest contains helpers for running gnet hosts in tests.
package gnettest

import (
	"context"
	"testing"
	"time"

	"github.com/gordian-engine/gnode/gnet"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/stretchr/testify/require"
)

// HostOptions returns options for a localhost-only, TCP-only host
// with shortened gossipsub timings.
func HostOptions() gnet.HostOptions {
	params := pubsub.DefaultGossipSubParams()

	// Small and coprime, so meshes form quickly in tests without CPU spikes.
	params.HeartbeatInitialDelay = 8 * time.Millisecond
	params.HeartbeatInterval = 45 * time.Millisecond
	params.DirectConnectInitialDelay = 11 * time.Millisecond

	return gnet.HostOptions{
		Options: []libp2p.Option{
			libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
			libp2p.Transport(tcp.NewTCPTransport),
			libp2p.ForceReachabilityPublic(),
		},
		PubSubOptions: []pubsub.Option{
			pubsub.WithGossipSubParams(params),
		},
	}
}

// NewHost returns a host built from [HostOptions],
// closed when the test finishes.
func NewHost(t *testing.T, ctx context.Context, enableDHT bool) *gnet.Host {
	t.Helper()

	opts := HostOptions()
	opts.EnableDHT = enableDHT

	h, err := gnet.NewHost(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = h.Close()
	})
	return h
}

// AddrInfo returns the dialable address info for h.
func AddrInfo(h *gnet.Host) peer.AddrInfo {
	lh := h.Libp2pHost()
	return peer.AddrInfo{
		ID:    lh.ID(),
		Addrs: lh.Addrs(),
	}
}

// WaitForTopicPeers blocks until h sees at least n other peers on topic,
// or ctx is done.
func WaitForTopicPeers(ctx context.Context, h *gnet.Host, topic string, n int) error {
	for {
		if len(h.PubSub().ListPeers(topic)) >= n {
			return nil
		}

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
