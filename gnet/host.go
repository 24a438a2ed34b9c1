package gnet

import (
	"context"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	p2phost "github.com/libp2p/go-libp2p/core/host"
)

// DHTProtocolPrefix separates the gnode DHT from other libp2p networks.
const DHTProtocolPrefix = "/gnode"

// Host is a libp2p host, a gossipsub router, and optionally a DHT peer.
type Host struct {
	h p2phost.Host

	ps *pubsub.PubSub

	dht *dht.IpfsDHT
}

// HostOptions holds libp2p configuration for the host and pubsub value.
type HostOptions struct {
	// Options are passed directly to [libp2p.New].
	Options []libp2p.Option

	// PubSubOptions are applied to [pubsub.NewGossipSub].
	PubSubOptions []pubsub.Option

	// When set, the host joins the DHT under [DHTProtocolPrefix]
	// so that peers can discover each other.
	EnableDHT bool
}

func NewHost(ctx context.Context, opts HostOptions) (*Host, error) {
	h, err := libp2p.New(opts.Options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h, opts.PubSubOptions...)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("failed to create gossipsub router: %w", err)
	}

	host := &Host{
		h:  h,
		ps: ps,
	}

	if opts.EnableDHT {
		host.dht, err = dht.New(ctx, h, dht.ProtocolPrefix(DHTProtocolPrefix))
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("failed to create DHT peer: %w", err)
		}
	}

	return host, nil
}

// Libp2pHost returns the underlying libp2p host value.
func (h *Host) Libp2pHost() p2phost.Host {
	return h.h
}

// PubSub returns the underlying libp2p pubsub value.
func (h *Host) PubSub() *pubsub.PubSub {
	return h.ps
}

// DHT returns the DHT peer, or nil if the host was created without one.
func (h *Host) DHT() *dht.IpfsDHT {
	return h.dht
}

// Bootstrap refreshes the DHT routing table.
// It is a no-op when the DHT is disabled.
func (h *Host) Bootstrap(ctx context.Context) error {
	if h.dht == nil {
		return nil
	}
	return h.dht.Bootstrap(ctx)
}

// Close closes the DHT peer, if any, and the underlying libp2p host.
func (h *Host) Close() error {
	var errDHT error
	if h.dht != nil {
		if err := h.dht.Close(); err != nil {
			errDHT = fmt.Errorf("error closing DHT peer: %w", err)
		}
	}
	return errors.Join(errDHT, h.h.Close())
}
