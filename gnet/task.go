package gnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/trace"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordian-engine/gnode/gevent"
	"github.com/gordian-engine/gnode/gtask"
	"github.com/gordian-engine/gnode/internal/gchan"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// AnnounceTopic is the gossipsub topic carrying block announcements.
const AnnounceTopic = "gnode/announce/v1"

// TaskConfig is the configuration for [NewTask].
type TaskConfig struct {
	Host *Host

	// Events is the sending end of the event channel.
	Events chan<- gevent.Event

	// NumConnections is kept equal to the host's open connection count,
	// including connections opened before the task started.
	NumConnections *atomic.Uint64

	Codec AnnounceCodec

	// Optional.
	Watchdog *gtask.Watchdog
}

func (c TaskConfig) validate() error {
	var err error

	if c.Host == nil {
		err = errors.Join(err, errors.New("TaskConfig.Host must not be nil"))
	}
	if c.Events == nil {
		err = errors.Join(err, errors.New("TaskConfig.Events must not be nil"))
	}
	if c.NumConnections == nil {
		err = errors.Join(err, errors.New("TaskConfig.NumConnections must not be nil"))
	}

	return err
}

// Task is the network task.
type Task struct {
	log *slog.Logger

	h     *Host
	self  peer.ID
	codec AnnounceCodec

	events chan<- gevent.Event

	notifiee *network.NotifyBundle

	topic    *pubsub.Topic
	sub      *pubsub.Subscription
	addrsSub event.Subscription

	outgoingAnnounces chan gevent.BlockHeader

	wg sync.WaitGroup
}

// NewTask joins the announce topic on cfg.Host and starts the network task.
// The task stops when ctx is canceled; closing the host remains the caller's job.
func NewTask(ctx context.Context, log *slog.Logger, cfg TaskConfig) (*Task, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid network task config: %w", err)
	}

	lh := cfg.Host.Libp2pHost()

	t := &Task{
		log: log,

		h:     cfg.Host,
		self:  lh.ID(),
		codec: cfg.Codec,

		events: cfg.Events,

		outgoingAnnounces: make(chan gevent.BlockHeader, 1),
	}

	cc := &connCounter{n: cfg.NumConnections}
	t.notifiee = &network.NotifyBundle{
		ConnectedF: func(n network.Network, _ network.Conn) {
			cc.Recount(n)
		},
		DisconnectedF: func(n network.Network, _ network.Conn) {
			cc.Recount(n)
		},
	}
	lh.Network().Notify(t.notifiee)

	// Connections may have been opened before the notifiee was registered.
	cc.Recount(lh.Network())

	// The address update emitter is stateful,
	// so the current addresses arrive as the first event.
	addrsSub, err := lh.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		lh.Network().StopNotify(t.notifiee)
		return nil, fmt.Errorf("failed to subscribe to local address updates: %w", err)
	}
	t.addrsSub = addrsSub

	ps := cfg.Host.PubSub()
	if err := ps.RegisterTopicValidator(AnnounceTopic, t.validateAnnounce); err != nil {
		t.unwind()
		return nil, fmt.Errorf("failed to register announce validator: %w", err)
	}

	t.topic, err = ps.Join(AnnounceTopic)
	if err != nil {
		t.unwind()
		return nil, fmt.Errorf("failed to join announce topic: %w", err)
	}

	t.sub, err = t.topic.Subscribe()
	if err != nil {
		t.unwind()
		return nil, fmt.Errorf("failed to subscribe to announce topic: %w", err)
	}

	probes := cfg.Watchdog.Monitor(ctx, gtask.MonitorConfig{
		Name:            "network",
		Interval:        10 * time.Second,
		Jitter:          time.Second,
		ResponseTimeout: 5 * time.Second,
	})

	t.wg.Add(2)
	go t.kernel(ctx, probes)
	go t.receiveAnnounces(ctx)

	return t, nil
}

// Wait blocks until the task's goroutines have returned.
func (t *Task) Wait() {
	t.wg.Wait()
}

// OutgoingAnnounces returns a channel where newly imported heads may be sent,
// after which they are published to the announce topic.
func (t *Task) OutgoingAnnounces() chan<- gevent.BlockHeader {
	return t.outgoingAnnounces
}

// Connect dials every peer in addrs, each of which must include a /p2p component.
// Addresses for the same peer are combined.
func (t *Task) Connect(ctx context.Context, addrs []multiaddr.Multiaddr) error {
	infos, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil {
		return fmt.Errorf("failed to parse peer addresses: %w", err)
	}

	var errs error
	for _, ai := range infos {
		if ai.ID == t.self {
			continue
		}

		t.log.Info("Attempting connection", "peer", ai.ID, "addrs", ai.Addrs)
		if err := t.h.Libp2pHost().Connect(ctx, ai); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to connect to %s: %w", ai.ID, err))
		}
	}
	return errs
}

func (t *Task) kernel(ctx context.Context, probes <-chan gtask.Probe) {
	defer t.wg.Done()
	defer t.unwind()

	ctx, task := trace.NewTask(ctx, "gnet.Task.kernel")
	defer task.End()

	known := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			t.log.Info("Network task stopping", "cause", context.Cause(ctx))
			return

		case p := <-probes:
			close(p.Alive)

		case e, ok := <-t.addrsSub.Out():
			if !ok {
				t.log.Info("Local address subscription closed; network task stopping")
				return
			}
			if !t.handleAddrsUpdated(ctx, known, e.(event.EvtLocalAddressesUpdated)) {
				return
			}

		case h := <-t.outgoingAnnounces:
			b, err := t.codec.Encode(h)
			if err != nil {
				t.log.Warn("Failed to encode announce; cannot publish", "height", h.Number, "err", err)
				continue
			}
			if err := t.topic.Publish(ctx, b); err != nil {
				t.log.Warn("Failed to publish announce", "height", h.Number, "err", err)
			}
		}
	}
}

// connCounter stores the host's connection count into a shared counter.
//
// The swarm updates its connection set before notifying,
// so serialized recounts leave the counter at the count
// observed by the last notification.
type connCounter struct {
	mu sync.Mutex
	n  *atomic.Uint64
}

func (c *connCounter) Recount(n network.Network) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n.Store(uint64(len(n.Conns())))
}

// handleAddrsUpdated emits an event for every address not previously reported.
// It reports false if the context was canceled while emitting.
func (t *Task) handleAddrsUpdated(ctx context.Context, known map[string]struct{}, e event.EvtLocalAddressesUpdated) bool {
	for _, ua := range e.Removed {
		delete(known, string(ua.Address.Bytes()))
	}

	for _, ua := range e.Current {
		if ua.Action == event.Removed {
			delete(known, string(ua.Address.Bytes()))
			continue
		}

		k := string(ua.Address.Bytes())
		if _, ok := known[k]; ok {
			continue
		}
		known[k] = struct{}{}

		full, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{
			ID:    t.self,
			Addrs: []multiaddr.Multiaddr{ua.Address},
		})
		if err != nil || len(full) != 1 {
			t.log.Warn("Failed to add peer ID to local address", "addr", ua.Address, "err", err)
			continue
		}

		t.log.Info("Discovered new local address", "addr", full[0])
		if !gchan.SendC(
			ctx, t.log,
			t.events, gevent.Event(gevent.NewNetworkExternalAddress{Address: full[0]}),
			"emitting new network external address",
		) {
			return false
		}
	}

	return true
}

// receiveAnnounces reads validated announces from other peers
// and emits them as events.
func (t *Task) receiveAnnounces(ctx context.Context) {
	defer t.wg.Done()

	for {
		msg, err := t.sub.Next(ctx)
		if err != nil {
			// Context cancellation and subscription cancellation are normal shutdown.
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				t.log.Info("Quitting announce subscription due to error", "err", err)
			}
			return
		}

		if msg.ReceivedFrom == t.self {
			continue
		}

		// The validator already accepted this message,
		// so a decode failure here means the codec is nondeterministic.
		h, err := t.codec.Decode(msg.Data)
		if err != nil {
			panic(fmt.Errorf("BUG: failed to decode validated announce: %w", err))
		}

		if !gchan.SendC(
			ctx, t.log,
			t.events, gevent.Event(gevent.BlockAnnounceReceived{
				Number: h.Number,
				Hash:   h.Hash,
				From:   msg.GetFrom(),
			}),
			"emitting block announce",
		) {
			return
		}
	}
}

func (t *Task) validateAnnounce(_ context.Context, id peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	if id == t.self {
		return pubsub.ValidationAccept
	}

	if _, err := t.codec.Decode(msg.Data); err != nil {
		t.log.Info("Rejecting undecodable announce", "peer", id, "err", err)
		return pubsub.ValidationReject
	}
	return pubsub.ValidationAccept
}

// unwind releases everything NewTask acquired on the host.
// Fields that were never set are skipped.
func (t *Task) unwind() {
	lh := t.h.Libp2pHost()
	lh.Network().StopNotify(t.notifiee)

	if t.addrsSub != nil {
		_ = t.addrsSub.Close()
	}

	_ = t.h.PubSub().UnregisterTopicValidator(AnnounceTopic)

	if t.sub != nil {
		t.sub.Cancel()
	}
	if t.topic != nil {
		if err := t.topic.Close(); err != nil && !errors.Is(err, context.Canceled) {
			t.log.Info("Error closing announce topic", "err", err)
		}
	}
}
