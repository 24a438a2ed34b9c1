package gservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordian-engine/gnode/gdb"
	"github.com/gordian-engine/gnode/gevent"
	"github.com/gordian-engine/gnode/gkeystore"
	"github.com/gordian-engine/gnode/gmetrics"
	"github.com/gordian-engine/gnode/gnet"
	"github.com/gordian-engine/gnode/gsync"
	"github.com/gordian-engine/gnode/gtask"
	"github.com/gordian-engine/gnode/internal/gchan"
	"github.com/gordian-engine/gnode/internal/glog"
)

// Config is the configuration for [New].
type Config struct {
	// Events is the receiving end of the event channel.
	// It must only be closed once every sender has stopped.
	Events <-chan gevent.Event

	// DatabaseRequests is the sending end of the database request channel.
	DatabaseRequests chan<- gdb.Request

	// Closed when the database task stops. Optional.
	DatabaseDone <-chan struct{}

	// NumConnections is written by the network task.
	// The Service only ever loads it.
	NumConnections *atomic.Uint64

	// Supervisor, if set, is stopped and waited on by [*Service.Close].
	Supervisor *gtask.Supervisor

	// Optional.
	Metrics *gmetrics.ServiceMetrics

	// Initial snapshot values, as known before the first event.
	Initial Snapshot
}

func (c Config) validate() error {
	var err error

	if c.Events == nil {
		err = errors.Join(err, errors.New("Config.Events must not be nil"))
	}
	if c.DatabaseRequests == nil {
		err = errors.Join(err, errors.New("Config.DatabaseRequests must not be nil"))
	}
	if c.NumConnections == nil {
		err = errors.Join(err, errors.New("Config.NumConnections must not be nil"))
	}

	return err
}

// Snapshot is what the Service currently believes about the chain and network.
type Snapshot struct {
	BestNumber uint64
	BestHash   gevent.Hash

	FinalizedNumber uint64
	FinalizedHash   gevent.Hash

	NumNetworkConnections uint64
}

// Service is the node's facade over its background tasks.
//
// NextEvent and the snapshot accessors must be called from a single goroutine.
// BestEffortBlockHash does not touch the snapshot
// and is safe to call concurrently with everything else.
type Service struct {
	log *slog.Logger

	events   <-chan gevent.Event
	dbReqs   chan<- gdb.Request
	dbDone   <-chan struct{}
	numConns *atomic.Uint64

	metrics *gmetrics.ServiceMetrics

	snap Snapshot

	// Only set by Build.
	importer *gsync.Importer
	network  *gnet.Task
	keystore *gkeystore.Keystore

	sup       *gtask.Supervisor
	closeOnce sync.Once
	closeErr  error
}

// New returns a Service over already-running tasks.
func New(log *slog.Logger, cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid service config: %w", err)
	}

	return &Service{
		log: log,

		events:   cfg.Events,
		dbReqs:   cfg.DatabaseRequests,
		dbDone:   cfg.DatabaseDone,
		numConns: cfg.NumConnections,

		metrics: cfg.Metrics,

		snap: cfg.Initial,

		sup: cfg.Supervisor,
	}, nil
}

// NextEvent blocks until the next event arrives,
// applies it to the snapshot, and returns it unchanged.
//
// Events are returned in exactly the order the event channel delivered them.
// If the event channel is closed, every background task has already stopped,
// and NextEvent returns a [BackgroundTasksTerminatedError].
// If ctx is canceled first, the returned error wraps the context's cause,
// no event is consumed, and the Service remains usable.
func (s *Service) NextEvent(ctx context.Context) (gevent.Event, error) {
	ev, open, err := gchan.RecvOpenC(ctx, s.log, s.events, "receiving next event")
	if err != nil {
		return nil, fmt.Errorf("context canceled while receiving next event: %w", err)
	}
	if !open {
		return nil, BackgroundTasksTerminatedError{During: "receiving next event"}
	}

	// Relaxed read; the count is telemetry only.
	s.snap.NumNetworkConnections = s.numConns.Load()

	switch e := ev.(type) {
	case gevent.NewChainHead:
		s.snap.BestNumber = e.Number
		s.snap.BestHash = e.Hash
	case gevent.NewFinalized:
		s.snap.FinalizedNumber = e.Number
		s.snap.FinalizedHash = e.Hash
	case gevent.BlockAnnounceReceived, gevent.NewNetworkExternalAddress:
		// No snapshot change.
	default:
		panic(fmt.Errorf("BUG: unhandled event type %T", ev))
	}

	s.metrics.Observe(ev, s.snap.BestNumber, s.snap.FinalizedNumber, s.snap.NumNetworkConnections)

	return ev, nil
}

// NumNetworkConnections returns the connection count
// as of the most recent call to NextEvent.
func (s *Service) NumNetworkConnections() uint64 {
	return s.snap.NumNetworkConnections
}

func (s *Service) BestBlockNumber() uint64 {
	return s.snap.BestNumber
}

func (s *Service) BestBlockHash() gevent.Hash {
	return s.snap.BestHash
}

func (s *Service) FinalizedBlockNumber() uint64 {
	return s.snap.FinalizedNumber
}

func (s *Service) FinalizedBlockHash() gevent.Hash {
	return s.snap.FinalizedHash
}

// Snapshot returns a copy of every snapshot field.
func (s *Service) Snapshot() Snapshot {
	return s.snap
}

// BestEffortBlockHash asks the database task for the canonical hash at height.
//
// found is false, with a nil error, when the database has no canonical block there.
// If the database task stops before answering,
// the error is a [BackgroundTasksTerminatedError].
// If ctx is canceled first, the error wraps the context's cause.
func (s *Service) BestEffortBlockHash(ctx context.Context, height uint64) (
	hash gevent.Hash, found bool, err error,
) {
	// Buffered so the database task never blocks on answering.
	resp := make(chan gdb.BlockHashGetResponse, 1)
	req := gdb.BlockHashGetRequest{Height: height, Resp: resp}

	select {
	case s.dbReqs <- req:
		// Accepted.
	case <-s.dbDone:
		return hash, false, BackgroundTasksTerminatedError{During: "requesting block hash"}
	case <-ctx.Done():
		return hash, false, fmt.Errorf("context canceled while requesting block hash: %w", context.Cause(ctx))
	}

	select {
	case r, ok := <-resp:
		if !ok {
			// The database task accepted the request and then stopped.
			return hash, false, BackgroundTasksTerminatedError{During: "awaiting block hash"}
		}
		return r.Hash, r.Found, nil

	case <-s.dbDone:
		// An answer sent just before stopping still counts.
		select {
		case r, ok := <-resp:
			if ok {
				return r.Hash, r.Found, nil
			}
		default:
		}
		return hash, false, BackgroundTasksTerminatedError{During: "awaiting block hash"}

	case <-ctx.Done():
		return hash, false, fmt.Errorf("context canceled while awaiting block hash: %w", context.Cause(ctx))
	}
}

// Importer returns the block import handle,
// or nil if s was not created by [Build].
func (s *Service) Importer() *gsync.Importer {
	return s.importer
}

// Network returns the network task,
// or nil if s was created without a host.
func (s *Service) Network() *gnet.Task {
	return s.network
}

// Keystore returns the keystore task,
// or nil if s was created without a key.
func (s *Service) Keystore() *gkeystore.Keystore {
	return s.keystore
}

// Close stops every task started for s and waits for them to finish.
// It is safe to call more than once; later calls return the first result.
//
// After Close, NextEvent reports a [BackgroundTasksTerminatedError]
// once any buffered events are drained.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		if s.sup == nil {
			return
		}

		s.sup.Stop()
		err := s.sup.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.closeErr = err
			s.log.Warn("Background task failed before close", "err", err)
		}
	})
	return s.closeErr
}

// logHeads logs the snapshot at startup.
func (s *Service) logHeads() {
	glog.H(s.log, s.snap.BestNumber).Info(
		"Service ready",
		"best_hash", s.snap.BestHash,
		"finalized_height", s.snap.FinalizedNumber,
		"finalized_hash", s.snap.FinalizedHash,
	)
}
