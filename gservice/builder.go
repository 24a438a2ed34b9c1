package gservice

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gordian-engine/gnode/gdb"
	"github.com/gordian-engine/gnode/gevent"
	"github.com/gordian-engine/gnode/gkeystore"
	"github.com/gordian-engine/gnode/gmetrics"
	"github.com/gordian-engine/gnode/gnet"
	"github.com/gordian-engine/gnode/gsync"
	"github.com/gordian-engine/gnode/gtask"
	"github.com/gordian-engine/gnode/internal/gchan"
	"github.com/multiformats/go-multiaddr"
)

const (
	DefaultEventBufferSize    = 16
	DefaultDatabaseBufferSize = 16
)

// Opt is an option for [Build].
type Opt func(*buildConfig) error

type buildConfig struct {
	store gdb.Store

	host      *gnet.Host
	bootstrap []multiaddr.Multiaddr
	codec     gnet.AnnounceCodec

	key ed25519.PrivateKey

	eventBufferSize int
	dbBufferSize    int
	cacheSize       int

	metrics  *gmetrics.ServiceMetrics
	watchdog *gtask.Watchdog
	verifier gsync.Verifier
}

// WithStore sets the database task's store.
// This option is required.
// The store remains owned by the caller,
// who should close it after [*Service.Close] returns.
func WithStore(s gdb.Store) Opt {
	return func(c *buildConfig) error {
		c.store = s
		return nil
	}
}

// WithHost enables the network task on h, dialing the bootstrap addresses at startup.
// Without this option the node runs without networking.
// The host remains owned by the caller.
func WithHost(h *gnet.Host, bootstrap ...multiaddr.Multiaddr) Opt {
	return func(c *buildConfig) error {
		c.host = h
		c.bootstrap = bootstrap
		return nil
	}
}

// WithAnnounceCodec overrides the network task's announce codec.
func WithAnnounceCodec(codec gnet.AnnounceCodec) Opt {
	return func(c *buildConfig) error {
		c.codec = codec
		return nil
	}
}

// WithKeystore starts a keystore task holding priv.
// If a host is also set, its identity must match priv.
func WithKeystore(priv ed25519.PrivateKey) Opt {
	return func(c *buildConfig) error {
		if len(priv) != ed25519.PrivateKeySize {
			return errors.New("WithKeystore: invalid ed25519 private key size")
		}
		c.key = priv
		return nil
	}
}

// WithEventBufferSize sets the capacity of the event channel.
// Zero makes the channel unbuffered.
func WithEventBufferSize(n int) Opt {
	return func(c *buildConfig) error {
		if n < 0 {
			return fmt.Errorf("WithEventBufferSize: size must not be negative; got %d", n)
		}
		c.eventBufferSize = n
		return nil
	}
}

// WithDatabaseBufferSize sets the capacity of the database request channel.
func WithDatabaseBufferSize(n int) Opt {
	return func(c *buildConfig) error {
		if n < 0 {
			return fmt.Errorf("WithDatabaseBufferSize: size must not be negative; got %d", n)
		}
		c.dbBufferSize = n
		return nil
	}
}

// WithCanonicalCacheSize sets the database task's canonical hash cache size.
func WithCanonicalCacheSize(n int) Opt {
	return func(c *buildConfig) error {
		if n < 0 {
			return fmt.Errorf("WithCanonicalCacheSize: size must not be negative; got %d", n)
		}
		c.cacheSize = n
		return nil
	}
}

// WithMetrics records every consumed event in m.
func WithMetrics(m *gmetrics.ServiceMetrics) Opt {
	return func(c *buildConfig) error {
		c.metrics = m
		return nil
	}
}

// WithWatchdog has w probe the database and network tasks.
//
// A task stalled on a full event channel cannot answer probes,
// so only use a watchdog when the service's events are consumed promptly.
func WithWatchdog(w *gtask.Watchdog) Opt {
	return func(c *buildConfig) error {
		c.watchdog = w
		return nil
	}
}

// WithVerifier sets the verifier the importer consults before recording a block.
func WithVerifier(v gsync.Verifier) Opt {
	return func(c *buildConfig) error {
		c.verifier = v
		return nil
	}
}

func (c buildConfig) validate() error {
	var err error

	if c.store == nil {
		err = errors.Join(err, errors.New("the WithStore option is required"))
	}

	if c.host != nil && c.key != nil {
		want, idErr := gkeystore.PeerID(c.key)
		if idErr != nil {
			err = errors.Join(err, idErr)
		} else if have := c.host.Libp2pHost().ID(); have != want {
			err = errors.Join(err, fmt.Errorf("host identity %s does not match keystore identity %s", have, want))
		}
	}

	return err
}

// Build starts the node's background tasks and returns a Service connected to them.
//
// The tasks run until [*Service.Close] is called or ctx is canceled.
// The event channel is closed once the database and network tasks have both stopped.
func Build(ctx context.Context, log *slog.Logger, opts ...Opt) (*Service, error) {
	cfg := buildConfig{
		eventBufferSize: DefaultEventBufferSize,
		dbBufferSize:    DefaultDatabaseBufferSize,
	}

	var err error
	for _, opt := range opts {
		err = errors.Join(err, opt(&cfg))
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	sup := gtask.NewSupervisor(ctx, log.With("sys", "supervisor"))
	sCtx := sup.Context()

	// Any failure past this point must stop the tasks already started.
	fail := func(err error) (*Service, error) {
		sup.Stop()
		_ = sup.Wait()
		return nil, err
	}

	events := make(chan gevent.Event, cfg.eventBufferSize)
	dbReqs := make(chan gdb.Request, cfg.dbBufferSize)
	numConns := new(atomic.Uint64)

	db, err := gdb.NewTask(sCtx, log.With("sys", "database"), gdb.TaskConfig{
		Store:     cfg.store,
		Requests:  dbReqs,
		Events:    events,
		CacheSize: cfg.cacheSize,
		Watchdog:  cfg.watchdog,
	})
	if err != nil {
		return fail(err)
	}
	sup.Track("database", db)

	var (
		network   *gnet.Task
		announces chan<- gevent.BlockHeader
	)
	if cfg.host != nil {
		network, err = gnet.NewTask(sCtx, log.With("sys", "network"), gnet.TaskConfig{
			Host:           cfg.host,
			Events:         events,
			NumConnections: numConns,
			Codec:          cfg.codec,
			Watchdog:       cfg.watchdog,
		})
		if err != nil {
			return fail(err)
		}
		sup.Track("network", network)
		announces = network.OutgoingAnnounces()

		sup.Go("bootstrap", func(ctx context.Context) error {
			// Bootstrap failures are not fatal; peers may dial us instead.
			if len(cfg.bootstrap) > 0 {
				if err := network.Connect(ctx, cfg.bootstrap); err != nil {
					log.Warn("Failed to connect to some bootstrap peers", "err", err)
				}
			}
			if err := cfg.host.Bootstrap(ctx); err != nil {
				log.Warn("Failed to bootstrap DHT", "err", err)
			}
			return nil
		})
	}

	// Only the database and network tasks send events.
	sup.Go("event-closer", func(context.Context) error {
		db.Wait()
		if network != nil {
			network.Wait()
		}
		close(events)
		return nil
	})

	var ks *gkeystore.Keystore
	if cfg.key != nil {
		ks, err = gkeystore.New(sCtx, log.With("sys", "keystore"), cfg.key)
		if err != nil {
			return fail(err)
		}
		sup.Track("keystore", ks)
	}

	imp, err := gsync.NewImporter(sCtx, log.With("sys", "importer"), gsync.ImporterConfig{
		DatabaseRequests: dbReqs,
		DatabaseDone:     db.Done(),
		Announces:        announces,
		Verifier:         cfg.verifier,
	})
	if err != nil {
		return fail(err)
	}
	sup.Track("importer", imp)

	headsResp := make(chan gdb.HeadsResponse, 1)
	if !gchan.SendC(
		ctx, log,
		dbReqs, gdb.Request(gdb.HeadsRequest{Resp: headsResp}),
		"requesting initial heads",
	) {
		return fail(fmt.Errorf("failed to request initial heads: %w", context.Cause(ctx)))
	}
	heads, open, err := gchan.RecvOpenC(ctx, log, headsResp, "awaiting initial heads")
	if err != nil {
		return fail(fmt.Errorf("failed to load initial heads: %w", err))
	}
	if !open {
		return fail(BackgroundTasksTerminatedError{During: "loading initial heads"})
	}

	var initial Snapshot
	if heads.HasBest {
		initial.BestNumber = heads.Best.Number
		initial.BestHash = heads.Best.Hash
	}
	if heads.HasFinalized {
		initial.FinalizedNumber = heads.FinalizedNumber
		initial.FinalizedHash = heads.FinalizedHash
	}

	s, err := New(log, Config{
		Events:           events,
		DatabaseRequests: dbReqs,
		DatabaseDone:     db.Done(),
		NumConnections:   numConns,
		Supervisor:       sup,
		Metrics:          cfg.metrics,
		Initial:          initial,
	})
	if err != nil {
		return fail(err)
	}

	s.importer = imp
	s.network = network
	s.keystore = ks

	s.logHeads()
	return s, nil
}
