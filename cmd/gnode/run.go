package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"

	"github.com/gordian-engine/gnode/cmd/internal/gcmd"
	"github.com/gordian-engine/gnode/gevent"
	"github.com/gordian-engine/gnode/gkeystore"
	"github.com/gordian-engine/gnode/gmetrics"
	"github.com/gordian-engine/gnode/gnet"
	"github.com/gordian-engine/gnode/gservice"
	"github.com/gordian-engine/gnode/gtask"
	"github.com/gordian-engine/gnode/internal/glog"
	"github.com/libp2p/go-libp2p"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewRunCmd(log *slog.Logger) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use: "run",

		Short: "Run the node until interrupted",

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, _ []string) error {
			home, err := cmd.Flags().GetString("home")
			if err != nil {
				return err
			}

			cfg, err := gcmd.LoadConfig(viper.New(), cmd.Flags(), home, configFile)
			if err != nil {
				return err
			}

			return runNode(cmd.Context(), log, cfg)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "read this config file instead of searching the home directory")
	gcmd.AddRunFlags(cmd.Flags())

	return cmd
}

func runNode(rootCtx context.Context, log *slog.Logger, cfg gcmd.Config) error {
	// We need a cancelable context if we fail partway through setup.
	// Be sure to defer cancel() after other deferred
	// close and cleanup calls, for types dependent on
	// a parent context cancellation.
	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()

	priv, err := cfg.LoadKey()
	if err != nil {
		return fmt.Errorf("failed to load node key: %w", err)
	}
	nodeID, err := gkeystore.PeerID(priv)
	if err != nil {
		return fmt.Errorf("failed to derive node ID: %w", err)
	}

	store, err := cfg.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("Error closing block store", "err", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := gmetrics.NewServiceMetrics(reg)
	if err != nil {
		return err
	}

	opts := []gservice.Opt{
		gservice.WithStore(store),
		gservice.WithKeystore(priv),
		gservice.WithEventBufferSize(cfg.EventBufferSize),
		gservice.WithDatabaseBufferSize(cfg.DatabaseBufferSize),
		gservice.WithCanonicalCacheSize(cfg.CacheSize),
		gservice.WithMetrics(metrics),
	}

	if cfg.Watchdog {
		// Just reassign ctx here because we will not have any further references to the root context,
		// other than explicit cancel calls to ensure clean shutdown.
		var wd *gtask.Watchdog
		wd, ctx = gtask.NewWatchdog(ctx, log.With("sys", "watchdog"))
		defer wd.Wait()
		defer cancel()
		opts = append(opts, gservice.WithWatchdog(wd))
	}

	if !cfg.NoNetwork {
		h, err := newHost(ctx, priv, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := h.Close(); err != nil {
				log.Warn("Error closing libp2p host", "err", err)
			}
		}()
		defer cancel()

		bootstrap, err := cfg.BootstrapAddrs()
		if err != nil {
			return err
		}
		if len(bootstrap) == 0 {
			log.Warn("No bootstrap addresses set; relying on incoming connections to discover peers")
		}

		log.Info("Listening", "id", h.Libp2pHost().ID(), "addrs", h.Libp2pHost().Addrs())
		opts = append(opts, gservice.WithHost(h, bootstrap...))
	}

	svc, err := gservice.Build(ctx, log.With("sys", "service"), opts...)
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn("Error closing service", "err", err)
		}
	}()
	defer cancel()

	board := newStatusBoard(nodeID.String())
	board.Update(svc.Snapshot(), nil)

	if cfg.HTTPAddr != "" {
		srv, err := startHTTPServer(ctx, log.With("sys", "http"), cfg.HTTPAddr, reg, board)
		if err != nil {
			return err
		}
		defer srv.Wait()
		defer cancel()
	}

	if cfg.DevBlockInterval > 0 {
		dc := newDevChain(ctx, log.With("sys", "devchain"), devChainConfig{
			Importer:       svc.Importer(),
			Lookup:         svc,
			Interval:       cfg.DevBlockInterval,
			FinalityDepth:  cfg.DevFinalityDepth,
			StartNumber:    svc.BestBlockNumber(),
			StartHash:      svc.BestBlockHash(),
			FinalizedStart: svc.FinalizedBlockNumber(),
		})
		defer dc.Wait()
		defer cancel()
	}

	log.Info("Running node...", "id", nodeID)
	return consumeEvents(ctx, log, svc, board)
}

func newHost(ctx context.Context, priv ed25519.PrivateKey, cfg gcmd.Config) (*gnet.Host, error) {
	key, err := gkeystore.Libp2pKey(priv)
	if err != nil {
		return nil, err
	}

	h, err := gnet.NewHost(ctx, gnet.HostOptions{
		Options: []libp2p.Option{
			libp2p.Identity(key),
			libp2p.ListenAddrStrings(cfg.ListenAddrs...),

			// Unsure if this is something we always want.
			// Can be controlled by a flag later if undesirable by default.
			libp2p.ForceReachabilityPublic(),
		},
		EnableDHT: cfg.EnableDHT,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	return h, nil
}

// eventSource is the part of [*gservice.Service] the consumption loop uses.
type eventSource interface {
	NextEvent(context.Context) (gevent.Event, error)
	Snapshot() gservice.Snapshot
}

// consumeEvents logs every event and publishes the snapshot after each one,
// until ctx is canceled or the background tasks terminate.
func consumeEvents(ctx context.Context, log *slog.Logger, src eventSource, board *statusBoard) error {
	for {
		ev, err := src.NextEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Shutting down...", "cause", context.Cause(ctx))
				return nil
			}
			if gservice.IsBackgroundTasksTerminated(err) {
				return fmt.Errorf("node stopped unexpectedly: %w", err)
			}
			return err
		}

		logEvent(log, ev)
		board.Update(src.Snapshot(), ev)
	}
}

func logEvent(log *slog.Logger, ev gevent.Event) {
	switch e := ev.(type) {
	case gevent.NewChainHead:
		l := glog.H(log, e.Number).With("hash", e.Hash, "update", e.Update)
		switch e.Update {
		case gevent.Reorg:
			l.Info("Chain reorganized", "fork_height", e.ForkNumber)
		case gevent.NoUpdate:
			l.Debug("Stored block without head change")
		default:
			l.Info("New chain head")
		}
	case gevent.NewFinalized:
		glog.H(log, e.Number).Info("New finalized block", "hash", e.Hash)
	case gevent.BlockAnnounceReceived:
		glog.H(log, e.Number).Debug("Block announced", "hash", e.Hash, "from", e.From)
	case gevent.NewNetworkExternalAddress:
		log.Info("New external address", "addr", e.Address)
	default:
		log.Warn("Unknown event type", "type", fmt.Sprintf("%T", ev))
	}
}
