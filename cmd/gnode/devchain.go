package main

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"runtime/trace"
	"time"

	"github.com/gordian-engine/gnode/gdb"
	"github.com/gordian-engine/gnode/gevent"
	"github.com/gordian-engine/gnode/gsync"
	"github.com/gordian-engine/gnode/internal/glog"
	"golang.org/x/crypto/blake2b"
)

type blockImporter interface {
	ImportBlock(ctx context.Context, h gevent.BlockHeader) (gevent.NewChainHead, error)
	Finalize(ctx context.Context, number uint64, hash gevent.Hash) error
}

type blockHashLookup interface {
	BestEffortBlockHash(ctx context.Context, height uint64) (gevent.Hash, bool, error)
}

type devChainConfig struct {
	Importer blockImporter
	Lookup   blockHashLookup

	Interval time.Duration

	// Zero disables finalization.
	FinalityDepth uint64

	// The head to build on.
	// A zero StartHash starts a new chain at height zero.
	StartNumber uint64
	StartHash   gevent.Hash

	FinalizedStart uint64
}

// devChain produces a synthetic linear chain through the importer,
// so a node can run the whole pipeline without an execution engine.
type devChain struct {
	log *slog.Logger

	done chan struct{}
}

func newDevChain(ctx context.Context, log *slog.Logger, cfg devChainConfig) *devChain {
	d := &devChain{
		log:  log,
		done: make(chan struct{}),
	}
	go d.kernel(ctx, cfg)
	return d
}

func (d *devChain) Wait() {
	<-d.done
}

// devBlock returns the synthetic block at number on top of parent.
func devBlock(parent gevent.Hash, number uint64) gevent.BlockHeader {
	var buf [gevent.HashSize + 8]byte
	copy(buf[:], parent[:])
	binary.BigEndian.PutUint64(buf[gevent.HashSize:], number)

	return gevent.BlockHeader{
		Number:     number,
		Hash:       gevent.Hash(blake2b.Sum256(buf[:])),
		ParentHash: parent,
	}
}

func (d *devChain) kernel(ctx context.Context, cfg devChainConfig) {
	defer close(d.done)

	ctx, task := trace.NewTask(ctx, "devChain.kernel")
	defer task.End()

	var next gevent.BlockHeader
	if cfg.StartHash.IsZero() {
		next = devBlock(gevent.Hash{}, 0)
	} else {
		next = devBlock(cfg.StartHash, cfg.StartNumber+1)
	}

	finalized := cfg.FinalizedStart
	hasFinalized := cfg.FinalizedStart > 0

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return
		case <-ticker.C:
		}

		head, err := cfg.Importer.ImportBlock(ctx, next)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, gsync.ErrImporterStopped) {
				return
			}
			glog.HE(d.log, next.Number, err).Warn("Failed to import synthetic block")
			continue
		}
		glog.H(d.log, next.Number).Debug("Imported synthetic block", "hash", next.Hash, "update", head.Update)

		if cfg.FinalityDepth > 0 && next.Number >= cfg.FinalityDepth {
			target := next.Number - cfg.FinalityDepth
			if !hasFinalized || target > finalized {
				if d.finalize(ctx, cfg, target) {
					finalized = target
					hasFinalized = true
				}
			}
		}

		next = devBlock(next.Hash, next.Number+1)
	}
}

func (d *devChain) finalize(ctx context.Context, cfg devChainConfig, height uint64) bool {
	hash, found, err := cfg.Lookup.BestEffortBlockHash(ctx, height)
	if err != nil {
		if ctx.Err() == nil {
			glog.HE(d.log, height, err).Warn("Failed to look up block to finalize")
		}
		return false
	}
	if !found {
		glog.H(d.log, height).Debug("No canonical block to finalize")
		return false
	}

	if err := cfg.Importer.Finalize(ctx, height, hash); err != nil {
		var regression gdb.FinalizedRegressionError
		if errors.As(err, &regression) {
			// Already finalized further, e.g. by a previous run.
			return true
		}
		if ctx.Err() == nil {
			glog.HE(d.log, height, err).Warn("Failed to finalize synthetic block")
		}
		return false
	}
	return true
}
