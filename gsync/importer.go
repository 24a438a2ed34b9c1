package gsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/trace"

	"github.com/gordian-engine/gnode/gdb"
	"github.com/gordian-engine/gnode/gevent"
	"github.com/gordian-engine/gnode/internal/glog"
)

// ImporterConfig is the configuration for [NewImporter].
type ImporterConfig struct {
	// DatabaseRequests is the sending end of the database request channel.
	DatabaseRequests chan<- gdb.Request

	// Closed when the database task stops. Optional.
	DatabaseDone <-chan struct{}

	// New canonical heads are offered here for announcement. Optional.
	Announces chan<- gevent.BlockHeader

	// Defaults to AcceptAll.
	Verifier Verifier
}

// Importer is the block import task.
type Importer struct {
	log *slog.Logger

	dbReqs    chan<- gdb.Request
	dbDone    <-chan struct{}
	announces chan<- gevent.BlockHeader
	verifier  Verifier

	importRequests   chan importRequest
	finalizeRequests chan finalizeRequest

	done chan struct{}
}

type importRequest struct {
	Header gevent.BlockHeader
	Resp   chan gdb.ImportBlockResponse
}

type finalizeRequest struct {
	Number uint64
	Hash   gevent.Hash
	Resp   chan error
}

// NewImporter starts the import task.
// It runs until ctx is canceled.
func NewImporter(ctx context.Context, log *slog.Logger, cfg ImporterConfig) (*Importer, error) {
	if cfg.DatabaseRequests == nil {
		return nil, errors.New("ImporterConfig.DatabaseRequests must not be nil")
	}

	v := cfg.Verifier
	if v == nil {
		v = AcceptAll{}
	}

	i := &Importer{
		log: log,

		dbReqs:    cfg.DatabaseRequests,
		dbDone:    cfg.DatabaseDone,
		announces: cfg.Announces,
		verifier:  v,

		importRequests:   make(chan importRequest),
		finalizeRequests: make(chan finalizeRequest),

		done: make(chan struct{}),
	}

	go i.kernel(ctx)

	return i, nil
}

// Wait blocks until the importer's kernel goroutine has returned.
func (i *Importer) Wait() {
	<-i.done
}

// ImportBlock verifies h and records it through the database task.
// The returned head is the same value the database task emitted as an event.
func (i *Importer) ImportBlock(ctx context.Context, h gevent.BlockHeader) (gevent.NewChainHead, error) {
	req := importRequest{
		Header: h,
		Resp:   make(chan gdb.ImportBlockResponse, 1),
	}

	select {
	case i.importRequests <- req:
	case <-i.done:
		return gevent.NewChainHead{}, ErrImporterStopped
	case <-ctx.Done():
		return gevent.NewChainHead{}, fmt.Errorf("context canceled while importing block: %w", context.Cause(ctx))
	}

	select {
	case resp, ok := <-req.Resp:
		if !ok {
			return gevent.NewChainHead{}, ErrImporterStopped
		}
		return resp.Head, resp.Err
	case <-ctx.Done():
		return gevent.NewChainHead{}, fmt.Errorf("context canceled while awaiting import: %w", context.Cause(ctx))
	}
}

// Finalize records an externally learned finalized block.
func (i *Importer) Finalize(ctx context.Context, number uint64, hash gevent.Hash) error {
	req := finalizeRequest{
		Number: number,
		Hash:   hash,
		Resp:   make(chan error, 1),
	}

	select {
	case i.finalizeRequests <- req:
	case <-i.done:
		return ErrImporterStopped
	case <-ctx.Done():
		return fmt.Errorf("context canceled while finalizing block: %w", context.Cause(ctx))
	}

	select {
	case err, ok := <-req.Resp:
		if !ok {
			return ErrImporterStopped
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("context canceled while awaiting finalization: %w", context.Cause(ctx))
	}
}

func (i *Importer) kernel(ctx context.Context) {
	defer close(i.done)

	ctx, task := trace.NewTask(ctx, "gsync.Importer.kernel")
	defer task.End()

	for {
		select {
		case <-ctx.Done():
			i.log.Info("Importer stopping", "cause", context.Cause(ctx))
			return

		case req := <-i.importRequests:
			if !i.handleImport(ctx, req) {
				return
			}

		case req := <-i.finalizeRequests:
			if !i.handleFinalize(ctx, req) {
				return
			}
		}
	}
}

// handleImport answers req.
// It reports false, after closing req.Resp, if ctx was canceled.
func (i *Importer) handleImport(ctx context.Context, req importRequest) bool {
	h := req.Header

	if err := i.verifier.VerifyBlock(ctx, h); err != nil {
		if ctx.Err() != nil {
			close(req.Resp)
			return false
		}
		glog.HE(i.log, h.Number, err).Info("Rejecting block that failed verification", "hash", h.Hash)
		req.Resp <- gdb.ImportBlockResponse{
			Err: VerificationError{Number: h.Number, Hash: h.Hash, Err: err},
		}
		return true
	}

	resp := make(chan gdb.ImportBlockResponse, 1)
	r, status := roundTrip(ctx, i, gdb.Request(gdb.ImportBlockRequest{Header: h, Resp: resp}), resp)
	switch status {
	case roundTripCanceled:
		close(req.Resp)
		return false
	case roundTripAbandoned:
		req.Resp <- gdb.ImportBlockResponse{Err: ErrDatabaseStopped}
		return true
	}

	if r.Err == nil && r.Head.Update != gevent.NoUpdate {
		i.announce(h)
	}
	req.Resp <- r
	return true
}

// handleFinalize answers req.
// It reports false, after closing req.Resp, if ctx was canceled.
func (i *Importer) handleFinalize(ctx context.Context, req finalizeRequest) bool {
	resp := make(chan error, 1)
	err, status := roundTrip(
		ctx, i,
		gdb.Request(gdb.FinalizeRequest{Number: req.Number, Hash: req.Hash, Resp: resp}), resp,
	)
	switch status {
	case roundTripCanceled:
		close(req.Resp)
		return false
	case roundTripAbandoned:
		req.Resp <- ErrDatabaseStopped
		return true
	}

	req.Resp <- err
	return true
}

// announce offers h to the network task without waiting.
// Announcements are advisory, so a busy network task simply misses one.
func (i *Importer) announce(h gevent.BlockHeader) {
	if i.announces == nil {
		return
	}

	select {
	case i.announces <- h:
	default:
		glog.H(i.log, h.Number).Debug("Dropping announce; network task busy", "hash", h.Hash)
	}
}

type roundTripStatus uint8

const (
	roundTripOK roundTripStatus = iota
	roundTripCanceled
	roundTripAbandoned
)

func roundTrip[T any](ctx context.Context, i *Importer, req gdb.Request, resp <-chan T) (T, roundTripStatus) {
	var zero T

	select {
	case i.dbReqs <- req:
	case <-i.dbDone:
		return zero, roundTripAbandoned
	case <-ctx.Done():
		i.log.Info("Context canceled while sending database request", "cause", context.Cause(ctx))
		return zero, roundTripCanceled
	}

	select {
	case v, ok := <-resp:
		if !ok {
			return zero, roundTripAbandoned
		}
		return v, roundTripOK
	case <-i.dbDone:
		// The task may have answered just before stopping.
		select {
		case v, ok := <-resp:
			if ok {
				return v, roundTripOK
			}
		default:
		}
		return zero, roundTripAbandoned
	case <-ctx.Done():
		i.log.Info("Context canceled while awaiting database response", "cause", context.Cause(ctx))
		return zero, roundTripCanceled
	}
}
