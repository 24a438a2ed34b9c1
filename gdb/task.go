package gdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/trace"
	"slices"
	"time"

	"github.com/gordian-engine/gnode/gevent"
	"github.com/gordian-engine/gnode/gtask"
	"github.com/gordian-engine/gnode/internal/gchan"
	"github.com/gordian-engine/gnode/internal/glog"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of canonical height-to-hash entries
// the task keeps in memory when [TaskConfig.CacheSize] is zero.
const DefaultCacheSize = 1024

// TaskConfig is the configuration for [NewTask].
type TaskConfig struct {
	Store Store

	// Requests is the receiving end of the database request channel.
	Requests <-chan Request

	// Events is the sending end of the event channel.
	// The task blocks when it is full.
	Events chan<- gevent.Event

	// Number of canonical hashes to cache; DefaultCacheSize if zero.
	CacheSize int

	// Optional.
	Watchdog *gtask.Watchdog
}

func (c TaskConfig) validate() error {
	var err error

	if c.Store == nil {
		err = errors.Join(err, errors.New("TaskConfig.Store must not be nil"))
	}
	if c.Requests == nil {
		err = errors.Join(err, errors.New("TaskConfig.Requests must not be nil"))
	}
	if c.Events == nil {
		err = errors.Join(err, errors.New("TaskConfig.Events must not be nil"))
	}
	if c.CacheSize < 0 {
		err = errors.Join(err, fmt.Errorf("TaskConfig.CacheSize must not be negative; got %d", c.CacheSize))
	}

	return err
}

// Task is the database task.
// It runs until the context passed to [NewTask] is canceled.
type Task struct {
	log *slog.Logger

	store    Store
	requests <-chan Request
	events   chan<- gevent.Event

	// Canonical height to hash.
	cache *lru.Cache[uint64, gevent.Hash]

	done chan struct{}
}

// NewTask validates cfg and starts the database task's kernel goroutine.
func NewTask(ctx context.Context, log *slog.Logger, cfg TaskConfig) (*Task, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid database task config: %w", err)
	}

	size := cfg.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[uint64, gevent.Hash](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create canonical hash cache: %w", err)
	}

	t := &Task{
		log: log,

		store:    cfg.Store,
		requests: cfg.Requests,
		events:   cfg.Events,

		cache: cache,

		done: make(chan struct{}),
	}

	probes := cfg.Watchdog.Monitor(ctx, gtask.MonitorConfig{
		Name:            "database",
		Interval:        10 * time.Second,
		Jitter:          time.Second,
		ResponseTimeout: 5 * time.Second,
	})

	go t.kernel(ctx, probes)

	return t, nil
}

// Wait blocks until the task's kernel goroutine has returned.
func (t *Task) Wait() {
	<-t.done
}

// Done returns a channel that is closed once the task has stopped.
// After Done is closed, no further requests will be answered.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) kernel(ctx context.Context, probes <-chan gtask.Probe) {
	defer close(t.done)

	ctx, task := trace.NewTask(ctx, "gdb.Task.kernel")
	defer task.End()

	for {
		select {
		case <-ctx.Done():
			t.log.Info("Database task stopping", "cause", context.Cause(ctx))
			t.abandonPending()
			return

		case p := <-probes:
			close(p.Alive)

		case req := <-t.requests:
			if !t.handle(ctx, req) {
				t.log.Info("Database task stopping while handling request", "cause", context.Cause(ctx))
				t.abandonPending()
				return
			}
		}
	}
}

// abandonPending closes the reply channel of every request
// already buffered in the request channel.
// Requests sent after this point are never read;
// callers must also watch [*Task.Done].
func (t *Task) abandonPending() {
	n := 0
	for {
		select {
		case req := <-t.requests:
			req.abandon()
			n++
		default:
			if n > 0 {
				t.log.Info("Abandoned pending database requests", "n", n)
			}
			return
		}
	}
}

// handle dispatches a single request.
// It reports false if the task must stop.
func (t *Task) handle(ctx context.Context, req Request) bool {
	switch req := req.(type) {
	case BlockHashGetRequest:
		req.Resp <- t.blockHashGet(ctx, req.Height)
		return true

	case HeadsRequest:
		req.Resp <- t.heads(ctx)
		return true

	case ImportBlockRequest:
		head, err := t.importBlock(ctx, req.Header)
		if err != nil {
			req.Resp <- ImportBlockResponse{Err: err}
			return true
		}
		if !gchan.SendC(ctx, t.log, t.events, gevent.Event(head), "emitting new chain head") {
			req.abandon()
			return false
		}
		req.Resp <- ImportBlockResponse{Head: head}
		return true

	case FinalizeRequest:
		fin, changed, err := t.finalize(ctx, req.Number, req.Hash)
		if err != nil || !changed {
			req.Resp <- err
			return true
		}
		if !gchan.SendC(ctx, t.log, t.events, gevent.Event(fin), "emitting new finalized block") {
			req.abandon()
			return false
		}
		req.Resp <- nil
		return true

	default:
		panic(fmt.Errorf("BUG: unhandled database request type %T", req))
	}
}

func (t *Task) blockHashGet(ctx context.Context, height uint64) BlockHashGetResponse {
	if h, ok := t.cache.Get(height); ok {
		return BlockHashGetResponse{Hash: h, Found: true}
	}

	h, err := t.store.CanonicalHash(ctx, height)
	if err != nil {
		if !errors.Is(err, HeightUnknownError{Want: height}) {
			// Best effort: report unknown rather than fail the caller.
			glog.HE(t.log, height, err).Warn("Failed to load canonical hash")
		}
		return BlockHashGetResponse{}
	}

	t.cache.Add(height, h)
	return BlockHashGetResponse{Hash: h, Found: true}
}

func (t *Task) heads(ctx context.Context) HeadsResponse {
	var resp HeadsResponse

	best, err := t.store.LoadHead(ctx)
	switch {
	case err == nil:
		resp.Best = best
		resp.HasBest = true
	case !errors.Is(err, ErrStoreUninitialized):
		t.log.Warn("Failed to load best head", "err", err)
	}

	n, h, err := t.store.LoadFinalized(ctx)
	switch {
	case err == nil:
		resp.FinalizedNumber = n
		resp.FinalizedHash = h
		resp.HasFinalized = true
	case !errors.Is(err, ErrStoreUninitialized):
		t.log.Warn("Failed to load finalized head", "err", err)
	}

	return resp
}

// importBlock records h and applies fork choice.
// The higher block wins and ties keep the current head.
// A branch forking below the finalized height never becomes canonical.
func (t *Task) importBlock(ctx context.Context, h gevent.BlockHeader) (gevent.NewChainHead, error) {
	defer trace.StartRegion(ctx, "importBlock").End()

	head, err := t.store.LoadHead(ctx)
	if errors.Is(err, ErrStoreUninitialized) {
		// The first block ever recorded anchors the chain.
		if err := t.store.SaveBlock(ctx, h); err != nil {
			return gevent.NewChainHead{}, fmt.Errorf("failed to save anchor block: %w", err)
		}
		if err := t.setCanonical(ctx, h.Number, []gevent.Hash{h.Hash}); err != nil {
			return gevent.NewChainHead{}, err
		}
		glog.H(t.log, h.Number).Info("Recorded anchor block", "hash", h.Hash)
		return gevent.NewChainHead{Number: h.Number, Hash: h.Hash, Update: gevent.FastForward}, nil
	}
	if err != nil {
		return gevent.NewChainHead{}, fmt.Errorf("failed to load current head: %w", err)
	}

	unchanged := gevent.NewChainHead{Number: head.Number, Hash: head.Hash, Update: gevent.NoUpdate}

	if h.Hash == head.Hash {
		return unchanged, nil
	}

	parent, err := t.store.LoadBlock(ctx, h.ParentHash)
	if err != nil {
		if errors.Is(err, BlockUnknownError{Hash: h.ParentHash}) {
			return gevent.NewChainHead{}, ParentUnknownError{Number: h.Number, ParentHash: h.ParentHash}
		}
		return gevent.NewChainHead{}, fmt.Errorf("failed to load parent block: %w", err)
	}
	if parent.Number+1 != h.Number {
		return gevent.NewChainHead{}, HeightMismatchError{ParentNumber: parent.Number, Number: h.Number}
	}

	if err := t.store.SaveBlock(ctx, h); err != nil {
		return gevent.NewChainHead{}, fmt.Errorf("failed to save block: %w", err)
	}

	if h.ParentHash == head.Hash {
		if err := t.setCanonical(ctx, h.Number, []gevent.Hash{h.Hash}); err != nil {
			return gevent.NewChainHead{}, err
		}
		return gevent.NewChainHead{Number: h.Number, Hash: h.Hash, Update: gevent.FastForward}, nil
	}

	if h.Number <= head.Number {
		// Recorded, but does not beat the current head.
		return unchanged, nil
	}

	// Walk back from the new block until we reach a canonical ancestor.
	branch := []gevent.Hash{h.Hash}
	cur := parent
	for {
		canon, err := t.canonicalHash(ctx, cur.Number)
		if err == nil && canon == cur.Hash {
			break
		}
		if err != nil && !errors.Is(err, HeightUnknownError{Want: cur.Number}) {
			return gevent.NewChainHead{}, fmt.Errorf("failed to load canonical hash during reorg: %w", err)
		}

		branch = append(branch, cur.Hash)
		next, err := t.store.LoadBlock(ctx, cur.ParentHash)
		if err != nil {
			return gevent.NewChainHead{}, fmt.Errorf("failed to walk back to common ancestor: %w", err)
		}
		cur = next
	}
	fork := cur.Number

	finNum, _, err := t.store.LoadFinalized(ctx)
	if err != nil && !errors.Is(err, ErrStoreUninitialized) {
		return gevent.NewChainHead{}, fmt.Errorf("failed to load finalized head: %w", err)
	}
	if err == nil && fork < finNum {
		glog.H(t.log, h.Number).Info(
			"Ignoring branch that forks below finalized height",
			"hash", h.Hash, "fork_height", fork, "finalized_height", finNum,
		)
		return unchanged, nil
	}

	slices.Reverse(branch)
	if err := t.setCanonical(ctx, fork+1, branch); err != nil {
		return gevent.NewChainHead{}, err
	}

	glog.H(t.log, h.Number).Info(
		"Reorganized canonical chain",
		"hash", h.Hash, "old_head", head.Hash, "fork_height", fork, "depth", head.Number-fork,
	)

	return gevent.NewChainHead{
		Number:     h.Number,
		Hash:       h.Hash,
		Update:     gevent.Reorg,
		ForkNumber: fork,
	}, nil
}

// finalize records number/hash as the finalized head.
// changed is false when the same block was already finalized.
func (t *Task) finalize(ctx context.Context, number uint64, hash gevent.Hash) (
	fin gevent.NewFinalized, changed bool, err error,
) {
	haveNum, haveHash, err := t.store.LoadFinalized(ctx)
	switch {
	case err == nil:
		if number == haveNum && hash == haveHash {
			return fin, false, nil
		}
		if number <= haveNum {
			return fin, false, FinalizedRegressionError{Have: haveNum, Want: number}
		}
	case errors.Is(err, ErrStoreUninitialized):
		// First finalization.
	default:
		return fin, false, fmt.Errorf("failed to load finalized head: %w", err)
	}

	canon, err := t.canonicalHash(ctx, number)
	if err != nil {
		if errors.Is(err, HeightUnknownError{Want: number}) {
			return fin, false, NotCanonicalError{Number: number, Hash: hash}
		}
		return fin, false, fmt.Errorf("failed to load canonical hash: %w", err)
	}
	if canon != hash {
		return fin, false, NotCanonicalError{Number: number, Hash: hash}
	}

	if err := t.store.SaveFinalized(ctx, number, hash); err != nil {
		return fin, false, fmt.Errorf("failed to save finalized head: %w", err)
	}

	glog.H(t.log, number).Info("Recorded finalized block", "hash", hash)
	return gevent.NewFinalized{Number: number, Hash: hash}, true, nil
}

func (t *Task) canonicalHash(ctx context.Context, height uint64) (gevent.Hash, error) {
	if h, ok := t.cache.Get(height); ok {
		return h, nil
	}
	h, err := t.store.CanonicalHash(ctx, height)
	if err != nil {
		return h, err
	}
	t.cache.Add(height, h)
	return h, nil
}

// setCanonical writes the canonical suffix and drops stale cache entries.
func (t *Task) setCanonical(ctx context.Context, fromHeight uint64, hashes []gevent.Hash) error {
	// Purge before writing, so a failed write cannot leave stale entries behind.
	for _, k := range t.cache.Keys() {
		if k >= fromHeight {
			t.cache.Remove(k)
		}
	}

	if err := t.store.SetCanonical(ctx, fromHeight, hashes); err != nil {
		return fmt.Errorf("failed to update canonical chain from height %d: %w", fromHeight, err)
	}
	return nil
}
