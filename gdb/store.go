package gdb

import (
	"context"

	"github.com/gordian-engine/gnode/gevent"
)

// Store is the persistence layer owned by the database task.
//
// The database task is the only caller,
// so implementations need not coordinate concurrent writers beyond
// what their own read paths require.
type Store interface {
	// SaveBlock records h, keyed by its hash.
	// Saving an identical header again is not an error.
	SaveBlock(ctx context.Context, h gevent.BlockHeader) error

	// LoadBlock returns the header with the given hash,
	// or a [BlockUnknownError].
	LoadBlock(ctx context.Context, hash gevent.Hash) (gevent.BlockHeader, error)

	// CanonicalHash returns the canonical block hash at height,
	// or a [HeightUnknownError].
	CanonicalHash(ctx context.Context, height uint64) (gevent.Hash, error)

	// SetCanonical atomically replaces the canonical chain from fromHeight upward:
	// hashes[i] becomes canonical at fromHeight+i,
	// and every canonical entry above fromHeight+len(hashes)-1 is removed.
	// On an empty canonical chain any fromHeight is accepted;
	// otherwise fromHeight must be within the chain or directly above its head,
	// or SetCanonical returns a [CanonicalGapError] and changes nothing.
	SetCanonical(ctx context.Context, fromHeight uint64, hashes []gevent.Hash) error

	// LoadHead returns the header of the highest canonical block,
	// or [ErrStoreUninitialized] if no block is canonical.
	LoadHead(ctx context.Context) (gevent.BlockHeader, error)

	// SaveFinalized overwrites the finalized head.
	SaveFinalized(ctx context.Context, height uint64, hash gevent.Hash) error

	// LoadFinalized returns the finalized head,
	// or [ErrStoreUninitialized] if none has been saved.
	LoadFinalized(ctx context.Context) (uint64, gevent.Hash, error)

	Close() error
}
