package gdb

import (
	"errors"
	"fmt"

	"github.com/gordian-engine/gnode/gevent"
)

// ErrStoreUninitialized is returned by [Store] load methods
// when no corresponding value has ever been saved.
var ErrStoreUninitialized = errors.New("uninitialized")

// HeightUnknownError is returned from [Store.CanonicalHash]
// when there is no canonical block at the requested height.
type HeightUnknownError struct {
	Want uint64
}

func (e HeightUnknownError) Error() string {
	return fmt.Sprintf("no canonical block at height %d", e.Want)
}

// BlockUnknownError is returned from [Store.LoadBlock]
// when no block with the given hash has been saved.
type BlockUnknownError struct {
	Hash gevent.Hash
}

func (e BlockUnknownError) Error() string {
	return fmt.Sprintf("unknown block %s", e.Hash)
}

// ParentUnknownError is the import failure for a block
// whose parent has not been recorded.
type ParentUnknownError struct {
	Number     uint64
	ParentHash gevent.Hash
}

func (e ParentUnknownError) Error() string {
	return fmt.Sprintf("parent %s of block at height %d is unknown", e.ParentHash, e.Number)
}

// HeightMismatchError is the import failure for a block
// whose number does not follow its parent's.
type HeightMismatchError struct {
	ParentNumber, Number uint64
}

func (e HeightMismatchError) Error() string {
	return fmt.Sprintf("block at height %d cannot follow parent at height %d", e.Number, e.ParentNumber)
}

// NotCanonicalError is the finalization failure for a block
// that is not canonical at the given height.
type NotCanonicalError struct {
	Number uint64
	Hash   gevent.Hash
}

func (e NotCanonicalError) Error() string {
	return fmt.Sprintf("block %s is not canonical at height %d", e.Hash, e.Number)
}

// FinalizedRegressionError is the finalization failure when
// the requested height is below the already-finalized height,
// or conflicts with the block finalized at the same height.
type FinalizedRegressionError struct {
	Have, Want uint64
}

func (e FinalizedRegressionError) Error() string {
	return fmt.Sprintf("cannot finalize height %d; already finalized height %d", e.Want, e.Have)
}

// CanonicalGapError is returned from [Store.SetCanonical]
// when fromHeight would leave a hole in, or detach from, the existing canonical chain.
// A non-empty canonical chain covering [Low, High) accepts fromHeight in [Low, High].
type CanonicalGapError struct {
	Low, High uint64
	From      uint64
}

func (e CanonicalGapError) Error() string {
	return fmt.Sprintf(
		"canonical chain covers heights [%d, %d); cannot set from height %d",
		e.Low, e.High, e.From,
	)
}
