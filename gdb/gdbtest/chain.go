// Package gdbtest contains helpers for testing the gdb package
// and the [gdb.Store] compliance suite.
package gdbtest

import (
	"encoding/binary"

	"github.com/gordian-engine/gnode/gevent"
	"golang.org/x/crypto/blake2b"
)

// Child returns a deterministic header following parent.
// Different branch labels produce different hashes at the same height,
// so tests can build competing forks.
func Child(parent gevent.BlockHeader, branch string) gevent.BlockHeader {
	n := parent.Number + 1
	return gevent.BlockHeader{
		Number:     n,
		Hash:       blockHash(parent.Hash, n, branch),
		ParentHash: parent.Hash,
	}
}

// Anchor returns a deterministic header at the given height
// with a zero parent hash.
func Anchor(number uint64) gevent.BlockHeader {
	return gevent.BlockHeader{
		Number: number,
		Hash:   blockHash(gevent.Hash{}, number, "anchor"),
	}
}

// Chain returns n headers: the anchor at height start followed by n-1 children
// on the given branch.
func Chain(start uint64, n int, branch string) []gevent.BlockHeader {
	if n <= 0 {
		return nil
	}
	out := make([]gevent.BlockHeader, n)
	out[0] = Anchor(start)
	for i := 1; i < n; i++ {
		out[i] = Child(out[i-1], branch)
	}
	return out
}

// Extend returns n headers descending from parent on the given branch.
func Extend(parent gevent.BlockHeader, n int, branch string) []gevent.BlockHeader {
	out := make([]gevent.BlockHeader, n)
	for i := range out {
		parent = Child(parent, branch)
		out[i] = parent
	}
	return out
}

// Hashes returns the hash of each header.
func Hashes(hs []gevent.BlockHeader) []gevent.Hash {
	out := make([]gevent.Hash, len(hs))
	for i, h := range hs {
		out[i] = h.Hash
	}
	return out
}

func blockHash(parent gevent.Hash, number uint64, branch string) gevent.Hash {
	var buf [gevent.HashSize + 8]byte
	copy(buf[:], parent[:])
	binary.BigEndian.PutUint64(buf[gevent.HashSize:], number)

	hasher, err := blake2b.New256([]byte(branch))
	if err != nil {
		// Only possible with a key longer than 64 bytes.
		panic(err)
	}
	_, _ = hasher.Write(buf[:])

	var h gevent.Hash
	copy(h[:], hasher.Sum(nil))
	return h
}
