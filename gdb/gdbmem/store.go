// Package gdbmem contains an in-memory implementation of [gdb.Store].
package gdbmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordian-engine/gnode/gdb"
	"github.com/gordian-engine/gnode/gevent"
)

// Store is an in-memory [gdb.Store].
// It is intended for tests and development nodes.
type Store struct {
	mu sync.RWMutex

	blocks map[gevent.Hash]gevent.BlockHeader

	// canonical[i] is the canonical hash at height base+i.
	base      uint64
	canonical []gevent.Hash

	hasFinalized  bool
	finalizedNum  uint64
	finalizedHash gevent.Hash
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		blocks: make(map[gevent.Hash]gevent.BlockHeader),
	}
}

func (s *Store) SaveBlock(_ context.Context, h gevent.BlockHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocks[h.Hash] = h
	return nil
}

func (s *Store) LoadBlock(_ context.Context, hash gevent.Hash) (gevent.BlockHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.blocks[hash]
	if !ok {
		return gevent.BlockHeader{}, gdb.BlockUnknownError{Hash: hash}
	}
	return h, nil
}

func (s *Store) CanonicalHash(_ context.Context, height uint64) (gevent.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.canonical) == 0 || height < s.base || height-s.base >= uint64(len(s.canonical)) {
		return gevent.Hash{}, gdb.HeightUnknownError{Want: height}
	}
	return s.canonical[height-s.base], nil
}

func (s *Store) SetCanonical(_ context.Context, fromHeight uint64, hashes []gevent.Hash) error {
	if len(hashes) == 0 {
		return fmt.Errorf("SetCanonical requires at least one hash")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, h := range hashes {
		if _, ok := s.blocks[h]; !ok {
			return fmt.Errorf("cannot mark unknown block canonical at height %d: %w", fromHeight+uint64(i), gdb.BlockUnknownError{Hash: h})
		}
	}

	if len(s.canonical) == 0 {
		s.base = fromHeight
		s.canonical = append([]gevent.Hash(nil), hashes...)
		return nil
	}

	if fromHeight < s.base || fromHeight > s.base+uint64(len(s.canonical)) {
		return gdb.CanonicalGapError{
			Low:  s.base,
			High: s.base + uint64(len(s.canonical)),
			From: fromHeight,
		}
	}

	s.canonical = append(s.canonical[:fromHeight-s.base], hashes...)
	return nil
}

func (s *Store) LoadHead(_ context.Context) (gevent.BlockHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.canonical) == 0 {
		return gevent.BlockHeader{}, gdb.ErrStoreUninitialized
	}
	return s.blocks[s.canonical[len(s.canonical)-1]], nil
}

func (s *Store) SaveFinalized(_ context.Context, height uint64, hash gevent.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hasFinalized = true
	s.finalizedNum = height
	s.finalizedHash = hash
	return nil
}

func (s *Store) LoadFinalized(_ context.Context) (uint64, gevent.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasFinalized {
		return 0, gevent.Hash{}, gdb.ErrStoreUninitialized
	}
	return s.finalizedNum, s.finalizedHash, nil
}

func (s *Store) Close() error {
	return nil
}
