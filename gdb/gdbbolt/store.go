// Package gdbbolt contains a [gdb.Store] backed by a bbolt key-value file.
package gdbbolt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/gordian-engine/gnode/gdb"
	"github.com/gordian-engine/gnode/gevent"
	bolt "go.etcd.io/bbolt"
)

var (
	blocksBkt    = []byte("blocks")
	canonicalBkt = []byte("canonical")
	metaBkt      = []byte("meta")

	finalizedKey = []byte("finalized")
)

// Block values are the big-endian number followed by the parent hash.
const blockValueSize = 8 + gevent.HashSize

// Store is a [gdb.Store] backed by bbolt.
//
// Canonical heights are big-endian keys,
// so the last key in the canonical bucket is the head.
type Store struct {
	db *bolt.DB
}

// NewStore opens or creates the bbolt file at path.
// It fails if another process holds the file lock for more than a second.
func NewStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %q: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{blocksBkt, canonicalBkt, metaBkt} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %q: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveBlock(_ context.Context, h gevent.BlockHeader) error {
	var val [blockValueSize]byte
	binary.BigEndian.PutUint64(val[:8], h.Number)
	copy(val[8:], h.ParentHash[:])

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBkt).Put(h.Hash[:], val[:])
	})
}

func (s *Store) LoadBlock(_ context.Context, hash gevent.Hash) (gevent.BlockHeader, error) {
	var h gevent.BlockHeader
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		h, err = loadBlock(tx, hash)
		return err
	})
	return h, err
}

func loadBlock(tx *bolt.Tx, hash gevent.Hash) (gevent.BlockHeader, error) {
	val := tx.Bucket(blocksBkt).Get(hash[:])
	if val == nil {
		return gevent.BlockHeader{}, gdb.BlockUnknownError{Hash: hash}
	}
	if len(val) != blockValueSize {
		return gevent.BlockHeader{}, fmt.Errorf("corrupt block record for %s: length %d", hash, len(val))
	}

	h := gevent.BlockHeader{
		Number: binary.BigEndian.Uint64(val[:8]),
		Hash:   hash,
	}
	copy(h.ParentHash[:], val[8:])
	return h, nil
}

func (s *Store) CanonicalHash(_ context.Context, height uint64) (gevent.Hash, error) {
	var h gevent.Hash
	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(canonicalBkt).Get(heightKey(height))
		if val == nil {
			return gdb.HeightUnknownError{Want: height}
		}

		var err error
		h, err = gevent.HashFromBytes(val)
		return err
	})
	return h, err
}

func (s *Store) SetCanonical(_ context.Context, fromHeight uint64, hashes []gevent.Hash) error {
	if len(hashes) == 0 {
		return errors.New("SetCanonical requires at least one hash")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(blocksBkt)
		for i, h := range hashes {
			if blocks.Get(h[:]) == nil {
				return fmt.Errorf(
					"cannot mark unknown block canonical at height %d: %w",
					fromHeight+uint64(i), gdb.BlockUnknownError{Hash: h},
				)
			}
		}

		canon := tx.Bucket(canonicalBkt)

		if first, _ := canon.Cursor().First(); first != nil {
			last, _ := canon.Cursor().Last()
			low := binary.BigEndian.Uint64(first)
			high := binary.BigEndian.Uint64(last) + 1
			if fromHeight < low || fromHeight > high {
				return gdb.CanonicalGapError{Low: low, High: high, From: fromHeight}
			}
		}

		// Deleting through the cursor is the supported way to delete while iterating.
		c := canon.Cursor()
		for k, _ := c.Seek(heightKey(fromHeight)); k != nil; k, _ = c.Seek(heightKey(fromHeight)) {
			if err := c.Delete(); err != nil {
				return fmt.Errorf("failed to delete canonical entry: %w", err)
			}
		}

		for i, h := range hashes {
			if err := canon.Put(heightKey(fromHeight+uint64(i)), h[:]); err != nil {
				return fmt.Errorf("failed to put canonical entry: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) LoadHead(_ context.Context) (gevent.BlockHeader, error) {
	var h gevent.BlockHeader
	err := s.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(canonicalBkt).Cursor().Last()
		if k == nil {
			return gdb.ErrStoreUninitialized
		}

		hash, err := gevent.HashFromBytes(v)
		if err != nil {
			return fmt.Errorf("corrupt canonical entry at height %d: %w", binary.BigEndian.Uint64(k), err)
		}

		h, err = loadBlock(tx, hash)
		return err
	})
	return h, err
}

func (s *Store) SaveFinalized(_ context.Context, height uint64, hash gevent.Hash) error {
	var val [8 + gevent.HashSize]byte
	binary.BigEndian.PutUint64(val[:8], height)
	copy(val[8:], hash[:])

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBkt).Put(finalizedKey, val[:])
	})
}

func (s *Store) LoadFinalized(_ context.Context) (uint64, gevent.Hash, error) {
	var (
		height uint64
		hash   gevent.Hash
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(metaBkt).Get(finalizedKey)
		if val == nil {
			return gdb.ErrStoreUninitialized
		}
		if len(val) != 8+gevent.HashSize {
			return fmt.Errorf("corrupt finalized record: length %d", len(val))
		}

		height = binary.BigEndian.Uint64(val[:8])
		copy(hash[:], val[8:])
		return nil
	})
	return height, hash, err
}

func heightKey(h uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], h)
	return k[:]
}
