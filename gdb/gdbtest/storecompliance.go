package gdbtest

import (
	"context"
	"testing"

	"github.com/gordian-engine/gnode/gdb"
	"github.com/gordian-engine/gnode/gevent"
	"github.com/stretchr/testify/require"
)

// StoreFactory returns a new, empty store.
// The cleanup argument is t.Cleanup, for releasing any resources the store holds.
type StoreFactory func(cleanup func(func())) (gdb.Store, error)

// TestStoreCompliance runs the shared set of tests every [gdb.Store] must pass.
func TestStoreCompliance(t *testing.T, f StoreFactory) {
	t.Run("empty store", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		_, err = s.LoadHead(ctx)
		require.ErrorIs(t, err, gdb.ErrStoreUninitialized)

		_, _, err = s.LoadFinalized(ctx)
		require.ErrorIs(t, err, gdb.ErrStoreUninitialized)

		_, err = s.CanonicalHash(ctx, 0)
		require.ErrorIs(t, err, gdb.HeightUnknownError{Want: 0})

		h := Anchor(0).Hash
		_, err = s.LoadBlock(ctx, h)
		require.ErrorIs(t, err, gdb.BlockUnknownError{Hash: h})
	})

	t.Run("block round trip", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		hs := Chain(5, 2, "a")
		for _, h := range hs {
			require.NoError(t, s.SaveBlock(ctx, h))
		}

		// Saving again is fine.
		require.NoError(t, s.SaveBlock(ctx, hs[1]))

		for _, h := range hs {
			got, err := s.LoadBlock(ctx, h.Hash)
			require.NoError(t, err)
			require.Equal(t, h, got)
		}

		// Saving does not make anything canonical.
		_, err = s.LoadHead(ctx)
		require.ErrorIs(t, err, gdb.ErrStoreUninitialized)
	})

	t.Run("canonical chain from a nonzero anchor", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		hs := Chain(10, 3, "a")
		for _, h := range hs {
			require.NoError(t, s.SaveBlock(ctx, h))
		}
		require.NoError(t, s.SetCanonical(ctx, 10, Hashes(hs)))

		for _, h := range hs {
			got, err := s.CanonicalHash(ctx, h.Number)
			require.NoError(t, err)
			require.Equal(t, h.Hash, got)
		}

		_, err = s.CanonicalHash(ctx, 9)
		require.ErrorIs(t, err, gdb.HeightUnknownError{Want: 9})
		_, err = s.CanonicalHash(ctx, 13)
		require.ErrorIs(t, err, gdb.HeightUnknownError{Want: 13})

		head, err := s.LoadHead(ctx)
		require.NoError(t, err)
		require.Equal(t, hs[2], head)
	})

	t.Run("extending one block at a time", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		hs := Chain(0, 4, "a")
		for _, h := range hs {
			require.NoError(t, s.SaveBlock(ctx, h))
			require.NoError(t, s.SetCanonical(ctx, h.Number, []gevent.Hash{h.Hash}))

			head, err := s.LoadHead(ctx)
			require.NoError(t, err)
			require.Equal(t, h, head)
		}
	})

	t.Run("replacing the canonical suffix", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		// 0 <- 1a <- 2a <- 3a <- 4a
		//   <- 1b <- 2b
		a := Chain(0, 5, "a")
		b := Extend(a[0], 2, "b")
		for _, h := range append(append([]gevent.BlockHeader(nil), a...), b...) {
			require.NoError(t, s.SaveBlock(ctx, h))
		}
		require.NoError(t, s.SetCanonical(ctx, 0, Hashes(a)))

		require.NoError(t, s.SetCanonical(ctx, 1, Hashes(b)))

		got, err := s.CanonicalHash(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, a[0].Hash, got)

		for _, h := range b {
			got, err := s.CanonicalHash(ctx, h.Number)
			require.NoError(t, err)
			require.Equal(t, h.Hash, got)
		}

		// Heights above the new suffix are no longer canonical.
		_, err = s.CanonicalHash(ctx, 3)
		require.ErrorIs(t, err, gdb.HeightUnknownError{Want: 3})
		_, err = s.CanonicalHash(ctx, 4)
		require.ErrorIs(t, err, gdb.HeightUnknownError{Want: 4})

		head, err := s.LoadHead(ctx)
		require.NoError(t, err)
		require.Equal(t, b[1], head)

		// The replaced blocks are still loadable by hash.
		old, err := s.LoadBlock(ctx, a[4].Hash)
		require.NoError(t, err)
		require.Equal(t, a[4], old)
	})

	t.Run("canonical gaps are rejected", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		a := Chain(10, 3, "a")
		for _, h := range a {
			require.NoError(t, s.SaveBlock(ctx, h))
		}
		require.NoError(t, s.SetCanonical(ctx, 10, Hashes(a)))

		// Any other saved block will do; the range is checked, not the linkage.
		far := Anchor(20)
		require.NoError(t, s.SaveBlock(ctx, far))

		err = s.SetCanonical(ctx, 20, []gevent.Hash{far.Hash})
		require.ErrorIs(t, err, gdb.CanonicalGapError{Low: 10, High: 13, From: 20})

		below := Anchor(5)
		require.NoError(t, s.SaveBlock(ctx, below))
		err = s.SetCanonical(ctx, 5, []gevent.Hash{below.Hash})
		require.ErrorIs(t, err, gdb.CanonicalGapError{Low: 10, High: 13, From: 5})

		// Nothing changed.
		head, err := s.LoadHead(ctx)
		require.NoError(t, err)
		require.Equal(t, a[2], head)
		_, err = s.CanonicalHash(ctx, 20)
		require.ErrorIs(t, err, gdb.HeightUnknownError{Want: 20})

		// Directly above the head is still accepted.
		next := Child(a[2], "a")
		require.NoError(t, s.SaveBlock(ctx, next))
		require.NoError(t, s.SetCanonical(ctx, 13, []gevent.Hash{next.Hash}))
	})

	t.Run("finalized round trip", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		hs := Chain(0, 3, "a")

		require.NoError(t, s.SaveFinalized(ctx, 1, hs[1].Hash))
		n, h, err := s.LoadFinalized(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(1), n)
		require.Equal(t, hs[1].Hash, h)

		// Overwrites.
		require.NoError(t, s.SaveFinalized(ctx, 2, hs[2].Hash))
		n, h, err = s.LoadFinalized(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(2), n)
		require.Equal(t, hs[2].Hash, h)
	})
}
