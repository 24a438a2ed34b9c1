package gevent_test

import (
	"strings"
	"testing"

	"github.com/gordian-engine/gnode/gevent"
	"github.com/stretchr/testify/require"
)

func TestParseHash(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("ab", gevent.HashSize)
	h, err := gevent.ParseHash(s)
	require.NoError(t, err)
	require.Equal(t, byte(0xab), h[0])
	require.Equal(t, s, h.String())
	require.False(t, h.IsZero())

	_, err = gevent.ParseHash("abcd")
	require.Error(t, err)

	_, err = gevent.ParseHash("zz")
	require.Error(t, err)
}

func TestHash_text(t *testing.T) {
	t.Parallel()

	var h gevent.Hash
	require.True(t, h.IsZero())

	want := gevent.Hash{1, 2, 3}
	b, err := want.MarshalText()
	require.NoError(t, err)

	require.NoError(t, h.UnmarshalText(b))
	require.Equal(t, want, h)
}

func TestKind(t *testing.T) {
	t.Parallel()

	require.Equal(t, "new_chain_head", gevent.Kind(gevent.NewChainHead{}))
	require.Equal(t, "new_finalized", gevent.Kind(gevent.NewFinalized{}))
	require.Equal(t, "block_announce_received", gevent.Kind(gevent.BlockAnnounceReceived{}))
	require.Equal(t, "new_network_external_address", gevent.Kind(gevent.NewNetworkExternalAddress{}))
}

func TestChainHeadUpdate_String(t *testing.T) {
	t.Parallel()

	require.Equal(t, "NoUpdate", gevent.NoUpdate.String())
	require.Equal(t, "FastForward", gevent.FastForward.String())
	require.Equal(t, "Reorg", gevent.Reorg.String())
	require.Equal(t, "ChainHeadUpdate(9)", gevent.ChainHeadUpdate(9).String())
}
