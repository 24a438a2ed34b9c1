package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gordian-engine/gnode/gdb/gdbmem"
	"github.com/gordian-engine/gnode/gevent"
	"github.com/gordian-engine/gnode/gkeystore"
	"github.com/gordian-engine/gnode/gmetrics"
	"github.com/gordian-engine/gnode/gservice"
	"github.com/gordian-engine/gnode/internal/gtest"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNodeIDCmd(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	root := NewRootCmd(gtest.NewLogger(t))
	root.SetOut(&out)
	root.SetArgs([]string{"node-id", "--home", t.TempDir(), "--insecure-passphrase", "pw"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	priv, err := gkeystore.KeyFromInsecurePassphrase("pw")
	require.NoError(t, err)
	want, err := gkeystore.PeerID(priv)
	require.NoError(t, err)

	require.Equal(t, want.String()+"\n", out.String())
}

func TestNodeIDCmd_keyFileIsStable(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	run := func() string {
		var out bytes.Buffer
		root := NewRootCmd(gtest.NewLogger(t))
		root.SetOut(&out)
		root.SetArgs([]string{"node-id", "--home", home})
		require.NoError(t, root.ExecuteContext(context.Background()))
		return out.String()
	}

	first := run()
	require.NotEmpty(t, strings.TrimSpace(first))
	require.Equal(t, first, run())
}

func TestVersionCmd(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	root := NewRootCmd(gtest.NewLogger(t))
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.True(t, strings.HasPrefix(out.String(), "gnode "))
}

func TestStatusBoard(t *testing.T) {
	t.Parallel()

	b := newStatusBoard("node")
	before := b.Load()

	var h gevent.Hash
	h[0] = 1
	addr := multiaddr.StringCast("/ip4/10.0.0.1/tcp/9900")

	b.Update(gservice.Snapshot{BestNumber: 3, BestHash: h, NumNetworkConnections: 2}, gevent.NewNetworkExternalAddress{Address: addr})
	b.Update(gservice.Snapshot{BestNumber: 3, BestHash: h, FinalizedNumber: 1}, gevent.NewFinalized{Number: 1})

	got := b.Load()
	require.Equal(t, "node", got.NodeID)
	require.Equal(t, statusHead{Number: 3, Hash: h}, got.Best)
	require.Equal(t, uint64(1), got.Finalized.Number)
	require.Equal(t, []string{addr.String()}, got.ExternalAddrs)
	require.Equal(t, uint64(2), got.EventsConsumed)

	// Earlier loads are unaffected by later updates.
	require.Zero(t, before.EventsConsumed)
	require.Empty(t, before.ExternalAddrs)
}

func TestRouter(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := gmetrics.NewServiceMetrics(reg)
	require.NoError(t, err)
	m.Observe(gevent.NewFinalized{Number: 4}, 5, 4, 1)

	b := newStatusBoard("node")
	b.Update(gservice.Snapshot{BestNumber: 5, FinalizedNumber: 4}, gevent.NewFinalized{Number: 4})

	srv := httptest.NewServer(newRouter(gtest.NewLogger(t), reg, b))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st nodeStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Equal(t, uint64(5), st.Best.Number)
	require.Equal(t, uint64(4), st.Finalized.Number)

	mResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mResp.Body.Close()
	require.Equal(t, http.StatusOK, mResp.StatusCode)

	var body bytes.Buffer
	_, err = body.ReadFrom(mResp.Body)
	require.NoError(t, err)
	require.Contains(t, body.String(), "gnode_service_finalized_block_number 4")

	pResp, err := http.Post(srv.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	defer pResp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, pResp.StatusCode)
}

func TestDevBlock(t *testing.T) {
	t.Parallel()

	a := devBlock(gevent.Hash{}, 0)
	require.Equal(t, a, devBlock(gevent.Hash{}, 0))
	require.False(t, a.Hash.IsZero())

	b := devBlock(a.Hash, 1)
	require.Equal(t, a.Hash, b.ParentHash)
	require.NotEqual(t, a.Hash, b.Hash)
	require.NotEqual(t, b.Hash, devBlock(a.Hash, 2).Hash)
}

func TestDevChain_drivesService(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := gtest.NewLogger(t)
	svc, err := gservice.Build(ctx, log, gservice.WithStore(gdbmem.NewStore()))
	require.NoError(t, err)
	defer func() { require.NoError(t, svc.Close()) }()

	dc := newDevChain(ctx, log, devChainConfig{
		Importer:      svc.Importer(),
		Lookup:        svc,
		Interval:      time.Millisecond,
		FinalityDepth: 2,
	})
	defer dc.Wait()
	defer cancel()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()

	var prevFinalized uint64
	for svc.FinalizedBlockNumber() < 4 {
		ev, err := svc.NextEvent(waitCtx)
		require.NoError(t, err)

		switch e := ev.(type) {
		case gevent.NewChainHead:
			require.Equal(t, gevent.FastForward, e.Update)
		case gevent.NewFinalized:
			require.GreaterOrEqual(t, e.Number, prevFinalized)
			prevFinalized = e.Number
			require.GreaterOrEqual(t, svc.BestBlockNumber(), e.Number+2)
		}
	}

	// The canonical chain is the synthetic one.
	want := devBlock(gevent.Hash{}, 0)
	got, found, err := svc.BestEffortBlockHash(ctx, 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, want.Hash, got)
}

func TestConsumeEvents_terminated(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := gtest.NewLogger(t)
	svc, err := gservice.Build(ctx, log, gservice.WithStore(gdbmem.NewStore()))
	require.NoError(t, err)

	require.NoError(t, svc.Close())

	err = consumeEvents(ctx, log, svc, newStatusBoard("node"))
	require.True(t, gservice.IsBackgroundTasksTerminated(err))
}

func TestRunCmd_devChainMemoryStore(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := NewRootCmd(gtest.NewLogger(t))
	root.SetArgs([]string{
		"run",
		"--home", t.TempDir(),
		"--store", "memory",
		"--no-network",
		"--http-addr", "",
		"--insecure-passphrase", "pw",
		"--dev-block-interval", "5ms",
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- root.ExecuteContext(ctx)
	}()

	// Running until canceled.
	gtest.NotSendingSoon(t, errCh)

	cancel()
	require.NoError(t, gtest.ReceiveSoon(t, errCh))
}
