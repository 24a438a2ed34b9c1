package gmetrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gordian-engine/gnode/gevent"
	"github.com/gordian-engine/gnode/gmetrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestServiceMetrics_Observe(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := gmetrics.NewServiceMetrics(reg)
	require.NoError(t, err)

	m.Observe(gevent.NewChainHead{Number: 5, Update: gevent.FastForward}, 5, 0, 2)
	m.Observe(gevent.NewChainHead{Number: 6, Update: gevent.Reorg}, 6, 0, 2)
	m.Observe(gevent.NewFinalized{Number: 4}, 6, 4, 3)

	expected := `
# HELP gnode_service_best_block_number height of the best block as of the last consumed event
# TYPE gnode_service_best_block_number gauge
gnode_service_best_block_number 6
# HELP gnode_service_events_total number of events consumed, by kind
# TYPE gnode_service_events_total counter
gnode_service_events_total{kind="new_chain_head"} 2
gnode_service_events_total{kind="new_finalized"} 1
# HELP gnode_service_finalized_block_number height of the finalized block as of the last consumed event
# TYPE gnode_service_finalized_block_number gauge
gnode_service_finalized_block_number 4
# HELP gnode_service_network_connections open network connections as of the last consumed event
# TYPE gnode_service_network_connections gauge
gnode_service_network_connections 3
# HELP gnode_service_reorgs_total number of consumed chain head events classified as a reorg
# TYPE gnode_service_reorgs_total counter
gnode_service_reorgs_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
}

func TestNewServiceMetrics_duplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := gmetrics.NewServiceMetrics(reg)
	require.NoError(t, err)

	_, err = gmetrics.NewServiceMetrics(reg)
	require.Error(t, err)
}

func TestServiceMetrics_nil(t *testing.T) {
	t.Parallel()

	var m *gmetrics.ServiceMetrics
	require.NotPanics(t, func() {
		m.Observe(gevent.NewFinalized{}, 0, 0, 0)
	})
}

func TestNewHandler(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := gmetrics.NewServiceMetrics(reg)
	require.NoError(t, err)
	m.Observe(gevent.NewChainHead{Number: 9}, 9, 0, 0)

	srv := httptest.NewServer(gmetrics.NewHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(b), "gnode_service_best_block_number 9")
}
