// Package gmetrics contains the Prometheus collectors for the service.
package gmetrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gordian-engine/gnode/gevent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "gnode"
	subsystem = "service"

	LabelKind = "kind"
)

// ServiceMetrics tracks what the service has consumed.
//
// A nil *ServiceMetrics is valid and records nothing.
type ServiceMetrics struct {
	bestNumber      prometheus.Gauge
	finalizedNumber prometheus.Gauge
	connections     prometheus.Gauge

	events *prometheus.CounterVec
	reorgs prometheus.Counter
}

// NewServiceMetrics creates the service collectors and registers them with reg.
func NewServiceMetrics(reg prometheus.Registerer) (*ServiceMetrics, error) {
	m := &ServiceMetrics{
		bestNumber: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "best_block_number",
			Help:      "height of the best block as of the last consumed event",
		}),
		finalizedNumber: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "finalized_block_number",
			Help:      "height of the finalized block as of the last consumed event",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "network_connections",
			Help:      "open network connections as of the last consumed event",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "number of events consumed, by kind",
		}, []string{LabelKind}),
		reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reorgs_total",
			Help:      "number of consumed chain head events classified as a reorg",
		}),
	}

	var err error
	for _, c := range []prometheus.Collector{
		m.bestNumber, m.finalizedNumber, m.connections, m.events, m.reorgs,
	} {
		if rErr := reg.Register(c); rErr != nil {
			err = errors.Join(err, rErr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register service metrics: %w", err)
	}

	return m, nil
}

// Observe records a consumed event and the snapshot values after consuming it.
func (m *ServiceMetrics) Observe(ev gevent.Event, bestNumber, finalizedNumber, numConnections uint64) {
	if m == nil {
		return
	}

	m.events.WithLabelValues(gevent.Kind(ev)).Inc()
	if h, ok := ev.(gevent.NewChainHead); ok && h.Update == gevent.Reorg {
		m.reorgs.Inc()
	}

	m.bestNumber.Set(float64(bestNumber))
	m.finalizedNumber.Set(float64(finalizedNumber))
	m.connections.Set(float64(numConnections))
}

// NewHandler returns an HTTP handler exposing every metric in g.
func NewHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
