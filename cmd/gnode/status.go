package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordian-engine/gnode/gevent"
	"github.com/gordian-engine/gnode/gmetrics"
	"github.com/gordian-engine/gnode/gservice"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

type statusHead struct {
	Number uint64      `json:"number"`
	Hash   gevent.Hash `json:"hash"`
}

// nodeStatus is the JSON document served at /status.
type nodeStatus struct {
	NodeID string `json:"node_id"`

	Best      statusHead `json:"best"`
	Finalized statusHead `json:"finalized"`

	NetworkConnections uint64   `json:"network_connections"`
	ExternalAddrs      []string `json:"external_addrs"`

	EventsConsumed uint64 `json:"events_consumed"`
}

// statusBoard holds the latest published status.
// Only the consumption loop calls Update;
// HTTP handlers read an immutable copy.
type statusBoard struct {
	cur atomic.Pointer[nodeStatus]
}

func newStatusBoard(nodeID string) *statusBoard {
	b := new(statusBoard)
	b.cur.Store(&nodeStatus{NodeID: nodeID, ExternalAddrs: []string{}})
	return b
}

// Update publishes snap, along with ev if it is not nil.
func (b *statusBoard) Update(snap gservice.Snapshot, ev gevent.Event) {
	prev := b.cur.Load()
	next := &nodeStatus{
		NodeID: prev.NodeID,

		Best:      statusHead{Number: snap.BestNumber, Hash: snap.BestHash},
		Finalized: statusHead{Number: snap.FinalizedNumber, Hash: snap.FinalizedHash},

		NetworkConnections: snap.NumNetworkConnections,
		ExternalAddrs:      prev.ExternalAddrs,

		EventsConsumed: prev.EventsConsumed,
	}

	if ev != nil {
		next.EventsConsumed++
		if e, ok := ev.(gevent.NewNetworkExternalAddress); ok {
			addrs := make([]string, len(prev.ExternalAddrs), len(prev.ExternalAddrs)+1)
			copy(addrs, prev.ExternalAddrs)
			next.ExternalAddrs = append(addrs, e.Address.String())
		}
	}

	b.cur.Store(next)
}

func (b *statusBoard) Load() nodeStatus {
	return *b.cur.Load()
}

func newRouter(log *slog.Logger, g prometheus.Gatherer, board *statusBoard) *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", gmetrics.NewHandler(g)).Methods(http.MethodGet)

	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(board.Load()); err != nil {
			log.Debug("Failed to write status response", "err", err)
		}
	}).Methods(http.MethodGet)

	return r
}

type httpServer struct {
	wg sync.WaitGroup
}

// startHTTPServer serves the metrics and status endpoints on addr
// until ctx is canceled.
func startHTTPServer(
	ctx context.Context,
	log *slog.Logger,
	addr string,
	g prometheus.Gatherer,
	board *statusBoard,
) (*httpServer, error) {
	ln, err := new(net.ListenConfig).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %q: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           newRouter(log, g, board),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s := new(httpServer)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("HTTP server stopped", "err", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("Error shutting down HTTP server", "err", err)
		}
	}()

	log.Info("Serving metrics and status", "addr", ln.Addr())
	return s, nil
}

func (s *httpServer) Wait() {
	s.wg.Wait()
}
