// Package gservicetest contains helpers for testing a [gservice.Service]
// in isolation from the real background tasks.
package gservicetest

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/gordian-engine/gnode/gdb"
	"github.com/gordian-engine/gnode/gevent"
	"github.com/gordian-engine/gnode/gservice"
	"github.com/gordian-engine/gnode/internal/gtest"
	"github.com/stretchr/testify/require"
)

// Fixture holds the producer side of every channel a Service consumes,
// so a test can play the part of the background tasks.
type Fixture struct {
	Log *slog.Logger

	Events chan gevent.Event

	DatabaseRequests chan gdb.Request
	DatabaseDone     chan struct{}

	NumConnections *atomic.Uint64
}

// NewFixture returns a Fixture whose event channel holds eventBuffer events.
func NewFixture(t *testing.T, eventBuffer int) *Fixture {
	t.Helper()

	return &Fixture{
		Log: gtest.NewLogger(t),

		Events: make(chan gevent.Event, eventBuffer),

		DatabaseRequests: make(chan gdb.Request, 4),
		DatabaseDone:     make(chan struct{}),

		NumConnections: new(atomic.Uint64),
	}
}

// Config returns a [gservice.Config] wired to f's channels.
func (f *Fixture) Config() gservice.Config {
	return gservice.Config{
		Events:           f.Events,
		DatabaseRequests: f.DatabaseRequests,
		DatabaseDone:     f.DatabaseDone,
		NumConnections:   f.NumConnections,
	}
}

// NewService returns a Service built from f.Config.
func (f *Fixture) NewService(t *testing.T) *gservice.Service {
	t.Helper()

	s, err := gservice.New(f.Log, f.Config())
	require.NoError(t, err)
	return s
}

// ServeBlockHashes answers every [gdb.BlockHashGetRequest] from hashes
// until ctx is canceled.
// Any other request type fails the test.
func (f *Fixture) ServeBlockHashes(t *testing.T, ctx context.Context, hashes map[uint64]gevent.Hash) {
	t.Helper()

	done := make(chan struct{})
	t.Cleanup(func() { <-done })

	go func() {
		defer close(done)

		for {
			select {
			case <-ctx.Done():
				return
			case req := <-f.DatabaseRequests:
				r, ok := req.(gdb.BlockHashGetRequest)
				if !ok {
					t.Errorf("unexpected database request type %T", req)
					return
				}
				h, found := hashes[r.Height]
				r.Resp <- gdb.BlockHashGetResponse{Hash: h, Found: found}
			}
		}
	}()
}

// ExpectBlockHashRequest receives the next database request,
// which must be a [gdb.BlockHashGetRequest].
func (f *Fixture) ExpectBlockHashRequest(t *testing.T) gdb.BlockHashGetRequest {
	t.Helper()

	req := gtest.ReceiveSoon(t, f.DatabaseRequests)
	r, ok := req.(gdb.BlockHashGetRequest)
	require.Truef(t, ok, "expected BlockHashGetRequest, got %T", req)
	return r
}
