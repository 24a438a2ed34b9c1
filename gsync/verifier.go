package gsync

import (
	"context"

	"github.com/gordian-engine/gnode/gevent"
)

// Verifier checks a block before it is recorded.
// It is the boundary to the block execution engine.
type Verifier interface {
	VerifyBlock(ctx context.Context, h gevent.BlockHeader) error
}

// AcceptAll is a [Verifier] that accepts every block.
type AcceptAll struct{}

func (AcceptAll) VerifyBlock(context.Context, gevent.BlockHeader) error {
	return nil
}

// VerifierFunc adapts a function to the [Verifier] interface.
type VerifierFunc func(ctx context.Context, h gevent.BlockHeader) error

func (f VerifierFunc) VerifyBlock(ctx context.Context, h gevent.BlockHeader) error {
	return f(ctx, h)
}
