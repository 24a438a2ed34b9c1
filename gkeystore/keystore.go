package gkeystore

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"runtime/trace"

	"github.com/gordian-engine/gnode/internal/gchan"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// Keystore is the keystore task.
// Its kernel goroutine is the only holder of the private key.
type Keystore struct {
	log *slog.Logger

	pub ed25519.PublicKey

	// Set once at construction; handing the libp2p key to the host
	// happens before any other task runs.
	libp2pKey libp2pcrypto.PrivKey

	signRequests chan SignRequest

	done chan struct{}
}

// SignRequest asks the keystore to sign Msg.
// Resp must be buffered.
type SignRequest struct {
	Msg []byte

	Resp chan []byte
}

// New starts a keystore task holding priv.
func New(ctx context.Context, log *slog.Logger, priv ed25519.PrivateKey) (*Keystore, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 private key size")
	}

	lk, err := Libp2pKey(priv)
	if err != nil {
		return nil, err
	}

	k := &Keystore{
		log: log,

		pub:       priv.Public().(ed25519.PublicKey),
		libp2pKey: lk,

		signRequests: make(chan SignRequest),

		done: make(chan struct{}),
	}

	go k.kernel(ctx, priv)

	return k, nil
}

// Wait blocks until the keystore's kernel goroutine has returned.
func (k *Keystore) Wait() {
	<-k.done
}

// PubKey returns the node's public key.
func (k *Keystore) PubKey() ed25519.PublicKey {
	return k.pub
}

// Libp2pKey returns the node's identity in libp2p form.
func (k *Keystore) Libp2pKey() libp2pcrypto.PrivKey {
	return k.libp2pKey
}

// Sign signs msg with the node key.
// It returns false if ctx is canceled or the keystore has stopped.
func (k *Keystore) Sign(ctx context.Context, msg []byte) ([]byte, bool) {
	req := SignRequest{
		Msg:  msg,
		Resp: make(chan []byte, 1),
	}

	select {
	case k.signRequests <- req:
		// Once accepted, the kernel always answers.
		return gchan.RecvC(ctx, k.log, req.Resp, "receiving signature")
	case <-k.done:
		return nil, false
	case <-ctx.Done():
		k.log.Info("Context canceled while making sign request", "cause", context.Cause(ctx))
		return nil, false
	}
}

func (k *Keystore) kernel(ctx context.Context, priv ed25519.PrivateKey) {
	defer close(k.done)

	ctx, task := trace.NewTask(ctx, "gkeystore.Keystore.kernel")
	defer task.End()

	for {
		select {
		case <-ctx.Done():
			k.log.Info("Keystore stopping", "cause", context.Cause(ctx))
			return

		case req := <-k.signRequests:
			sig, err := priv.Sign(nil, req.Msg, crypto.Hash(0))
			if err != nil {
				// Only possible with a non-zero hash option.
				panic(errors.New("BUG: ed25519 signing failed: " + err.Error()))
			}
			req.Resp <- sig
		}
	}
}
