// Package gkeystore contains the keystore task,
// which owns the node's ed25519 identity key.
package gkeystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/blake2b"
)

// KeyFromInsecurePassphrase deterministically derives a key from a passphrase.
// It is only suitable for development networks:
// anyone who knows the passphrase has the key.
func KeyFromInsecurePassphrase(passphrase string) (ed25519.PrivateKey, error) {
	bh, err := blake2b.New(ed25519.SeedSize, nil)
	if err != nil {
		return nil, err
	}
	_, _ = bh.Write([]byte("gnode:network|"))
	_, _ = bh.Write([]byte(passphrase))

	return ed25519.NewKeyFromSeed(bh.Sum(nil)), nil
}

// GenerateKey returns a new random key.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	return priv, err
}

// LoadOrCreateKeyFile reads a hex-encoded ed25519 seed from path.
// If the file does not exist, a new key is generated and its seed written there.
func LoadOrCreateKeyFile(path string) (ed25519.PrivateKey, error) {
	path = filepath.Clean(path)

	b, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(b)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode key file %q: %w", path, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key file %q holds %d bytes; want %d", path, len(seed), ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file %q: %w", path, err)
	}

	priv, err := GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	// O_EXCL so that a concurrently created key is never overwritten.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create key file %q: %w", path, err)
	}
	if _, err := f.WriteString(hex.EncodeToString(priv.Seed()) + "\n"); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to write key file %q: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close key file %q: %w", path, err)
	}

	return priv, nil
}

// Libp2pKey converts priv to a libp2p private key.
func Libp2pKey(priv ed25519.PrivateKey) (libp2pcrypto.PrivKey, error) {
	k, _, err := libp2pcrypto.KeyPairFromStdKey(&priv)
	if err != nil {
		return nil, fmt.Errorf("failed to convert key for libp2p: %w", err)
	}
	return k, nil
}

// PeerID returns the libp2p peer ID for priv.
func PeerID(priv ed25519.PrivateKey) (peer.ID, error) {
	k, err := Libp2pKey(priv)
	if err != nil {
		return "", err
	}
	return peer.IDFromPrivateKey(k)
}
