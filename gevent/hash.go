package gevent

import (
	"encoding/hex"
	"fmt"
	"log/slog"
)

// HashSize is the length in bytes of a block hash.
const HashSize = 32

// Hash is a block hash.
type Hash [HashSize]byte

// HashFromBytes copies b into a Hash.
// It returns an error if b is not exactly [HashSize] bytes.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes; got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash decodes a hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("failed to decode hash %q: %w", s, err)
	}
	return HashFromBytes(b)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) LogValue() slog.Value {
	return slog.StringValue(h.String())
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	p, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = p
	return nil
}

// BlockHeader is the minimal identity of a block that the database task records.
// Block bodies and state are the execution engine's concern.
type BlockHeader struct {
	Number     uint64
	Hash       Hash
	ParentHash Hash
}
