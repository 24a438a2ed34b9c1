package gnet

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"github.com/gordian-engine/gnode/gevent"
)

// DefaultMaxAnnounceSize is the largest decoded announce body
// accepted when [AnnounceCodec.MaxSize] is zero.
const DefaultMaxAnnounceSize = 1024

const (
	uncompressedHeader byte = 0
	snappyHeader       byte = 1
)

// AnnounceCodec encodes block announcements for the gossip topic.
//
// The encoding is:
//
//  1. A header byte indicating whether the body is snappy compressed.
//  2. A varint length of the maybe-compressed body (see [binary.AppendVarint]).
//  3. The body: the JSON encoded header, compressed only if that saves space.
type AnnounceCodec struct {
	// Decoded bodies larger than MaxSize are rejected.
	// Zero means DefaultMaxAnnounceSize.
	MaxSize int
}

type announceJSON struct {
	Number     uint64      `json:"number"`
	Hash       gevent.Hash `json:"hash"`
	ParentHash gevent.Hash `json:"parent_hash"`
}

func (c AnnounceCodec) maxSize() int {
	if c.MaxSize <= 0 {
		return DefaultMaxAnnounceSize
	}
	return c.MaxSize
}

func (c AnnounceCodec) Encode(h gevent.BlockHeader) ([]byte, error) {
	j, err := json.Marshal(announceJSON{
		Number:     h.Number,
		Hash:       h.Hash,
		ParentHash: h.ParentHash,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal announce: %w", err)
	}
	if len(j) > c.maxSize() {
		return nil, fmt.Errorf("announce body of %d bytes exceeds maximum %d", len(j), c.maxSize())
	}

	header := uncompressedHeader
	body := j
	if z := snappy.Encode(nil, j); len(z) < len(j) {
		header = snappyHeader
		body = z
	}

	out := make([]byte, 0, 1+binary.MaxVarintLen64+len(body))
	out = append(out, header)
	out = binary.AppendVarint(out, int64(len(body)))
	return append(out, body...), nil
}

func (c AnnounceCodec) Decode(b []byte) (gevent.BlockHeader, error) {
	if len(b) == 0 {
		return gevent.BlockHeader{}, errors.New("empty announce")
	}

	header := b[0]
	r := bytes.NewReader(b[1:])
	size, err := binary.ReadVarint(r)
	if err != nil {
		return gevent.BlockHeader{}, fmt.Errorf("failed to read body size: %w", err)
	}
	if size <= 0 || size != int64(r.Len()) {
		return gevent.BlockHeader{}, fmt.Errorf("declared body size %d does not match remaining %d bytes", size, r.Len())
	}
	body := b[len(b)-int(size):]

	switch header {
	case uncompressedHeader:
		if len(body) > c.maxSize() {
			return gevent.BlockHeader{}, fmt.Errorf("announce body of %d bytes exceeds maximum %d", len(body), c.maxSize())
		}
	case snappyHeader:
		n, err := snappy.DecodedLen(body)
		if err != nil {
			return gevent.BlockHeader{}, fmt.Errorf("failed to read decoded length: %w", err)
		}
		if n > c.maxSize() {
			return gevent.BlockHeader{}, fmt.Errorf("decoded announce body of %d bytes exceeds maximum %d", n, c.maxSize())
		}
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return gevent.BlockHeader{}, fmt.Errorf("failed to decompress announce: %w", err)
		}
	default:
		return gevent.BlockHeader{}, fmt.Errorf("unrecognized header byte %x", header)
	}

	var a announceJSON
	if err := json.Unmarshal(body, &a); err != nil {
		return gevent.BlockHeader{}, fmt.Errorf("failed to unmarshal announce: %w", err)
	}
	if a.Hash.IsZero() {
		return gevent.BlockHeader{}, errors.New("announce has zero hash")
	}

	return gevent.BlockHeader{
		Number:     a.Number,
		Hash:       a.Hash,
		ParentHash: a.ParentHash,
	}, nil
}
