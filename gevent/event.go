package gevent

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Event is something that happened in one of the node's background tasks.
//
// The set of implementations is closed:
// [NewChainHead], [NewFinalized], [BlockAnnounceReceived], and [NewNetworkExternalAddress].
type Event interface {
	isEvent()
}

// NewChainHead is emitted by the database task after it has durably recorded a block.
//
// Number and Hash are the best head after the block was recorded,
// so a [NoUpdate] event repeats the head that was already known.
type NewChainHead struct {
	Number uint64
	Hash   Hash

	Update ChainHeadUpdate

	// ForkNumber is the height of the common ancestor of the old and new heads.
	// It is only meaningful when Update is [Reorg];
	// canonical blocks above ForkNumber on the old branch are no longer canonical.
	ForkNumber uint64
}

// NewFinalized is emitted when a new irreversible head has been recorded.
type NewFinalized struct {
	Number uint64
	Hash   Hash
}

// BlockAnnounceReceived is emitted when a peer announces a block.
// The announce is informational and does not imply the block was verified.
type BlockAnnounceReceived struct {
	Number uint64
	Hash   Hash

	// The peer that originally published the announce.
	From peer.ID
}

// NewNetworkExternalAddress is emitted when networking discovers
// a new address at which this node is reachable.
type NewNetworkExternalAddress struct {
	// The address, including a /p2p/ suffix with the local peer ID.
	Address multiaddr.Multiaddr
}

func (NewChainHead) isEvent()              {}
func (NewFinalized) isEvent()              {}
func (BlockAnnounceReceived) isEvent()     {}
func (NewNetworkExternalAddress) isEvent() {}

// Kind returns a short stable name for the type of e,
// suitable for metric labels and log fields.
func Kind(e Event) string {
	switch e.(type) {
	case NewChainHead:
		return "new_chain_head"
	case NewFinalized:
		return "new_finalized"
	case BlockAnnounceReceived:
		return "block_announce_received"
	case NewNetworkExternalAddress:
		return "new_network_external_address"
	default:
		panic(fmt.Errorf("BUG: unknown event type %T", e))
	}
}
