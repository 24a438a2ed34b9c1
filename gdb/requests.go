package gdb

import "github.com/gordian-engine/gnode/gevent"

// Request is a message to the database task.
//
// The set of implementations is closed.
// Every request has a Resp channel which must be buffered with capacity one,
// so that the task never blocks on answering.
// If the task stops before answering a request it has already accepted,
// it closes the Resp channel without sending a value.
type Request interface {
	// abandon closes the request's reply channel without a value.
	abandon()
}

// BlockHashGetRequest asks for the canonical hash at Height.
type BlockHashGetRequest struct {
	Height uint64

	Resp chan<- BlockHashGetResponse
}

// BlockHashGetResponse is the answer to a [BlockHashGetRequest].
//
// Found is false when the database has no canonical record at the height;
// the height may be beyond the known chain or before the retained history.
// That is a normal answer, not an error.
type BlockHashGetResponse struct {
	Hash  gevent.Hash
	Found bool
}

// ImportBlockRequest asks the database task to durably record Header
// and to reconsider the best head.
type ImportBlockRequest struct {
	Header gevent.BlockHeader

	Resp chan<- ImportBlockResponse
}

// ImportBlockResponse is the answer to an [ImportBlockRequest].
// If Err is nil, Head is the same value that was emitted on the event channel.
type ImportBlockResponse struct {
	Head gevent.NewChainHead
	Err  error
}

// FinalizeRequest records an externally learned finalized block.
// The block must already be canonical at Number.
type FinalizeRequest struct {
	Number uint64
	Hash   gevent.Hash

	Resp chan<- error
}

// HeadsRequest asks for the current best and finalized heads.
type HeadsRequest struct {
	Resp chan<- HeadsResponse
}

// HeadsResponse is the answer to a [HeadsRequest].
// The HasBest and HasFinalized fields are false on an empty database.
type HeadsResponse struct {
	Best    gevent.BlockHeader
	HasBest bool

	FinalizedNumber uint64
	FinalizedHash   gevent.Hash
	HasFinalized    bool
}

func (r BlockHashGetRequest) abandon() { close(r.Resp) }
func (r ImportBlockRequest) abandon()  { close(r.Resp) }
func (r FinalizeRequest) abandon()     { close(r.Resp) }
func (r HeadsRequest) abandon()        { close(r.Resp) }
