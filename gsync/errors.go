package gsync

import (
	"errors"
	"fmt"

	"github.com/gordian-engine/gnode/gevent"
)

// ErrDatabaseStopped is returned when the database task
// stopped before answering an import or finalize request.
var ErrDatabaseStopped = errors.New("database task stopped")

// ErrImporterStopped is returned when the importer's kernel
// is no longer running.
var ErrImporterStopped = errors.New("importer stopped")

// VerificationError is returned from [*Importer.ImportBlock]
// when the [Verifier] rejects a block.
type VerificationError struct {
	Number uint64
	Hash   gevent.Hash

	Err error
}

func (e VerificationError) Error() string {
	return fmt.Sprintf("block %s at height %d failed verification: %v", e.Hash, e.Number, e.Err)
}

func (e VerificationError) Unwrap() error {
	return e.Err
}
