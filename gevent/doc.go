// Package gevent defines the vocabulary by which the node's background tasks
// report progress to the [github.com/gordian-engine/gnode/gservice.Service].
//
// Every value sent on the event channel is one of the types in this package
// that satisfy [Event]; the set is closed, so consumers can type-switch exhaustively.
package gevent
