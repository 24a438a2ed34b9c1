// Package gdb contains the database task and the request types used to talk to it.
//
// The database task is a single goroutine that exclusively owns a [Store].
// Other goroutines never touch the store directly;
// they send a [Request] on the bounded request channel,
// and each request carries its own reply channel that is answered exactly once.
//
// When the task records a new head or a new finalized block,
// it reports that on the event channel as a [gevent.NewChainHead] or [gevent.NewFinalized].
package gdb
