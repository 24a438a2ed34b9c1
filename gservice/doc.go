// Package gservice contains the [Service], the node's public facade.
//
// The Service owns the receiving end of the event channel,
// into which every background task reports progress,
// and the sending end of the database request channel.
// It keeps a snapshot of the best head, the finalized head,
// and the network connection count,
// refreshed only as events are consumed through [*Service.NextEvent].
//
// Use [Build] to start the background tasks and get a Service wired to them,
// or [New] to wrap channels that are already connected to running tasks.
package gservice
