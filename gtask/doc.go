// Package gtask owns the lifecycle of the node's background tasks.
//
// A [Supervisor] is the executor handle held by the service:
// every task it starts shares one cancelable context,
// and the service releases them all with [*Supervisor.Stop] and [*Supervisor.Wait].
//
// A [Watchdog] periodically probes tasks that opted in through [*Watchdog.Monitor].
// A task that fails to answer its probe in time cancels the watchdog context,
// which winds down every other task using that context.
package gtask
