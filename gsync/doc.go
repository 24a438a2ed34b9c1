// Package gsync contains the block import task.
//
// The [Importer] sequences already-available blocks into the database task,
// after an optional [Verifier] check,
// and forwards new heads to the network task for announcement.
// Deciding which blocks to fetch is outside this package.
package gsync
