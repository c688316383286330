// Package worker drives the per-scope cache lifecycle: install a versioned
// generation from the precache lists, activate it (dropping every other
// version), purge on unregister, and acknowledge background-sync events.
//
// Lifecycle operations on one Registration are serialized. Request serving
// only reads the active generation pointer, so a running install never blocks
// traffic and the previous generation keeps serving until activation swaps it.
package worker
