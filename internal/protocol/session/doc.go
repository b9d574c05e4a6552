// Package session owns the connection lifecycle of transport handles.
//
// Ownership boundary:
// - per-handle state machine (absent -> requesting -> active -> closing -> absent)
// - bounded async-add readiness polling with timeout
// - reference-counted ownership of the shared transport client
// - connect retry/backoff primitives
//
// Locking: each Handle and the Shared owner have their own mutex. Neither is
// held across a transport call that can block or deliver fragments.
package session
