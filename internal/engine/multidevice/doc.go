// ABOUTME: Package doc for the multidevice engine.
// ABOUTME: QR pairing, credential sync, and auto-redial over a pluggable transport.

// Package multidevice implements the multidevice connection engine.
//
// The engine owns the connection state machine: it pairs new sessions via QR
// codes, persists credentials and keyed secrets as the upstream pushes them,
// redials after transient drops, and tears everything down on logout. Actual
// wire traffic goes through the Transport interface so the protocol endpoint
// (and the tests) can swap in their own Link implementation.
package multidevice
