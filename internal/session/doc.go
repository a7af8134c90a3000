// ABOUTME: Package doc for the session orchestrator.
// ABOUTME: The engine-agnostic lifecycle surface callers go through.

// Package session orchestrates session lifecycles. Every caller-facing
// operation (create, connect, send, stop, force-delete) goes through the
// Service here, which resolves the right engine, keeps concurrent connects
// for one session down to a single attempt, and recovers previously
// connected sessions after a restart.
package session
