// ABOUTME: Package registry owns the in-memory map of live session connectors.
// ABOUTME: Lookups check the connector's liveness predicate so zombies are never returned.

// Package registry tracks the single live connector per session. Connectors
// are runtime-only: created on successful connect, removed on
// disconnect/stop/crash cleanup.
package registry
