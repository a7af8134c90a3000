// ABOUTME: Package store provides persistence for sessions, keyed secrets, and messages.
// ABOUTME: SQLiteStore is the production implementation; the Store interface allows test doubles.

// Package store persists gateway state: sessions with their opaque credential
// blobs, the high-churn keyed-secret table, and message records for
// delivery/read receipt tracking.
package store
