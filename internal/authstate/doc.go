// ABOUTME: Package authstate persists per-session credentials and keyed secrets.
// ABOUTME: Writes are serialized per session: distributed lock first, local mutex fallback.

// Package authstate is the credential store. Each session owns a small
// whole-object credential record plus a keyed-secret collection addressed by
// (category, key id) with per-category eviction caps. Writers for the same
// session are serialized across processes when Redis is available and
// in-process otherwise.
package authstate
