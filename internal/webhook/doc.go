// ABOUTME: Package webhook delivers at-least-once signed notifications to external subscribers.
// ABOUTME: A durable FIFO queue feeds a polling worker with exponential-backoff retry.

// Package webhook implements the outbound notification pipeline: a durable
// delivery queue, a batch-draining worker that POSTs HMAC-signed payloads,
// and a notifier that maps gateway events onto per-session and admin
// endpoints.
package webhook
