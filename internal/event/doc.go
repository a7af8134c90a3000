// ABOUTME: Package event defines the gateway's closed event set and in-process bus.
// ABOUTME: Engines publish lifecycle/message events here; webhook and websocket layers consume them.

// Package event provides typed session and message event payloads and a
// process-wide publish/subscribe bus connecting engines to the webhook
// pipeline and the live-update gateway.
package event
