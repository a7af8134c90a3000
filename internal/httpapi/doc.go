// ABOUTME: Package doc for the HTTP API.
// ABOUTME: REST session lifecycle, message send, websocket upgrade, health.

// Package httpapi exposes the gateway over HTTP. Session lifecycle routes
// sit behind an API-key check; /health and /ws do not. Responses never carry
// credential material.
package httpapi
