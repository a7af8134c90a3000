// ABOUTME: Package doc for the websocket fan-out gateway.
// ABOUTME: Live session and message events for browser clients.

// Package gateway pushes live gateway events to websocket clients. A client
// subscribes to session names (implicitly by creating a session, or with an
// explicit subscribe frame) and receives every lifecycle and message event
// for those sessions as {"event","data"} frames. Heartbeat pings drop
// clients that stop responding.
package gateway
