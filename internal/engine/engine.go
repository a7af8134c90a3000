// ABOUTME: Engine capability contract: connect, stop, optional reconnect.
// ABOUTME: Every connection engine implements this; the gateway never sees protocol internals.

package engine

import (
	"context"

	"github.com/sendnotif/wagate/internal/event"
	"github.com/sendnotif/wagate/internal/store"
)

// Engine is the uniform capability contract each connection engine
// implements.
//
// Connect suspends until either a scannable pairing artifact is produced, the
// connection becomes fully live, or the pairing window elapses, whichever
// happens first. A successful connect either registers exactly one connector
// or returns a pairing payload, never both. Engine-internal failures resolve
// to an error-status payload; Connect only returns a non-nil error for
// infrastructure problems the caller must see.
//
// Stop tears down the live connection, unregisters the connector, and marks
// the session disconnected.
type Engine interface {
	Name() string
	Connect(ctx context.Context, session *store.Session) (*event.SessionPayload, error)
	Stop(ctx context.Context, sessionID string) error
}

// Reconnector is optionally implemented by engines that can resume an
// existing pairing without a fresh login.
type Reconnector interface {
	Reconnect(ctx context.Context, session *store.Session) (*event.SessionPayload, error)
}

// Sender is optionally implemented by engines that can transmit text
// messages through a live connection.
type Sender interface {
	SendText(ctx context.Context, session *store.Session, to, body string) (*store.Message, error)
}
