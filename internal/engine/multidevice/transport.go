// ABOUTME: Transport abstraction the multidevice engine drives its connections through.
// ABOUTME: A Link surfaces pairing, liveness, credential, and message events as a single stream.

package multidevice

import (
	"context"
	"time"

	"github.com/sendnotif/wagate/internal/authstate"
)

// LinkEventType enumerates what a Link can report.
type LinkEventType int

const (
	// LinkQR carries a fresh raw pairing code to present to the user.
	LinkQR LinkEventType = iota
	// LinkOpen means the connection is fully live.
	LinkOpen
	// LinkCreds means credential material changed and must be persisted.
	LinkCreds
	// LinkClosed means the connection dropped; LoggedOut distinguishes a
	// remote logout from a transient failure.
	LinkClosed
	// LinkMessage carries an incoming message.
	LinkMessage
	// LinkReceipt carries a delivery/read receipt for a sent message.
	LinkReceipt
)

// IncomingMessage is a message received over the link.
type IncomingMessage struct {
	MessageID   string
	From        string
	ContentType string
	Body        string
}

// Receipt is a delivery or read receipt for a previously sent message.
type Receipt struct {
	MessageID string
	Status    string // store.MessageStatusDelivered or store.MessageStatusRead
	At        time.Time
}

// LinkEvent is one event from the connection stream. Only the fields for its
// Type are set.
type LinkEvent struct {
	Type         LinkEventType
	QR           string
	LoggedOut    bool
	KeyMutations authstate.Mutations
	Message      *IncomingMessage
	Receipt      *Receipt
}

// Link is one live connection. The engine owns it from Dial until Close.
type Link interface {
	// Events returns the connection's event stream. Closed when the link dies.
	Events() <-chan LinkEvent
	// Connected reports current liveness; backs the connector predicate.
	Connected() bool
	// SendText transmits a message and returns its engine-native id.
	SendText(ctx context.Context, to, body string) (string, error)
	// Logout signs the device out remotely, invalidating its credentials.
	Logout(ctx context.Context) error
	// Close tears down the connection without logging out.
	Close() error
}

// Transport dials new links. Production uses the websocket transport; tests
// script one.
type Transport interface {
	Dial(ctx context.Context, creds *authstate.Creds) (Link, error)
}
