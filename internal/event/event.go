// ABOUTME: Closed set of lifecycle and message event names with typed payloads.
// ABOUTME: Every notification in the gateway (webhook, websocket) carries one of these.

package event

import "time"

// Name identifies an event in the closed gateway event set.
type Name string

const (
	SessionCreated      Name = "session.created"
	SessionConnected    Name = "session.connected"
	SessionDisconnected Name = "session.disconnected"
	SessionQRTimeout    Name = "session.qr_timeout"
	SessionQRGenerated  Name = "session.qr_generated"
	SessionSynchronized Name = "session.synchronized"
	SessionRestarted    Name = "session.restarted"
	SessionUpdated      Name = "session.updated"
	SessionDeleted      Name = "session.deleted"
	SessionError        Name = "session.error"
	MessageUpdated      Name = "message.updated"
	MessageIncoming     Name = "message.incoming"
)

// All lists every event name the fan-out gateway subscribes to.
var All = []Name{
	SessionCreated,
	SessionConnected,
	SessionDisconnected,
	SessionQRTimeout,
	SessionQRGenerated,
	SessionSynchronized,
	SessionRestarted,
	SessionUpdated,
	SessionDeleted,
	SessionError,
	MessageUpdated,
	MessageIncoming,
}

// Session status values carried in SessionPayload.Status. They mirror the
// event names minus the "session." prefix.
const (
	StatusCreated      = "created"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusQRTimeout    = "qr_timeout"
	StatusQRGenerated  = "qr_generated"
	StatusSynchronized = "synchronized"
	StatusRestarted    = "restarted"
	StatusUpdated      = "updated"
	StatusDeleted      = "deleted"
	StatusError        = "error"
)

// SessionPayload is an immutable snapshot of one session lifecycle transition.
type SessionPayload struct {
	SessionID string  `json:"session_id"`
	Name      string  `json:"name"`
	Engine    string  `json:"engine"`
	Status    string  `json:"status"`
	QRCodeURL *string `json:"qrCodeUrl,omitempty"`
	Timeout   *int    `json:"timeout,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// MessagePayload describes one message status transition or incoming message.
type MessagePayload struct {
	ID           string  `json:"id"`
	SessionID    string  `json:"session_id"`
	Name         string  `json:"name"`
	Engine       string  `json:"engine"`
	Status       string  `json:"status"`
	To           string  `json:"to"`
	From         string  `json:"from,omitempty"`
	ContentType  string  `json:"content_type,omitempty"`
	Direction    string  `json:"direction,omitempty"`
	Body         string  `json:"body,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	CreatedAt    string  `json:"created_at,omitempty"`
	UpdatedAt    string  `json:"updated_at,omitempty"`
	DeliveredAt  *string `json:"delivered_at,omitempty"`
	ReadAt       *string `json:"read_at,omitempty"`
}

// Payload is implemented by SessionPayload and MessagePayload. SessionName
// lets the fan-out gateway route an event without caring which shape it is.
type Payload interface {
	SessionName() string
}

// SessionName returns the display name of the session the event belongs to.
func (p *SessionPayload) SessionName() string { return p.Name }

// SessionName returns the display name of the session the message belongs to.
func (p *MessagePayload) SessionName() string { return p.Name }

// Stamp returns the timestamp format used in payloads.
func Stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
