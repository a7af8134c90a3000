// ABOUTME: Store interface and data types for wagate persistence.
// ABOUTME: Defines Session, AuthKey, Message structs and the Store interface for database operations.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// SessionAttributes holds the freeform per-session settings callers may
// provision. Unknown fields are preserved in Extra so external tooling can
// attach its own metadata without the gateway caring.
type SessionAttributes struct {
	MessageDelay   int    `json:"message_delay,omitempty"`
	WebhookMessage string `json:"webhook_message,omitempty"`
	WebhookStatus  string `json:"webhook_status,omitempty"`
	WebhookSecret  string `json:"webhook_secret,omitempty"`
	Quota          int    `json:"quota,omitempty"`
}

// Session is a logical, named messaging identity connected through exactly
// one engine at a time. AuthState is the opaque credential blob owned by the
// session's engine; it must never leave the process through an API response.
type Session struct {
	ID         string
	Name       string
	Engine     string
	Connected  bool
	Attributes *SessionAttributes
	AuthState  json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AuthKey is one keyed secret row, addressed by (session, category, key id).
// These churn far more often than the credential blob, so they live in their
// own table and are written row-by-row.
type AuthKey struct {
	SessionID string
	Category  string
	KeyID     string
	Value     json.RawMessage
	CreatedAt time.Time
}

// Message direction values.
const (
	DirectionOutgoing = "outgoing"
	DirectionIncoming = "incoming"
)

// Message status values.
const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
)

// Message records one message sent or received through a session, tracked
// for delivery/read receipts and webhook notifications.
type Message struct {
	ID           string
	SessionID    string
	MessageID    string // engine-native message id
	Recipient    string
	Sender       string
	ContentType  string
	Direction    string
	Status       string
	Body         string
	ErrorMessage *string
	DeliveredAt  *time.Time
	ReadAt       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SessionStore defines session persistence operations.
type SessionStore interface {
	// UpsertSession creates a session or, when a session with the same name
	// exists, updates its engine and attributes.
	UpsertSession(ctx context.Context, name, engine string, attrs *SessionAttributes) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByName(ctx context.Context, name string) (*Session, error)
	// UpdateSessionConfig changes engine and/or attributes of an existing session.
	UpdateSessionConfig(ctx context.Context, id string, engine string, attrs *SessionAttributes) (*Session, error)
	// SetSessionConnected flips the connected flag. Disconnecting also clears
	// the credential blob so a future connect starts a fresh pairing.
	SetSessionConnected(ctx context.Context, id string, connected bool) error
	ListConnectedSessions(ctx context.Context) ([]*Session, error)
	// DeleteSession removes the session row; dependent auth keys and
	// messages go with it.
	DeleteSession(ctx context.Context, id string) error
	SaveAuthState(ctx context.Context, id string, state json.RawMessage) error
	GetAuthState(ctx context.Context, id string) (json.RawMessage, error)
}

// AuthKeyStore defines keyed-secret persistence operations.
type AuthKeyStore interface {
	UpsertAuthKey(ctx context.Context, key *AuthKey) error
	DeleteAuthKey(ctx context.Context, sessionID, category, keyID string) error
	ListAuthKeys(ctx context.Context, sessionID string) ([]*AuthKey, error)
	// DeleteAuthKeys removes every keyed secret for a session.
	DeleteAuthKeys(ctx context.Context, sessionID string) error
}

// MessageStore defines message persistence operations.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessageByEngineID(ctx context.Context, sessionID, messageID string) (*Message, error)
	// UpdateMessageStatus sets the status of a message by its engine-native id
	// and stamps delivered_at/read_at as appropriate.
	UpdateMessageStatus(ctx context.Context, sessionID, messageID, status string, at time.Time) error
}

// Store is the full persistence interface used by the gateway.
type Store interface {
	SessionStore
	AuthKeyStore
	MessageStore
	Close() error
}
