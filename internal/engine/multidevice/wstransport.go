// ABOUTME: Websocket transport for the multidevice engine.
// ABOUTME: Speaks a JSON frame protocol with the upstream broker and adapts it to Link events.

package multidevice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sendnotif/wagate/internal/authstate"
)

// WSTransportConfig configures the upstream broker connection.
type WSTransportConfig struct {
	URL              string        // broker websocket endpoint
	Origin           string        // optional Origin header
	HandshakeTimeout time.Duration // default 20s
	PingInterval     time.Duration // default 25s
	WriteTimeout     time.Duration // default 10s
	AckTimeout       time.Duration // send acknowledgement wait, default 30s
}

func (c *WSTransportConfig) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 20 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
}

// WSTransport dials the upstream multidevice broker over websocket.
type WSTransport struct {
	cfg    WSTransportConfig
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWSTransport creates a transport for the configured broker.
func NewWSTransport(cfg WSTransportConfig, logger *slog.Logger) *WSTransport {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.With("component", "ws-transport"),
	}
}

// frame is the broker wire format, both directions.
type frame struct {
	Type        string                                `json:"type"`
	ID          string                                `json:"id,omitempty"`
	QR          string                                `json:"qr,omitempty"`
	LoggedOut   bool                                  `json:"logged_out,omitempty"`
	Keys        map[string]map[string]json.RawMessage `json:"keys,omitempty"`
	To          string                                `json:"to,omitempty"`
	From        string                                `json:"from,omitempty"`
	Body        string                                `json:"body,omitempty"`
	ContentType string                                `json:"content_type,omitempty"`
	MessageID   string                                `json:"message_id,omitempty"`
	Status      string                                `json:"status,omitempty"`
	At          time.Time                             `json:"at,omitempty"`
	Error       string                                `json:"error,omitempty"`

	// init fields
	RegistrationID uint32 `json:"registration_id,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
	Registered     bool   `json:"registered,omitempty"`
}

// Dial connects to the broker, announces the session's identity and returns
// a live link. The broker answers with either pairing frames or an open
// frame depending on whether the credentials are registered.
func (t *WSTransport) Dial(ctx context.Context, creds *authstate.Creds) (Link, error) {
	header := http.Header{}
	if t.cfg.Origin != "" {
		header.Set("Origin", t.cfg.Origin)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing broker: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing broker: %w", err)
	}

	link := &wsLink{
		conn:    conn,
		cfg:     t.cfg,
		logger:  t.logger,
		events:  make(chan LinkEvent, 32),
		pending: make(map[string]chan frame),
		done:    make(chan struct{}),
	}

	init := frame{
		Type:           "init",
		RegistrationID: creds.RegistrationID,
		DeviceID:       creds.DeviceID,
		Registered:     creds.Registered,
	}
	if err := link.writeFrame(init); err != nil {
		conn.Close()
		return nil, fmt.Errorf("announcing identity: %w", err)
	}

	go link.readLoop()
	go link.pingLoop()
	return link, nil
}

// wsLink is one live broker connection.
type wsLink struct {
	conn   *websocket.Conn
	cfg    WSTransportConfig
	logger *slog.Logger

	events chan LinkEvent
	open   atomic.Bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan frame

	closeOnce sync.Once
	done      chan struct{}
}

func (l *wsLink) Events() <-chan LinkEvent { return l.events }

func (l *wsLink) Connected() bool { return l.open.Load() }

func (l *wsLink) writeFrame(f frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	return l.conn.WriteJSON(f)
}

func (l *wsLink) readLoop() {
	defer close(l.events)

	for {
		var f frame
		if err := l.conn.ReadJSON(&f); err != nil {
			l.open.Store(false)
			select {
			case <-l.done:
				// Closed locally; the engine already moved on.
			default:
				l.logger.Warn("broker connection lost", "error", err)
				l.events <- LinkEvent{Type: LinkClosed}
			}
			return
		}

		switch f.Type {
		case "qr":
			l.events <- LinkEvent{Type: LinkQR, QR: f.QR}

		case "open":
			l.open.Store(true)
			l.events <- LinkEvent{Type: LinkOpen}

		case "creds":
			l.events <- LinkEvent{Type: LinkCreds, KeyMutations: toMutations(f.Keys)}

		case "closed":
			l.open.Store(false)
			l.events <- LinkEvent{Type: LinkClosed, LoggedOut: f.LoggedOut}
			return

		case "message":
			l.events <- LinkEvent{Type: LinkMessage, Message: &IncomingMessage{
				MessageID:   f.MessageID,
				From:        f.From,
				ContentType: f.ContentType,
				Body:        f.Body,
			}}

		case "receipt":
			at := f.At
			if at.IsZero() {
				at = time.Now()
			}
			l.events <- LinkEvent{Type: LinkReceipt, Receipt: &Receipt{
				MessageID: f.MessageID,
				Status:    f.Status,
				At:        at,
			}}

		case "ack":
			l.resolvePending(f)

		default:
			l.logger.Warn("unknown broker frame", "type", f.Type)
		}
	}
}

func (l *wsLink) pingLoop() {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(l.cfg.WriteTimeout)
			if err := l.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// SendText transmits a text frame and waits for the broker's acknowledgement
// carrying the engine-native message id.
func (l *wsLink) SendText(ctx context.Context, to, body string) (string, error) {
	id := uuid.NewString()
	ack := make(chan frame, 1)

	l.pendingMu.Lock()
	l.pending[id] = ack
	l.pendingMu.Unlock()
	defer func() {
		l.pendingMu.Lock()
		delete(l.pending, id)
		l.pendingMu.Unlock()
	}()

	err := l.writeFrame(frame{Type: "send", ID: id, To: to, Body: body, ContentType: "text"})
	if err != nil {
		return "", fmt.Errorf("writing send frame: %w", err)
	}

	timer := time.NewTimer(l.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case f := <-ack:
		if f.Error != "" {
			return "", fmt.Errorf("broker rejected message: %s", f.Error)
		}
		return f.MessageID, nil
	case <-timer.C:
		return "", fmt.Errorf("timed out waiting for send acknowledgement")
	case <-ctx.Done():
		return "", ctx.Err()
	case <-l.done:
		return "", fmt.Errorf("connection closed while sending")
	}
}

func (l *wsLink) resolvePending(f frame) {
	l.pendingMu.Lock()
	ch, ok := l.pending[f.ID]
	l.pendingMu.Unlock()
	if ok {
		select {
		case ch <- f:
		default:
		}
	}
}

// Logout asks the broker to invalidate the registration before closing.
func (l *wsLink) Logout(ctx context.Context) error {
	return l.writeFrame(frame{Type: "logout"})
}

func (l *wsLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.open.Store(false)
		deadline := time.Now().Add(l.cfg.WriteTimeout)
		l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		l.conn.Close()
	})
	return nil
}

func toMutations(keys map[string]map[string]json.RawMessage) authstate.Mutations {
	if len(keys) == 0 {
		return nil
	}
	mutations := make(authstate.Mutations, len(keys))
	for category, entries := range keys {
		m := make(map[string]json.RawMessage, len(entries))
		for id, value := range entries {
			if len(value) == 0 || string(value) == "null" {
				m[id] = nil
				continue
			}
			m[id] = value
		}
		mutations[authstate.Category(category)] = m
	}
	return mutations
}
