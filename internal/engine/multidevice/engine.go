// ABOUTME: Multidevice connection engine: pairing, credential persistence, auto-redial.
// ABOUTME: Implements the uniform engine state machine over an injectable transport.

package multidevice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/sendnotif/wagate/internal/authstate"
	"github.com/sendnotif/wagate/internal/event"
	"github.com/sendnotif/wagate/internal/registry"
	"github.com/sendnotif/wagate/internal/store"
	"github.com/sendnotif/wagate/internal/webhook"
)

// EngineName is the name sessions select this engine by.
const EngineName = "multidevice"

// Config tunes pairing and reconnect behavior. Zero values take defaults.
type Config struct {
	QRTimeout      time.Duration // pairing window, default 60s
	MaxQRAttempts  int           // pairing codes before giving up, default 1
	ReconnectDelay time.Duration // redial delay after a transient drop, default 5s
	MaxReconnects  int           // redials before declaring the session dead, default 5
}

func (c *Config) applyDefaults() {
	if c.QRTimeout <= 0 {
		c.QRTimeout = 60 * time.Second
	}
	if c.MaxQRAttempts <= 0 {
		c.MaxQRAttempts = 1
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
}

// Engine drives multidevice connections. One instance serves every session
// configured with this engine name.
type Engine struct {
	db        store.Store
	registry  *registry.Registry
	bus       *event.Bus
	notifier  *webhook.Notifier
	locks     *authstate.SessionLocks
	transport Transport
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	links   map[string]Link
	redials map[string]int
}

// New creates the engine.
func New(db store.Store, reg *registry.Registry, bus *event.Bus, notifier *webhook.Notifier, locks *authstate.SessionLocks, transport Transport, cfg Config, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:        db,
		registry:  reg,
		bus:       bus,
		notifier:  notifier,
		locks:     locks,
		transport: transport,
		cfg:       cfg,
		logger:    logger.With("component", "engine", "engine", EngineName),
		links:     make(map[string]Link),
		redials:   make(map[string]int),
	}
}

// Name returns the engine's registry name.
func (e *Engine) Name() string { return EngineName }

// Connect establishes a connection for the session. It suspends until the
// first pairing code is produced, the connection goes live, or the pairing
// window elapses. Failures resolve to an error-status payload; the
// orchestrator must never crash because one session's connect blew up.
func (e *Engine) Connect(ctx context.Context, session *store.Session) (*event.SessionPayload, error) {
	auth := authstate.New(e.db, e.locks, session.ID, e.logger)
	creds, err := auth.Load(ctx)
	if err != nil {
		e.logger.Error("loading credentials", "session_id", session.ID, "error", err)
		return e.emitError(ctx, session, "failed to load credentials"), nil
	}

	// Tear down any previous link for this session before dialing anew.
	e.mu.Lock()
	if old, ok := e.links[session.ID]; ok {
		delete(e.links, session.ID)
		old.Close()
		e.logger.Warn("closed stale link before reconnect", "session_id", session.ID)
	}
	e.mu.Unlock()

	link, err := e.transport.Dial(ctx, creds)
	if err != nil {
		e.logger.Error("transport dial failed", "session_id", session.ID, "error", err)
		return e.emitError(ctx, session, "failed to open connection"), nil
	}

	e.mu.Lock()
	e.links[session.ID] = link
	e.mu.Unlock()

	result := make(chan *event.SessionPayload, 1)
	go e.run(session, auth, link, result)

	select {
	case payload := <-result:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run owns the link's event stream for its whole life, which usually
// outlasts the Connect call that started it.
func (e *Engine) run(session *store.Session, auth *authstate.Store, link Link, result chan<- *event.SessionPayload) {
	ctx := context.Background()
	resolve := func(p *event.SessionPayload) {
		select {
		case result <- p:
		default:
		}
	}

	qrTimer := time.NewTimer(e.cfg.QRTimeout)
	defer qrTimer.Stop()
	attempts := 0

	for {
		select {
		case <-qrTimer.C:
			e.logger.Warn("pairing window elapsed", "session_id", session.ID)
			e.detachLink(session.ID, link)
			link.Close()
			resolve(e.emitQRTimeout(ctx, session))
			return

		case ev, ok := <-link.Events():
			if !ok {
				e.handleClosed(ctx, session, auth, link, false, resolve)
				return
			}

			switch ev.Type {
			case LinkQR:
				attempts++
				if attempts > e.cfg.MaxQRAttempts {
					e.logger.Warn("max pairing attempts exceeded",
						"session_id", session.ID, "attempts", attempts)
					e.detachLink(session.ID, link)
					link.Close()
					resolve(e.emitQRTimeout(ctx, session))
					return
				}
				resolve(e.emitQR(ctx, session, ev.QR, attempts))

			case LinkOpen:
				qrTimer.Stop()
				e.handleOpen(ctx, session, link, resolve)

			case LinkCreds:
				e.handleCreds(ctx, session, auth, ev.KeyMutations)

			case LinkClosed:
				e.handleClosed(ctx, session, auth, link, ev.LoggedOut, resolve)
				return

			case LinkMessage:
				e.handleIncoming(ctx, session, ev.Message)

			case LinkReceipt:
				e.handleReceipt(ctx, session, ev.Receipt)
			}
		}
	}
}

func (e *Engine) handleOpen(ctx context.Context, session *store.Session, link Link, resolve func(*event.SessionPayload)) {
	e.mu.Lock()
	delete(e.redials, session.ID)
	e.mu.Unlock()

	if err := e.db.SetSessionConnected(ctx, session.ID, true); err != nil {
		e.logger.Error("marking session connected", "session_id", session.ID, "error", err)
	}

	connector := &registry.Connector{
		Engine:      EngineName,
		Handle:      link,
		SessionID:   session.ID,
		SessionName: session.Name,
		IsConnected: link.Connected,
	}
	connector.SetAttributes(session.Attributes)
	if err := e.registry.Register(connector); err != nil {
		e.logger.Error("registering connector", "session_id", session.ID, "error", err)
	}
	e.logger.Info("session connected", "session_id", session.ID, "name", session.Name)

	payload := e.sessionPayload(session, event.StatusConnected)
	e.bus.Publish(event.SessionConnected, payload)
	e.notifier.AdminMirror(ctx, event.SessionConnected, payload)
	resolve(payload)
}

func (e *Engine) handleCreds(ctx context.Context, session *store.Session, auth *authstate.Store, mutations authstate.Mutations) {
	if err := auth.SaveCreds(ctx); err != nil {
		e.logger.Error("saving credentials", "session_id", session.ID, "error", err)
		return
	}
	if len(mutations) > 0 {
		if err := auth.SetKeys(ctx, mutations); err != nil {
			e.logger.Error("saving keys", "session_id", session.ID, "error", err)
			return
		}
	}

	payload := e.sessionPayload(session, event.StatusSynchronized)
	e.bus.Publish(event.SessionSynchronized, payload)
	e.notifier.AdminMirror(ctx, event.SessionSynchronized, payload)
}

// handleClosed runs when the link dies. A transient drop schedules a redial
// after a fixed delay with no state transition; a logout or exhausted redial
// budget moves the session to disconnected and clears its credentials.
func (e *Engine) handleClosed(ctx context.Context, session *store.Session, auth *authstate.Store, link Link, loggedOut bool, resolve func(*event.SessionPayload)) {
	if !e.detachLink(session.ID, link) {
		// Stop or a newer Connect already took over this session.
		return
	}

	if !loggedOut {
		e.mu.Lock()
		e.redials[session.ID]++
		n := e.redials[session.ID]
		e.mu.Unlock()

		if n <= e.cfg.MaxReconnects {
			e.logger.Warn("connection dropped, scheduling redial",
				"session_id", session.ID, "attempt", n, "delay", e.cfg.ReconnectDelay.String())
			time.AfterFunc(e.cfg.ReconnectDelay, func() {
				fresh, err := e.db.GetSession(context.Background(), session.ID)
				if err != nil {
					e.logger.Error("reloading session for redial", "session_id", session.ID, "error", err)
					return
				}
				if _, err := e.Connect(context.Background(), fresh); err != nil {
					e.logger.Error("redial failed", "session_id", session.ID, "error", err)
				}
			})
			resolve(e.emitError(ctx, session, "connection dropped, reconnecting"))
			return
		}
		e.logger.Error("redial budget exhausted", "session_id", session.ID, "attempts", n)
	}

	e.registry.Unregister(session.ID)
	if err := auth.Purge(ctx); err != nil {
		e.logger.Error("purging credentials", "session_id", session.ID, "error", err)
	}
	if err := e.db.SetSessionConnected(ctx, session.ID, false); err != nil {
		e.logger.Error("marking session disconnected", "session_id", session.ID, "error", err)
	}
	e.logger.Warn("session logged out", "session_id", session.ID)

	payload := e.sessionPayload(session, event.StatusDisconnected)
	e.bus.Publish(event.SessionDisconnected, payload)
	e.notifier.AdminMirror(ctx, event.SessionDisconnected, payload)
	resolve(payload)
}

func (e *Engine) handleIncoming(ctx context.Context, session *store.Session, msg *IncomingMessage) {
	if msg == nil {
		return
	}

	record := &store.Message{
		SessionID:   session.ID,
		MessageID:   msg.MessageID,
		Recipient:   session.Name,
		Sender:      msg.From,
		ContentType: msg.ContentType,
		Direction:   store.DirectionIncoming,
		Status:      store.MessageStatusDelivered,
		Body:        msg.Body,
	}
	if err := e.db.SaveMessage(ctx, record); err != nil {
		e.logger.Error("saving incoming message", "session_id", session.ID, "error", err)
	}

	payload := &event.MessagePayload{
		ID:          record.ID,
		SessionID:   session.ID,
		Name:        session.Name,
		Engine:      EngineName,
		Status:      record.Status,
		To:          record.Recipient,
		From:        msg.From,
		ContentType: msg.ContentType,
		Direction:   store.DirectionIncoming,
		Body:        msg.Body,
		CreatedAt:   event.Stamp(record.CreatedAt),
	}
	e.bus.Publish(event.MessageIncoming, payload)
	e.notifier.IncomingMessage(ctx, e.currentAttributes(session), payload)
	e.notifier.AdminMirror(ctx, event.MessageIncoming, payload)
}

func (e *Engine) handleReceipt(ctx context.Context, session *store.Session, receipt *Receipt) {
	if receipt == nil {
		return
	}

	err := e.db.UpdateMessageStatus(ctx, session.ID, receipt.MessageID, receipt.Status, receipt.At)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		e.logger.Error("updating message status",
			"session_id", session.ID, "message_id", receipt.MessageID, "error", err)
		return
	}

	msg, err := e.db.GetMessageByEngineID(ctx, session.ID, receipt.MessageID)
	if err != nil {
		return
	}

	payload := messagePayload(session, msg)
	e.bus.Publish(event.MessageUpdated, payload)
	e.notifier.StatusMessage(ctx, e.currentAttributes(session), payload)
	e.notifier.AdminMirror(ctx, event.MessageUpdated, payload)
}

// Stop logs the session out and tears down its connector.
func (e *Engine) Stop(ctx context.Context, sessionID string) error {
	connector, err := e.registry.Get(sessionID)
	if err != nil {
		return err
	}

	link, _ := connector.Handle.(Link)
	if link != nil {
		// Detach first so the run loop's close event doesn't double-handle.
		e.detachLink(sessionID, link)
		if err := link.Logout(ctx); err != nil {
			e.logger.Warn("logout failed", "session_id", sessionID, "error", err)
		}
		link.Close()
	}

	e.registry.Unregister(sessionID)

	auth := authstate.New(e.db, e.locks, sessionID, e.logger)
	if err := auth.Purge(ctx); err != nil {
		e.logger.Error("purging credentials on stop", "session_id", sessionID, "error", err)
	}
	if err := e.db.SetSessionConnected(ctx, sessionID, false); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("marking session disconnected: %w", err)
	}

	session, err := e.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil
	}

	payload := e.sessionPayload(session, event.StatusDisconnected)
	e.bus.Publish(event.SessionDisconnected, payload)
	e.notifier.AdminMirror(ctx, event.SessionDisconnected, payload)
	return nil
}

// SendText transmits a text message through the session's live link and
// records it for receipt tracking.
func (e *Engine) SendText(ctx context.Context, session *store.Session, to, body string) (*store.Message, error) {
	connector, err := e.registry.Get(session.ID)
	if err != nil {
		return nil, err
	}
	link, ok := connector.Handle.(Link)
	if !ok {
		return nil, fmt.Errorf("connector for session %s holds no link", session.ID)
	}

	if delay := e.currentAttributes(session); delay != nil && delay.MessageDelay > 0 {
		select {
		case <-time.After(time.Duration(delay.MessageDelay) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	messageID, err := link.SendText(ctx, to, body)
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	record := &store.Message{
		SessionID:   session.ID,
		MessageID:   messageID,
		Recipient:   to,
		ContentType: "text",
		Direction:   store.DirectionOutgoing,
		Status:      store.MessageStatusSent,
		Body:        body,
	}
	if err := e.db.SaveMessage(ctx, record); err != nil {
		return nil, fmt.Errorf("recording message: %w", err)
	}
	return record, nil
}

// detachLink removes the link from the active map only when it is still the
// current one. Returns false when a newer link (or Stop) already replaced it.
func (e *Engine) detachLink(sessionID string, link Link) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, ok := e.links[sessionID]
	if !ok || current != link {
		return false
	}
	delete(e.links, sessionID)
	return true
}

func (e *Engine) currentAttributes(session *store.Session) *store.SessionAttributes {
	if connector, err := e.registry.Get(session.ID); err == nil {
		if attrs := connector.Attributes(); attrs != nil {
			return attrs
		}
	}
	return session.Attributes
}

func (e *Engine) sessionPayload(session *store.Session, status string) *event.SessionPayload {
	return &event.SessionPayload{
		SessionID: session.ID,
		Name:      session.Name,
		Engine:    EngineName,
		Status:    status,
		Timestamp: event.Stamp(time.Now()),
	}
}

func (e *Engine) emitQR(ctx context.Context, session *store.Session, qr string, attempt int) *event.SessionPayload {
	url, err := qrDataURL(qr)
	if err != nil {
		e.logger.Error("generating pairing code image", "session_id", session.ID, "error", err)
		return e.emitError(ctx, session, "failed to generate pairing code")
	}
	e.logger.Info("pairing code generated", "session_id", session.ID, "attempt", attempt)

	timeout := int(e.cfg.QRTimeout.Seconds()) - 3 // client-side display margin
	if timeout < 1 {
		timeout = 1
	}
	payload := e.sessionPayload(session, event.StatusQRGenerated)
	payload.QRCodeURL = &url
	payload.Timeout = &timeout

	e.bus.Publish(event.SessionQRGenerated, payload)
	e.notifier.AdminMirror(ctx, event.SessionQRGenerated, payload)
	return payload
}

func (e *Engine) emitQRTimeout(ctx context.Context, session *store.Session) *event.SessionPayload {
	payload := e.sessionPayload(session, event.StatusQRTimeout)
	e.bus.Publish(event.SessionQRTimeout, payload)
	e.notifier.AdminMirror(ctx, event.SessionQRTimeout, payload)
	return payload
}

func (e *Engine) emitError(ctx context.Context, session *store.Session, message string) *event.SessionPayload {
	payload := e.sessionPayload(session, event.StatusError)
	payload.Message = message
	e.bus.Publish(event.SessionError, payload)
	e.notifier.AdminMirror(ctx, event.SessionError, payload)
	return payload
}

func messagePayload(session *store.Session, msg *store.Message) *event.MessagePayload {
	payload := &event.MessagePayload{
		ID:           msg.ID,
		SessionID:    session.ID,
		Name:         session.Name,
		Engine:       EngineName,
		Status:       msg.Status,
		To:           msg.Recipient,
		From:         msg.Sender,
		ContentType:  msg.ContentType,
		Direction:    msg.Direction,
		ErrorMessage: msg.ErrorMessage,
		CreatedAt:    event.Stamp(msg.CreatedAt),
		UpdatedAt:    event.Stamp(msg.UpdatedAt),
	}
	if msg.DeliveredAt != nil {
		s := event.Stamp(*msg.DeliveredAt)
		payload.DeliveredAt = &s
	}
	if msg.ReadAt != nil {
		s := event.Stamp(*msg.ReadAt)
		payload.ReadAt = &s
	}
	return payload
}

func qrDataURL(qr string) (string, error) {
	png, err := qrcode.Encode(qr, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("encoding pairing code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
