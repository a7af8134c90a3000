// ABOUTME: Enqueues webhook notifications for session and message events.
// ABOUTME: Per-session webhooks come from session attributes; every event also mirrors to the admin endpoint.

package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sendnotif/wagate/internal/event"
	"github.com/sendnotif/wagate/internal/store"
)

// NotifierConfig holds the process-wide admin webhook settings.
type NotifierConfig struct {
	AdminURL    string
	AdminSecret string
}

// Notifier translates gateway events into queue items. Enqueue failures are
// logged and swallowed: a webhook problem must never fail the business
// operation that triggered it.
type Notifier struct {
	queue  Queue
	cfg    NotifierConfig
	logger *slog.Logger
}

// NewNotifier creates a notifier over the queue.
func NewNotifier(queue Queue, cfg NotifierConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AdminSecret == "" {
		cfg.AdminSecret = "default_secret"
	}
	return &Notifier{
		queue:  queue,
		cfg:    cfg,
		logger: logger.With("component", "webhook"),
	}
}

// StatusMessage enqueues a message-status webhook to the session's
// webhook_status URL. Sessions without one configured are skipped.
func (n *Notifier) StatusMessage(ctx context.Context, attrs *store.SessionAttributes, payload *event.MessagePayload) {
	if attrs == nil || attrs.WebhookStatus == "" {
		return
	}
	n.enqueue(ctx, attrs.WebhookStatus, n.sessionSecret(attrs), string(event.MessageUpdated), payload, false)
}

// IncomingMessage enqueues an incoming-message webhook to the session's
// webhook_message URL. Sessions without one configured are skipped.
func (n *Notifier) IncomingMessage(ctx context.Context, attrs *store.SessionAttributes, payload *event.MessagePayload) {
	if attrs == nil || attrs.WebhookMessage == "" {
		return
	}
	n.enqueue(ctx, attrs.WebhookMessage, n.sessionSecret(attrs), string(event.MessageIncoming), payload, false)
}

// AdminMirror enqueues the event to the process-wide admin endpoint,
// independent of any per-session webhook outcome. A gateway without an admin
// URL configured skips the mirror.
func (n *Notifier) AdminMirror(ctx context.Context, name event.Name, payload event.Payload) {
	if n.cfg.AdminURL == "" {
		return
	}
	n.enqueue(ctx, n.cfg.AdminURL, n.cfg.AdminSecret, string(name), payload, true)
}

func (n *Notifier) sessionSecret(attrs *store.SessionAttributes) string {
	if attrs.WebhookSecret != "" {
		return attrs.WebhookSecret
	}
	return n.cfg.AdminSecret
}

func (n *Notifier) enqueue(ctx context.Context, url, secret, eventName string, payload any, isAdmin bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("marshaling webhook payload", "event", eventName, "error", err)
		return
	}

	item := &Item{
		URL:       url,
		Secret:    secret,
		Event:     eventName,
		Payload:   data,
		IsAdmin:   isAdmin,
		CreatedAt: time.Now().Unix(),
	}
	if err := n.queue.Enqueue(ctx, item); err != nil {
		n.logger.Error("enqueuing webhook", "event", eventName, "url", url, "error", err)
	}
}
