// ABOUTME: Tests for the webhook notifier's routing rules.
// ABOUTME: Per-session URLs come from attributes; the admin mirror is independent of them.

package webhook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendnotif/wagate/internal/event"
	"github.com/sendnotif/wagate/internal/store"
)

func drainAll(t *testing.T, q Queue) []*Item {
	t.Helper()
	var items []*Item
	for {
		item, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		if item == nil {
			return items
		}
		items = append(items, item)
	}
}

func TestNotifier_StatusMessageUsesSessionWebhook(t *testing.T) {
	q := NewMemoryQueue()
	n := NewNotifier(q, NotifierConfig{AdminSecret: "admin-secret"}, nil)

	attrs := &store.SessionAttributes{
		WebhookStatus: "https://device.example/hook",
		WebhookSecret: "device-secret",
	}
	n.StatusMessage(context.Background(), attrs, &event.MessagePayload{SessionID: "s1", Status: "delivered"})

	items := drainAll(t, q)
	require.Len(t, items, 1)
	assert.Equal(t, "https://device.example/hook", items[0].URL)
	assert.Equal(t, "device-secret", items[0].Secret)
	assert.Equal(t, string(event.MessageUpdated), items[0].Event)
	assert.False(t, items[0].IsAdmin)
}

func TestNotifier_SkipsWhenNoWebhookConfigured(t *testing.T) {
	q := NewMemoryQueue()
	n := NewNotifier(q, NotifierConfig{}, nil)

	n.StatusMessage(context.Background(), nil, &event.MessagePayload{})
	n.StatusMessage(context.Background(), &store.SessionAttributes{}, &event.MessagePayload{})
	n.IncomingMessage(context.Background(), &store.SessionAttributes{}, &event.MessagePayload{})

	assert.Empty(t, drainAll(t, q))
}

func TestNotifier_SecretFallsBackToAdmin(t *testing.T) {
	q := NewMemoryQueue()
	n := NewNotifier(q, NotifierConfig{AdminSecret: "admin-secret"}, nil)

	attrs := &store.SessionAttributes{WebhookMessage: "https://device.example/msg"}
	n.IncomingMessage(context.Background(), attrs, &event.MessagePayload{SessionID: "s1"})

	items := drainAll(t, q)
	require.Len(t, items, 1)
	assert.Equal(t, "admin-secret", items[0].Secret)
	assert.Equal(t, string(event.MessageIncoming), items[0].Event)
}

func TestNotifier_AdminMirror(t *testing.T) {
	q := NewMemoryQueue()
	n := NewNotifier(q, NotifierConfig{
		AdminURL:    "https://admin.example/hook",
		AdminSecret: "admin-secret",
	}, nil)

	n.AdminMirror(context.Background(), event.SessionConnected, &event.SessionPayload{
		SessionID: "s1", Name: "s1", Status: event.StatusConnected,
	})

	items := drainAll(t, q)
	require.Len(t, items, 1)
	assert.Equal(t, "https://admin.example/hook", items[0].URL)
	assert.True(t, items[0].IsAdmin)
	assert.Equal(t, string(event.SessionConnected), items[0].Event)
}

func TestNotifier_AdminMirrorSkippedWithoutURL(t *testing.T) {
	q := NewMemoryQueue()
	n := NewNotifier(q, NotifierConfig{}, nil)

	n.AdminMirror(context.Background(), event.SessionError, &event.SessionPayload{SessionID: "s1"})
	assert.Empty(t, drainAll(t, q))
}
