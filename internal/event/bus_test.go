// ABOUTME: Tests for the in-process event bus.
// ABOUTME: Covers filtering, per-subscriber ordering, and best-effort delivery.

package event

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-sub.C:
			events = append(events, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
	return events
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	bus.Publish(SessionCreated, &SessionPayload{Name: "alpha"})
	bus.Publish(MessageIncoming, &MessagePayload{Name: "alpha"})

	events := collect(t, sub, 2)
	assert.Equal(t, SessionCreated, events[0].Name)
	assert.Equal(t, MessageIncoming, events[1].Name)
}

func TestSubscribeFiltersNames(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(SessionConnected)
	defer bus.Unsubscribe(sub)

	bus.Publish(SessionCreated, &SessionPayload{Name: "alpha"})
	bus.Publish(SessionConnected, &SessionPayload{Name: "alpha"})

	events := collect(t, sub, 1)
	assert.Equal(t, SessionConnected, events[0].Name)

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected extra event %s", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPerSubscriberOrdering(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(SessionUpdated)
	defer bus.Unsubscribe(sub)

	const n = 20
	for i := 0; i < n; i++ {
		bus.Publish(SessionUpdated, &SessionPayload{Name: fmt.Sprintf("s%d", i)})
	}

	events := collect(t, sub, n)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("s%d", i), ev.Payload.SessionName())
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(nil)
	slow := bus.Subscribe()
	defer bus.Unsubscribe(slow)
	fast := bus.Subscribe()
	defer bus.Unsubscribe(fast)

	// Overflow the slow subscriber's buffer without reading from it. Publish
	// must never block, and the fast subscriber keeps receiving.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBuffer*3; i++ {
			bus.Publish(SessionUpdated, &SessionPayload{Name: "alpha"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	received := 0
	for received < defaultBuffer {
		select {
		case <-fast.C:
			received++
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber starved after %d events", received)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)

	_, ok := <-sub.C
	require.False(t, ok, "channel must be closed after unsubscribe")

	// Publishing after unsubscribe must not panic.
	bus.Publish(SessionCreated, &SessionPayload{Name: "alpha"})
}
