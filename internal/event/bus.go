// ABOUTME: In-process typed publish/subscribe bus over the closed event set.
// ABOUTME: Per-subscriber buffered channels preserve emission order; delivery is best-effort.

package event

import (
	"log/slog"
	"sync"
)

// defaultBuffer is the per-subscriber channel depth. A subscriber that falls
// this far behind starts losing events rather than blocking publishers.
const defaultBuffer = 64

// Event pairs a name with its payload as delivered to subscribers.
type Event struct {
	Name    Name
	Payload Payload
}

// Subscription is one subscriber's ordered event stream.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	names map[Name]bool
}

// wants reports whether the subscription covers the given event name.
// An empty name set means subscribe-to-everything.
func (s *Subscription) wants(name Name) bool {
	if len(s.names) == 0 {
		return true
	}
	return s.names[name]
}

// Bus is a process-wide typed event bus. The zero value is not usable;
// construct with NewBus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.With("component", "eventbus"),
	}
}

// Subscribe registers a subscriber for the given event names. With no names
// the subscriber receives every event. The returned subscription must be
// released with Unsubscribe when no longer needed.
func (b *Bus) Subscribe(names ...Name) *Subscription {
	ch := make(chan Event, defaultBuffer)
	sub := &Subscription{
		C:     ch,
		ch:    ch,
		names: make(map[Name]bool, len(names)),
	}
	for _, n := range names {
		sub.names[n] = true
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish delivers the event to every interested subscriber. A subscriber
// whose buffer is full misses the event; publishers never block.
func (b *Bus) Publish(name Name, payload Payload) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.wants(name) {
			continue
		}
		select {
		case sub.ch <- Event{Name: name, Payload: payload}:
		default:
			b.logger.Warn("subscriber buffer full, dropping event", "event", string(name))
		}
	}
}
