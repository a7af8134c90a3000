// ABOUTME: Tracks the live Connector for each session, handles registration and lookup.
// ABOUTME: The single authoritative map; at most one Connector per session id at any time.

package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/sendnotif/wagate/internal/store"
)

// ErrMissingSessionID indicates a connector was registered without a session id.
var ErrMissingSessionID = errors.New("connector has no session id")

// ErrNotFound indicates no live connector exists for the session.
var ErrNotFound = errors.New("connector not found")

// Connector is the runtime handle to a live engine connection for one
// session. It is never persisted; it exists between a successful connect and
// the matching disconnect/stop.
type Connector struct {
	Engine      string
	Handle      any // engine-native connection object
	SessionID   string
	SessionName string
	IsConnected func() bool

	mu    sync.RWMutex
	attrs *store.SessionAttributes
}

// Live reports whether the connector's liveness predicate passes.
func (c *Connector) Live() bool {
	return c != nil && c.IsConnected != nil && c.IsConnected()
}

// SetAttributes replaces the attribute snapshot. The orchestrator calls this
// from request goroutines while the engine reads on its own goroutine, so
// access goes through the lock.
func (c *Connector) SetAttributes(attrs *store.SessionAttributes) {
	c.mu.Lock()
	c.attrs = attrs
	c.mu.Unlock()
}

// Attributes returns the current attribute snapshot.
func (c *Connector) Attributes() *store.SessionAttributes {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attrs
}

// Registry coordinates all live connectors. Mutations go through the narrow
// operations below; callers never touch the map directly.
type Registry struct {
	connectors map[string]*Connector
	mu         sync.RWMutex
	logger     *slog.Logger
}

// New creates an empty connector registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		connectors: make(map[string]*Connector),
		logger:     logger.With("component", "registry"),
	}
}

// Register stores the connector for its session, replacing any previous
// entry. Engines serialize their own connect/stop, so a replace here means
// the old handle was already torn down.
func (r *Registry) Register(c *Connector) error {
	if c.SessionID == "" {
		return ErrMissingSessionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.connectors[c.SessionID] = c
	r.logger.Info("connector registered",
		"session_id", c.SessionID,
		"name", c.SessionName,
		"engine", c.Engine,
		"total", len(r.connectors),
	)
	return nil
}

// Get returns the live connector for a session. A registered connector whose
// liveness predicate fails is treated as absent, not returned.
func (r *Registry) Get(sessionID string) (*Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.connectors[sessionID]
	if !ok || !c.Live() {
		return nil, ErrNotFound
	}
	return c, nil
}

// Has reports whether any connector, live or not, is registered for the session.
func (r *Registry) Has(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.connectors[sessionID]
	return ok
}

// Unregister removes the connector for a session. Returns true when an entry
// was present.
func (r *Registry) Unregister(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.connectors[sessionID]
	if !ok {
		return false
	}
	delete(r.connectors, sessionID)
	r.logger.Info("connector unregistered",
		"session_id", sessionID,
		"name", c.SessionName,
		"total", len(r.connectors),
	)
	return true
}

// All returns a snapshot of every registered connector.
func (r *Registry) All() []*Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		out = append(out, c)
	}
	return out
}
