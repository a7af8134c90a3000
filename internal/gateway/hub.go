// ABOUTME: Websocket fan-out hub pushing gateway events to subscribed clients.
// ABOUTME: Clients name the sessions they care about; frames are {"event","data"}.

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sendnotif/wagate/internal/event"
	"github.com/sendnotif/wagate/internal/session"
	"github.com/sendnotif/wagate/internal/store"
)

// Sessions is the slice of the orchestrator the hub drives.
type Sessions interface {
	Create(ctx context.Context, in session.CreateInput) (*store.Session, error)
	Connect(ctx context.Context, id string) (*event.SessionPayload, error)
}

// Frame is the wire format in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Hub fans gateway events out to connected websocket clients.
type Hub struct {
	sessions     Sessions
	bus          *event.Bus
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	logger       *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates the hub. A pingInterval of zero means 30 seconds.
func NewHub(sessions Sessions, bus *event.Bus, pingInterval time.Duration, logger *slog.Logger) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: sessions,
		bus:      bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingInterval: pingInterval,
		logger:       logger.With("component", "gateway"),
		clients:      make(map[*Client]struct{}),
	}
}

// Run pumps bus events to clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe(event.All...)
	defer h.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev event.Event) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		h.logger.Error("marshaling event payload", "event", ev.Name, "error", err)
		return
	}
	frame, err := json.Marshal(Frame{Event: string(ev.Name), Data: data})
	if err != nil {
		return
	}

	name := ev.Payload.SessionName()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(name) {
			continue
		}
		select {
		case client.send <- frame:
		default:
			// A client this far behind is not coming back.
			h.logger.Warn("dropping slow websocket client", "client_id", client.id)
			go h.remove(client)
		}
	}
}

// ServeWS upgrades the request and runs the client until it disconnects.
// The client id comes from the ?id= query parameter, or is generated.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		id = uuid.NewString()
	}

	client := &Client{
		id:        id,
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, 32),
		interests: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "client_id", id, "total", total)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		close(client.send)
		client.conn.Close()
		h.logger.Info("websocket client disconnected", "client_id", client.id, "total", total)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.remove(client)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
