// ABOUTME: One websocket client: read pump, write pump, interest set.
// ABOUTME: Handles session.create and session.subscribe frames from the browser.

package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sendnotif/wagate/internal/session"
	"github.com/sendnotif/wagate/internal/store"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096

	// pongGrace covers network and write-scheduling latency on top of the
	// heartbeat interval a peer gets to answer a ping in.
	pongGrace = time.Second
)

// Client is one connected websocket peer.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu        sync.RWMutex
	interests map[string]struct{}
}

// createRequest is the data of a session.create frame.
type createRequest struct {
	Name       string                   `json:"name"`
	Engine     string                   `json:"engine"`
	Attributes *store.SessionAttributes `json:"attributes,omitempty"`
}

// subscribeRequest is the data of a session.subscribe frame.
type subscribeRequest struct {
	Name string `json:"name"`
}

func (c *Client) subscribe(name string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	c.interests[name] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) wants(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.interests[name]
	return ok
}

// readPump consumes client frames until the connection dies. A missed
// heartbeat interval counts as dead.
func (c *Client) readPump() {
	defer c.hub.remove(c)

	pongWait := c.hub.pingInterval + pongGrace
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Warn("websocket read failed", "client_id", c.id, "error", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.hub.logger.Warn("malformed client frame", "client_id", c.id, "error", err)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame Frame) {
	switch frame.Event {
	case "session.create":
		var req createRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			c.hub.logger.Warn("malformed session.create", "client_id", c.id, "error", err)
			return
		}
		c.createSession(req)

	case "session.subscribe":
		var req subscribeRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return
		}
		c.subscribe(req.Name)

	default:
		c.hub.logger.Warn("unknown client frame", "client_id", c.id, "event", frame.Event)
	}
}

// createSession finds or creates the session and kicks off a connect. The
// resulting lifecycle events reach the client through the normal broadcast
// path, so there is no direct reply.
func (c *Client) createSession(req createRequest) {
	ctx := context.Background()
	sess, err := c.hub.sessions.Create(ctx, session.CreateInput{
		Name:       req.Name,
		Engine:     req.Engine,
		Attributes: req.Attributes,
	})
	if err != nil {
		c.hub.logger.Warn("session.create via websocket failed",
			"client_id", c.id, "name", req.Name, "error", err)
		return
	}
	c.subscribe(sess.Name)

	go func() {
		if _, err := c.hub.sessions.Connect(ctx, sess.ID); err != nil {
			c.hub.logger.Error("connect after session.create failed",
				"session_id", sess.ID, "error", err)
		}
	}()
}

// writePump pushes broadcast frames and heartbeat pings to the peer.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
