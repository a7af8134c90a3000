// ABOUTME: HTTP surface of the gateway: session lifecycle REST routes plus /ws.
// ABOUTME: chi router with API-key auth; credential blobs never leave through here.

package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sendnotif/wagate/internal/engine"
	"github.com/sendnotif/wagate/internal/event"
	"github.com/sendnotif/wagate/internal/gateway"
	"github.com/sendnotif/wagate/internal/session"
	"github.com/sendnotif/wagate/internal/store"
)

// APIKeyHeader carries the caller's key on every protected route.
const APIKeyHeader = "X-Api-Key"

// Config holds the HTTP-level settings.
type Config struct {
	APIKey string // empty disables auth (logged at startup)
}

// Server wires the orchestrator and the websocket hub into an HTTP router.
type Server struct {
	sessions *session.Service
	hub      *gateway.Hub
	cfg      Config
	logger   *slog.Logger
}

// New creates the HTTP server surface.
func New(sessions *session.Service, hub *gateway.Hub, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "httpapi")
	if cfg.APIKey == "" {
		logger.Warn("no API key configured, authentication disabled")
	}
	return &Server{sessions: sessions, hub: hub, cfg: cfg, logger: logger}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.hub != nil {
		r.Get("/ws", s.hub.ServeWS)
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Get("/", s.handleFind)
		r.Post("/", s.handleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", s.handleUpdate)
			r.Delete("/", s.handleStop)
			r.Delete("/force", s.handleForceDelete)
			r.Post("/connect", s.handleConnect)
			r.Post("/reconnect", s.handleReconnect)
			r.Post("/messages", s.handleSendMessage)
		})
	})

	return r
}

// requireAPIKey rejects requests whose key header doesn't match. The compare
// is constant-time so the key can't be probed byte by byte.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			key := r.Header.Get(APIKeyHeader)
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
				s.writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRequest struct {
	Name       string                   `json:"name"`
	Engine     string                   `json:"engine"`
	Attributes *store.SessionAttributes `json:"attributes,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.sessions.Create(r.Context(), session.CreateInput{
		Name:       req.Name,
		Engine:     req.Engine,
		Attributes: req.Attributes,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "name query parameter is required")
		return
	}

	sess, err := s.sessions.Find(r.Context(), name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

type updateRequest struct {
	Engine     string                   `json:"engine,omitempty"`
	Attributes *store.SessionAttributes `json:"attributes,omitempty"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.sessions.Update(r.Context(), chi.URLParam(r, "id"), req.Engine, req.Attributes)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	payload, err := s.sessions.Connect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	payload, err := s.sessions.Reconnect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Stop(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": event.StatusDisconnected})
}

func (s *Server) handleForceDelete(w http.ResponseWriter, r *http.Request) {
	removed, err := s.sessions.ForceDelete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": event.StatusDeleted, "removed": removed})
}

type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.To == "" || req.Body == "" {
		s.writeError(w, http.StatusBadRequest, "to and body are required")
		return
	}

	msg, err := s.sessions.SendText(r.Context(), chi.URLParam(r, "id"), req.To, req.Body)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

// sessionResponse is the external session shape. The credential blob stays
// out on purpose.
type sessionResponse struct {
	ID         string                   `json:"id"`
	Name       string                   `json:"name"`
	Engine     string                   `json:"engine"`
	Connected  bool                     `json:"connected"`
	Attributes *store.SessionAttributes `json:"attributes,omitempty"`
	CreatedAt  string                   `json:"created_at"`
	UpdatedAt  string                   `json:"updated_at"`
}

func toSessionResponse(s *store.Session) sessionResponse {
	return sessionResponse{
		ID:         s.ID,
		Name:       s.Name,
		Engine:     s.Engine,
		Connected:  s.Connected,
		Attributes: s.Attributes,
		CreatedAt:  event.Stamp(s.CreatedAt),
		UpdatedAt:  event.Stamp(s.UpdatedAt),
	}
}

type messageResponse struct {
	ID          string `json:"id"`
	MessageID   string `json:"message_id"`
	To          string `json:"to"`
	ContentType string `json:"content_type"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

func toMessageResponse(m *store.Message) messageResponse {
	return messageResponse{
		ID:          m.ID,
		MessageID:   m.MessageID,
		To:          m.Recipient,
		ContentType: m.ContentType,
		Status:      m.Status,
		CreatedAt:   event.Stamp(m.CreatedAt),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps orchestrator errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrNotConnected):
		s.writeError(w, http.StatusConflict, "session not connected")
	case errors.Is(err, engine.ErrEngineNotFound):
		s.writeError(w, http.StatusBadRequest, "unknown engine")
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
