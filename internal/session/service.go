// ABOUTME: Session orchestrator: the engine-agnostic lifecycle surface.
// ABOUTME: Create, connect, send, stop, force-delete, and startup recovery.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sendnotif/wagate/internal/authstate"
	"github.com/sendnotif/wagate/internal/engine"
	"github.com/sendnotif/wagate/internal/event"
	"github.com/sendnotif/wagate/internal/registry"
	"github.com/sendnotif/wagate/internal/store"
	"github.com/sendnotif/wagate/internal/webhook"
)

var (
	// ErrNotConnected indicates an operation that needs a live connection
	// was attempted on a disconnected session.
	ErrNotConnected = errors.New("session not connected")

	// ErrNotFound indicates the session does not exist.
	ErrNotFound = store.ErrNotFound
)

// Config tunes startup recovery. Zero values take defaults.
type Config struct {
	StartupGrace time.Duration // wait before recovery begins, default 5s
	StaggerMin   time.Duration // minimum delay between recovered sessions, default 1s
	StaggerMax   time.Duration // maximum delay between recovered sessions, default 3s
}

func (c *Config) applyDefaults() {
	if c.StartupGrace <= 0 {
		c.StartupGrace = 5 * time.Second
	}
	if c.StaggerMin <= 0 {
		c.StaggerMin = time.Second
	}
	if c.StaggerMax <= c.StaggerMin {
		c.StaggerMax = c.StaggerMin + 2*time.Second
	}
}

// CreateInput describes a session to create or reconfigure.
type CreateInput struct {
	Name       string
	Engine     string
	Attributes *store.SessionAttributes
}

// Service orchestrates session lifecycles across engines. All engine
// selection happens here; callers never touch an engine directly.
type Service struct {
	db       store.Store
	engines  *engine.Manager
	registry *registry.Registry
	bus      *event.Bus
	notifier *webhook.Notifier
	locks    *authstate.SessionLocks
	cfg      Config
	logger   *slog.Logger

	flightMu sync.Mutex
	flights  map[string]*flight
}

// flight is one in-progress Connect shared by every concurrent caller.
type flight struct {
	done    chan struct{}
	payload *event.SessionPayload
	err     error
}

// NewService creates the orchestrator.
func NewService(db store.Store, engines *engine.Manager, reg *registry.Registry, bus *event.Bus, notifier *webhook.Notifier, locks *authstate.SessionLocks, cfg Config, logger *slog.Logger) *Service {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:       db,
		engines:  engines,
		registry: reg,
		bus:      bus,
		notifier: notifier,
		locks:    locks,
		cfg:      cfg,
		logger:   logger.With("component", "sessions"),
		flights:  make(map[string]*flight),
	}
}

// Create registers a session, or reconfigures the existing session with the
// same name. The engine name must be registered.
func (s *Service) Create(ctx context.Context, in CreateInput) (*store.Session, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("session name is required")
	}
	if !s.engines.Has(in.Engine) {
		return nil, fmt.Errorf("%w: %s", engine.ErrEngineNotFound, in.Engine)
	}

	session, err := s.db.UpsertSession(ctx, in.Name, in.Engine, in.Attributes)
	if err != nil {
		return nil, err
	}
	s.logger.Info("session created", "session_id", session.ID, "name", session.Name, "engine", session.Engine)

	payload := payloadFor(session, event.StatusCreated)
	s.bus.Publish(event.SessionCreated, payload)
	s.notifier.AdminMirror(ctx, event.SessionCreated, payload)
	return session, nil
}

// Find returns the session with the given name.
func (s *Service) Find(ctx context.Context, name string) (*store.Session, error) {
	return s.db.GetSessionByName(ctx, name)
}

// Get returns the session with the given id.
func (s *Service) Get(ctx context.Context, id string) (*store.Session, error) {
	return s.db.GetSession(ctx, id)
}

// Update reconfigures a session's engine and attributes. A live connector
// picks up the new attributes immediately so message delays and webhook
// targets change without a reconnect.
func (s *Service) Update(ctx context.Context, id string, engineName string, attrs *store.SessionAttributes) (*store.Session, error) {
	if engineName != "" && !s.engines.Has(engineName) {
		return nil, fmt.Errorf("%w: %s", engine.ErrEngineNotFound, engineName)
	}

	session, err := s.db.UpdateSessionConfig(ctx, id, engineName, attrs)
	if err != nil {
		return nil, err
	}

	if connector, err := s.registry.Get(id); err == nil {
		connector.SetAttributes(session.Attributes)
	}

	payload := payloadFor(session, event.StatusUpdated)
	s.bus.Publish(event.SessionUpdated, payload)
	s.notifier.AdminMirror(ctx, event.SessionUpdated, payload)
	return session, nil
}

// Connect brings a session online. When a live connector already exists the
// call is a no-op returning a connected payload. Concurrent Connect calls
// for the same session share one in-flight engine attempt.
func (s *Service) Connect(ctx context.Context, id string) (payload *event.SessionPayload, err error) {
	session, err := s.db.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if _, err := s.registry.Get(session.ID); err == nil {
		s.logger.Info("session already connected", "session_id", session.ID, "name", session.Name)
		return payloadFor(session, event.StatusConnected), nil
	}

	s.flightMu.Lock()
	if f, ok := s.flights[session.ID]; ok {
		s.flightMu.Unlock()
		select {
		case <-f.done:
			return f.payload, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	s.flights[session.ID] = f
	s.flightMu.Unlock()

	// The flight must be torn down on every exit, including a panicking
	// engine; a leaked flight would block later Connects for this session.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("engine connect panicked", "session_id", session.ID, "panic", r)
			f.payload, f.err = nil, fmt.Errorf("engine connect panicked: %v", r)
		}
		s.flightMu.Lock()
		delete(s.flights, session.ID)
		s.flightMu.Unlock()
		close(f.done)
		payload, err = f.payload, f.err
	}()

	f.payload, f.err = s.connect(ctx, session)
	return f.payload, f.err
}

func (s *Service) connect(ctx context.Context, session *store.Session) (*event.SessionPayload, error) {
	eng, err := s.engines.Get(session.Engine)
	if err != nil {
		return nil, err
	}

	payload, err := eng.Connect(ctx, session)
	if err != nil {
		s.logger.Error("engine connect failed", "session_id", session.ID, "engine", session.Engine, "error", err)
		errorPayload := payloadFor(session, event.StatusError)
		errorPayload.Message = "connection attempt failed"
		s.bus.Publish(event.SessionError, errorPayload)
		s.notifier.AdminMirror(ctx, event.SessionError, errorPayload)
		return errorPayload, nil
	}
	return payload, nil
}

// Reconnect brings a session back online after a restart or drop. A session
// with a live connector is left alone and its snapshot returned; stopping it
// would log the device out and throw away its registration. Only a dead
// session dials again.
func (s *Service) Reconnect(ctx context.Context, id string) (*event.SessionPayload, error) {
	session, err := s.db.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if _, err := s.registry.Get(session.ID); err == nil {
		s.logger.Info("session already connected, skipping reconnect",
			"session_id", session.ID, "name", session.Name)
		return payloadFor(session, event.StatusConnected), nil
	}

	if eng, err := s.engines.Get(session.Engine); err == nil {
		if r, ok := eng.(engine.Reconnector); ok {
			return r.Reconnect(ctx, session)
		}
	}

	payload := payloadFor(session, event.StatusRestarted)
	s.bus.Publish(event.SessionRestarted, payload)
	s.notifier.AdminMirror(ctx, event.SessionRestarted, payload)

	return s.Connect(ctx, id)
}

// Stop disconnects a live session. Returns ErrNotConnected when no live
// connector exists.
func (s *Service) Stop(ctx context.Context, id string) error {
	session, err := s.db.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.registry.Get(session.ID); err != nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, session.Name)
	}

	eng, err := s.engines.Get(session.Engine)
	if err != nil {
		return err
	}
	return eng.Stop(ctx, session.ID)
}

// ForceDelete removes a session unconditionally: live or not, its connector
// is unregistered, credentials and keyed secrets are purged, and the row is
// deleted. Returns whether a live connector was actually removed.
func (s *Service) ForceDelete(ctx context.Context, id string) (bool, error) {
	session, err := s.db.GetSession(ctx, id)
	if err != nil {
		return false, err
	}

	removed := false
	if _, err := s.registry.Get(session.ID); err == nil {
		if eng, err := s.engines.Get(session.Engine); err == nil {
			if err := eng.Stop(ctx, session.ID); err != nil {
				s.logger.Warn("engine stop during force delete failed",
					"session_id", session.ID, "error", err)
			}
		}
		removed = true
	}
	s.registry.Unregister(session.ID)

	auth := authstate.New(s.db, s.locks, session.ID, s.logger)
	if err := auth.Purge(ctx); err != nil {
		s.logger.Error("purging credentials during force delete", "session_id", session.ID, "error", err)
	}

	if err := s.db.DeleteSession(ctx, session.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return removed, fmt.Errorf("deleting session: %w", err)
	}
	s.logger.Warn("session force deleted", "session_id", session.ID, "name", session.Name, "was_live", removed)

	payload := payloadFor(session, event.StatusDeleted)
	s.bus.Publish(event.SessionDeleted, payload)
	s.notifier.AdminMirror(ctx, event.SessionDeleted, payload)
	return removed, nil
}

// SendText sends a text message through the session's engine. The session
// must have a live connector and its engine must support sending.
func (s *Service) SendText(ctx context.Context, id, to, body string) (*store.Message, error) {
	session, err := s.db.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.registry.Get(session.ID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, session.Name)
	}

	eng, err := s.engines.Get(session.Engine)
	if err != nil {
		return nil, err
	}
	sender, ok := eng.(engine.Sender)
	if !ok {
		return nil, fmt.Errorf("engine %s cannot send messages", session.Engine)
	}
	return sender.SendText(ctx, session, to, body)
}

// RecoverOnStartup reconnects every session that was connected before the
// process restarted. It waits a grace period first, then staggers the
// connects so a large fleet doesn't stampede the upstream. One session
// failing never stops the rest.
func (s *Service) RecoverOnStartup(ctx context.Context) {
	select {
	case <-time.After(s.cfg.StartupGrace):
	case <-ctx.Done():
		return
	}

	sessions, err := s.db.ListConnectedSessions(ctx)
	if err != nil {
		s.logger.Error("listing sessions for recovery", "error", err)
		return
	}
	if len(sessions) == 0 {
		s.logger.Info("no sessions to recover")
		return
	}
	s.logger.Info("recovering sessions", "count", len(sessions))

	for _, session := range sessions {
		select {
		case <-time.After(s.stagger()):
		case <-ctx.Done():
			return
		}
		s.recoverSession(ctx, session)
	}
}

func (s *Service) recoverSession(ctx context.Context, session *store.Session) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while recovering session",
				"session_id", session.ID, "name", session.Name, "panic", r)
		}
	}()

	payload, err := s.Connect(ctx, session.ID)
	if err != nil {
		s.logger.Error("recovery connect failed", "session_id", session.ID, "error", err)
		return
	}

	switch payload.Status {
	case event.StatusConnected:
		s.logger.Info("session recovered", "session_id", session.ID, "name", session.Name)
	case event.StatusQRGenerated, event.StatusQRTimeout, event.StatusError:
		// Stored credentials no longer work. Clear them so the next connect
		// starts a fresh pairing instead of looping on a dead registration.
		s.logger.Warn("stored credentials rejected during recovery",
			"session_id", session.ID, "name", session.Name, "status", payload.Status)
		auth := authstate.New(s.db, s.locks, session.ID, s.logger)
		if err := auth.Purge(ctx); err != nil {
			s.logger.Error("purging rejected credentials",
				"session_id", session.ID, "error", err)
		}
		if err := s.db.SetSessionConnected(ctx, session.ID, false); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("marking unrecoverable session disconnected",
				"session_id", session.ID, "error", err)
		}
	}
}

func (s *Service) stagger() time.Duration {
	spread := s.cfg.StaggerMax - s.cfg.StaggerMin
	return s.cfg.StaggerMin + time.Duration(rand.Int63n(int64(spread)))
}

func payloadFor(session *store.Session, status string) *event.SessionPayload {
	return &event.SessionPayload{
		SessionID: session.ID,
		Name:      session.Name,
		Engine:    session.Engine,
		Status:    status,
		Timestamp: event.Stamp(time.Now()),
	}
}
