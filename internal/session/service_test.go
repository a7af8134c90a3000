// ABOUTME: Orchestrator tests with a fake engine.
// ABOUTME: Covers idempotent connect, single-flight, stop, force-delete, recovery.

package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendnotif/wagate/internal/authstate"
	"github.com/sendnotif/wagate/internal/engine"
	"github.com/sendnotif/wagate/internal/event"
	"github.com/sendnotif/wagate/internal/registry"
	"github.com/sendnotif/wagate/internal/store"
	"github.com/sendnotif/wagate/internal/webhook"
)

// fakeEngine scripts per-session connect outcomes and records calls.
type fakeEngine struct {
	reg *registry.Registry

	mu           sync.Mutex
	connectCalls int
	stopCalls    []string
	outcomes     map[string]string // session name -> status, "" means connected
	failures     map[string]error  // session name -> hard error
	panics       map[string]bool   // session name -> Connect panics
	block        chan struct{}     // when set, Connect waits for it
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Connect(ctx context.Context, session *store.Session) (*event.SessionPayload, error) {
	f.mu.Lock()
	f.connectCalls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if f.panics[session.Name] {
		panic("engine blew up")
	}
	if err := f.failures[session.Name]; err != nil {
		return nil, err
	}

	status := f.outcomes[session.Name]
	if status == "" {
		status = event.StatusConnected
	}
	if status == event.StatusConnected {
		f.reg.Register(&registry.Connector{
			Engine:      f.Name(),
			SessionID:   session.ID,
			SessionName: session.Name,
			IsConnected: func() bool { return true },
		})
	}
	return &event.SessionPayload{
		SessionID: session.ID,
		Name:      session.Name,
		Engine:    f.Name(),
		Status:    status,
	}, nil
}

func (f *fakeEngine) Stop(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	f.stopCalls = append(f.stopCalls, sessionID)
	f.mu.Unlock()
	f.reg.Unregister(sessionID)
	return nil
}

func (f *fakeEngine) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

type rig struct {
	svc    *Service
	db     *store.SQLiteStore
	reg    *registry.Registry
	bus    *event.Bus
	engine *fakeEngine
}

func newRig(t *testing.T) *rig {
	t.Helper()

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New(nil)
	bus := event.NewBus(nil)
	notifier := webhook.NewNotifier(webhook.NewMemoryQueue(), webhook.NotifierConfig{}, nil)
	locks := authstate.NewSessionLocks(nil, nil)

	fake := &fakeEngine{
		reg:      reg,
		outcomes: make(map[string]string),
		failures: make(map[string]error),
		panics:   make(map[string]bool),
	}
	manager := engine.NewManager()
	require.NoError(t, manager.Register(fake))

	cfg := Config{
		StartupGrace: time.Millisecond,
		StaggerMin:   time.Millisecond,
		StaggerMax:   3 * time.Millisecond,
	}
	return &rig{
		svc:    NewService(db, manager, reg, bus, notifier, locks, cfg, nil),
		db:     db,
		reg:    reg,
		bus:    bus,
		engine: fake,
	}
}

func (r *rig) create(t *testing.T, name string) *store.Session {
	t.Helper()
	session, err := r.svc.Create(context.Background(), CreateInput{Name: name, Engine: "fake"})
	require.NoError(t, err)
	return session
}

func TestCreate_UnknownEngine(t *testing.T) {
	r := newRig(t)
	_, err := r.svc.Create(context.Background(), CreateInput{Name: "alpha", Engine: "nope"})
	assert.ErrorIs(t, err, engine.ErrEngineNotFound)
}

func TestCreate_PublishesEvent(t *testing.T) {
	r := newRig(t)
	sub := r.bus.Subscribe(event.SessionCreated)
	defer r.bus.Unsubscribe(sub)

	session := r.create(t, "alpha")

	select {
	case ev := <-sub.C:
		payload := ev.Payload.(*event.SessionPayload)
		assert.Equal(t, session.ID, payload.SessionID)
		assert.Equal(t, event.StatusCreated, payload.Status)
	case <-time.After(time.Second):
		t.Fatal("expected a created event")
	}
}

func TestConnect_IdempotentWhenLive(t *testing.T) {
	r := newRig(t)
	session := r.create(t, "alpha")

	ctx := context.Background()
	first, err := r.svc.Connect(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusConnected, first.Status)
	assert.Equal(t, 1, r.engine.calls())

	second, err := r.svc.Connect(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusConnected, second.Status)
	assert.Equal(t, 1, r.engine.calls(), "live session must not re-dial")
}

func TestConnect_SingleFlight(t *testing.T) {
	r := newRig(t)
	session := r.create(t, "alpha")
	r.engine.block = make(chan struct{})

	ctx := context.Background()
	payloads := make(chan *event.SessionPayload, 2)
	for i := 0; i < 2; i++ {
		go func() {
			p, err := r.svc.Connect(ctx, session.ID)
			if err == nil {
				payloads <- p
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(r.engine.block)

	first := <-payloads
	second := <-payloads
	assert.Same(t, first, second, "concurrent connects must share one result")
	assert.Equal(t, 1, r.engine.calls())
}

func TestConnect_EngineErrorBecomesErrorPayload(t *testing.T) {
	r := newRig(t)
	session := r.create(t, "alpha")
	r.engine.failures["alpha"] = errors.New("broker unreachable")

	payload, err := r.svc.Connect(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusError, payload.Status)
	assert.NotEmpty(t, payload.Message)
}

func TestConnect_PanickingEngineReleasesFlight(t *testing.T) {
	r := newRig(t)
	session := r.create(t, "alpha")
	r.engine.panics["alpha"] = true

	_, err := r.svc.Connect(context.Background(), session.ID)
	require.Error(t, err)

	// The failed flight must not linger; a later connect dials again.
	r.engine.panics["alpha"] = false
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := r.svc.Connect(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusConnected, payload.Status)
}

func TestReconnect_LiveSessionKeepsCredentials(t *testing.T) {
	r := newRig(t)
	session := r.create(t, "alpha")

	ctx := context.Background()
	_, err := r.svc.Connect(ctx, session.ID)
	require.NoError(t, err)

	require.NoError(t, r.db.SaveAuthState(ctx, session.ID, []byte(`{"creds":{}}`)))
	require.NoError(t, r.db.UpsertAuthKey(ctx, &store.AuthKey{
		SessionID: session.ID,
		Category:  "pre-key",
		KeyID:     "1",
		Value:     []byte(`{}`),
	}))

	payload, err := r.svc.Reconnect(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusConnected, payload.Status)
	assert.Equal(t, 1, r.engine.calls(), "live session must not re-dial")
	assert.Empty(t, r.engine.stopCalls, "live session must not be logged out")

	blob, err := r.db.GetAuthState(ctx, session.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, blob, "registration survives a reconnect of a healthy session")
	keys, err := r.db.ListAuthKeys(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestReconnect_DeadSessionConnects(t *testing.T) {
	r := newRig(t)
	session := r.create(t, "alpha")

	payload, err := r.svc.Reconnect(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusConnected, payload.Status)
	assert.Equal(t, 1, r.engine.calls())
	assert.True(t, r.reg.Has(session.ID))
}

func TestConnect_UnknownSession(t *testing.T) {
	r := newRig(t)
	_, err := r.svc.Connect(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStop_NotConnected(t *testing.T) {
	r := newRig(t)
	session := r.create(t, "alpha")

	err := r.svc.Stop(context.Background(), session.ID)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestStop_Live(t *testing.T) {
	r := newRig(t)
	session := r.create(t, "alpha")

	ctx := context.Background()
	_, err := r.svc.Connect(ctx, session.ID)
	require.NoError(t, err)

	require.NoError(t, r.svc.Stop(ctx, session.ID))
	assert.Equal(t, []string{session.ID}, r.engine.stopCalls)
	assert.False(t, r.reg.Has(session.ID))
}

func TestForceDelete_DisconnectedStillPurges(t *testing.T) {
	r := newRig(t)
	session := r.create(t, "alpha")

	ctx := context.Background()
	require.NoError(t, r.db.SaveAuthState(ctx, session.ID, []byte(`{"creds":{}}`)))
	require.NoError(t, r.db.UpsertAuthKey(ctx, &store.AuthKey{
		SessionID: session.ID,
		Category:  "pre-key",
		KeyID:     "1",
		Value:     []byte(`{}`),
	}))

	removed, err := r.svc.ForceDelete(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, removed, "no live connector existed")

	_, err = r.db.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestForceDelete_LiveReportsRemoval(t *testing.T) {
	r := newRig(t)
	session := r.create(t, "alpha")

	ctx := context.Background()
	_, err := r.svc.Connect(ctx, session.ID)
	require.NoError(t, err)

	removed, err := r.svc.ForceDelete(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, r.reg.Has(session.ID))
}

func TestSendText_NotConnected(t *testing.T) {
	r := newRig(t)
	session := r.create(t, "alpha")

	_, err := r.svc.SendText(context.Background(), session.ID, "628100000001", "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestUpdate_SyncsLiveConnectorAttributes(t *testing.T) {
	r := newRig(t)
	session := r.create(t, "alpha")

	ctx := context.Background()
	_, err := r.svc.Connect(ctx, session.ID)
	require.NoError(t, err)

	attrs := &store.SessionAttributes{MessageDelay: 250, WebhookMessage: "https://example.com/hook"}
	_, err = r.svc.Update(ctx, session.ID, "", attrs)
	require.NoError(t, err)

	connector, err := r.reg.Get(session.ID)
	require.NoError(t, err)
	require.NotNil(t, connector.Attributes())
	assert.Equal(t, 250, connector.Attributes().MessageDelay)
}

func TestRecoverOnStartup(t *testing.T) {
	r := newRig(t)
	good := r.create(t, "good")
	bad := r.create(t, "bad")

	ctx := context.Background()
	require.NoError(t, r.db.SaveAuthState(ctx, good.ID, []byte(`{"creds":{}}`)))
	require.NoError(t, r.db.SaveAuthState(ctx, bad.ID, []byte(`{"creds":{}}`)))
	require.NoError(t, r.db.UpsertAuthKey(ctx, &store.AuthKey{
		SessionID: bad.ID,
		Category:  "pre-key",
		KeyID:     "1",
		Value:     []byte(`{}`),
	}))
	require.NoError(t, r.db.SetSessionConnected(ctx, good.ID, true))
	require.NoError(t, r.db.SetSessionConnected(ctx, bad.ID, true))

	r.engine.outcomes["bad"] = event.StatusQRGenerated

	r.svc.RecoverOnStartup(ctx)

	assert.True(t, r.reg.Has(good.ID), "good session reconnects")

	recovered, err := r.db.GetSession(ctx, bad.ID)
	require.NoError(t, err)
	assert.False(t, recovered.Connected, "rejected credentials flip the flag")
	blob, err := r.db.GetAuthState(ctx, bad.ID)
	require.NoError(t, err)
	assert.Empty(t, blob, "rejected credentials are cleared")
	keys, err := r.db.ListAuthKeys(ctx, bad.ID)
	require.NoError(t, err)
	assert.Empty(t, keys, "keyed secrets go with the registration")
}
