// ABOUTME: HTTP API tests against the real orchestrator with a stub engine.
// ABOUTME: Covers auth, error mapping, and the credential-leak guard.

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendnotif/wagate/internal/authstate"
	"github.com/sendnotif/wagate/internal/engine"
	"github.com/sendnotif/wagate/internal/event"
	"github.com/sendnotif/wagate/internal/registry"
	"github.com/sendnotif/wagate/internal/session"
	"github.com/sendnotif/wagate/internal/store"
	"github.com/sendnotif/wagate/internal/webhook"
)

const testKey = "test-api-key"

type stubEngine struct {
	reg *registry.Registry
}

func (e *stubEngine) Name() string { return "stub" }

func (e *stubEngine) Connect(ctx context.Context, sess *store.Session) (*event.SessionPayload, error) {
	e.reg.Register(&registry.Connector{
		Engine:      e.Name(),
		SessionID:   sess.ID,
		SessionName: sess.Name,
		IsConnected: func() bool { return true },
	})
	return &event.SessionPayload{
		SessionID: sess.ID,
		Name:      sess.Name,
		Engine:    e.Name(),
		Status:    event.StatusConnected,
	}, nil
}

func (e *stubEngine) Stop(ctx context.Context, sessionID string) error {
	e.reg.Unregister(sessionID)
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.SQLiteStore) {
	t.Helper()

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New(nil)
	bus := event.NewBus(nil)
	notifier := webhook.NewNotifier(webhook.NewMemoryQueue(), webhook.NotifierConfig{}, nil)
	locks := authstate.NewSessionLocks(nil, nil)

	manager := engine.NewManager()
	require.NoError(t, manager.Register(&stubEngine{reg: reg}))

	svc := session.NewService(db, manager, reg, bus, notifier, locks, session.Config{}, nil)
	server := New(svc, nil, Config{APIKey: testKey}, nil)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts, db
}

func doRequest(t *testing.T, method, url string, body any, key string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func createSession(t *testing.T, ts *httptest.Server, name string) sessionResponse {
	t.Helper()
	resp := doRequest(t, http.MethodPost, ts.URL+"/sessions",
		map[string]string{"name": name, "engine": "stub"}, testKey)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sess sessionResponse
	decodeBody(t, resp, &sess)
	return sess
}

func TestHealthNeedsNoKey(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, http.MethodGet, ts.URL+"/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionsRequireAPIKey(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, ts.URL+"/sessions?name=alpha", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+"/sessions?name=alpha", nil, "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAndFind(t *testing.T) {
	ts, _ := newTestServer(t)
	created := createSession(t, ts, "alpha")
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "stub", created.Engine)

	resp := doRequest(t, http.MethodGet, ts.URL+"/sessions?name=alpha", nil, testKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var found sessionResponse
	decodeBody(t, resp, &found)
	assert.Equal(t, created.ID, found.ID)
}

func TestCreate_UnknownEngine(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, http.MethodPost, ts.URL+"/sessions",
		map[string]string{"name": "alpha", "engine": "nope"}, testKey)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFind_Missing(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, http.MethodGet, ts.URL+"/sessions?name=ghost", nil, testKey)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResponsesNeverLeakAuthState(t *testing.T) {
	ts, db := newTestServer(t)
	created := createSession(t, ts, "alpha")

	require.NoError(t, db.SaveAuthState(context.Background(), created.ID,
		[]byte(`{"creds":{"noise_key":{"private":"c2VjcmV0"}}}`)))

	resp := doRequest(t, http.MethodGet, ts.URL+"/sessions?name=alpha", nil, testKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw bytes.Buffer
	_, err := raw.ReadFrom(resp.Body)
	require.NoError(t, err)
	body := raw.String()
	assert.NotContains(t, body, "auth_state")
	assert.NotContains(t, body, "noise_key")
	assert.NotContains(t, strings.ToLower(body), "c2vjcmv0")
}

func TestConnectStopRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)
	created := createSession(t, ts, "alpha")

	resp := doRequest(t, http.MethodPost, ts.URL+"/sessions/"+created.ID+"/connect", nil, testKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload event.SessionPayload
	decodeBody(t, resp, &payload)
	assert.Equal(t, event.StatusConnected, payload.Status)

	resp = doRequest(t, http.MethodDelete, ts.URL+"/sessions/"+created.ID, nil, testKey)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStop_NotConnected(t *testing.T) {
	ts, _ := newTestServer(t)
	created := createSession(t, ts, "alpha")

	resp := doRequest(t, http.MethodDelete, ts.URL+"/sessions/"+created.ID, nil, testKey)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestConnect_UnknownSession(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, http.MethodPost, ts.URL+"/sessions/ghost/connect", nil, testKey)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestForceDelete(t *testing.T) {
	ts, _ := newTestServer(t)
	created := createSession(t, ts, "alpha")

	resp := doRequest(t, http.MethodDelete, ts.URL+"/sessions/"+created.ID+"/force", nil, testKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Removed bool   `json:"removed"`
		Status  string `json:"status"`
	}
	decodeBody(t, resp, &result)
	assert.False(t, result.Removed)
	assert.Equal(t, event.StatusDeleted, result.Status)

	resp = doRequest(t, http.MethodGet, ts.URL+"/sessions?name=alpha", nil, testKey)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendMessage_NotConnected(t *testing.T) {
	ts, _ := newTestServer(t)
	created := createSession(t, ts, "alpha")

	resp := doRequest(t, http.MethodPost, ts.URL+"/sessions/"+created.ID+"/messages",
		map[string]string{"to": "628100000001", "body": "hi"}, testKey)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
