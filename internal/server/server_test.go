package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/agentclient"
	"conduit/internal/broker"
	"conduit/internal/eventsink"
	"conduit/internal/logging"
	"conduit/internal/model"
	"conduit/internal/store/memory"
)

// stubConn satisfies broker.AgentConn without any real transport.
type stubConn struct {
	mu     sync.Mutex
	nextID int
	closed chan struct{}
}

func newStubConn() *stubConn { return &stubConn{closed: make(chan struct{})} }

func (s *stubConn) Connect(ctx context.Context) error    { return nil }
func (s *stubConn) Disconnect(ctx context.Context) error { return nil }
func (s *stubConn) ForceDisconnect() error               { return nil }
func (s *stubConn) Closed() <-chan struct{}              { return s.closed }

func (s *stubConn) Ping(ctx context.Context, message string) (*agentclient.PingResult, error) {
	return &agentclient.PingResult{Echo: message, Latency: time.Millisecond}, nil
}

func (s *stubConn) CreateSession(ctx context.Context, cfg model.SessionConfig, tools []model.ToolDefinition) (broker.RuntimeHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return &stubHandle{id: fmt.Sprintf("session-stub-%d", s.nextID)}, nil
}

func (s *stubConn) ResumeSession(ctx context.Context, sessionID string, opts agentclient.ResumeOptions) (broker.RuntimeHandle, error) {
	return &stubHandle{id: sessionID}, nil
}

func (s *stubConn) ListSessions(ctx context.Context) ([]agentclient.RemoteSessionInfo, error) {
	return nil, nil
}

func (s *stubConn) DeleteSession(ctx context.Context, sessionID string) error { return nil }

type stubHandle struct{ id string }

func (h *stubHandle) SessionID() string { return h.id }
func (h *stubHandle) Subscribe(fn func(agentclient.Event)) broker.Disposable {
	return stubSub{}
}

type stubSub struct{}

func (stubSub) Dispose() {}

type serverFixture struct {
	server    *Server
	lifecycle *broker.LifecycleManager
	registry  *broker.SessionRegistry
	hub       *eventsink.Hub
	gateway   *memory.Store
}

func newServerFixture(t *testing.T, connected bool) *serverFixture {
	t.Helper()
	gateway := memory.New()
	hub := eventsink.NewHub(logging.Nop())
	dispatcher := broker.NewDispatcher(hub, logging.Nop())
	cfg := &model.ClientConfig{Address: "127.0.0.1", Port: 9415, Transport: model.TransportTCP}
	dial := func(c *model.ClientConfig, l logging.Logger) broker.AgentConn { return newStubConn() }
	lifecycle := broker.NewLifecycleManager(cfg, dial, gateway, logging.Nop())
	registry := broker.NewSessionRegistry(lifecycle, gateway, dispatcher, logging.Nop())
	srv := New(Config{Host: "127.0.0.1", Port: 0}, lifecycle, registry, hub, nil, logging.Nop())

	if connected {
		require.NoError(t, lifecycle.Start(context.Background()))
	}
	return &serverFixture{server: srv, lifecycle: lifecycle, registry: registry, hub: hub, gateway: gateway}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t, false)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientStatusEndpoint(t *testing.T) {
	f := newServerFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/v1/client/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, string(model.StateDisconnected), body["state"])
	assert.Equal(t, false, body["is_connected"])
}

func TestClientStartStopEndpoints(t *testing.T) {
	f := newServerFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/v1/client/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["is_connected"])

	rec = f.do(t, http.MethodPost, "/api/v1/client/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["is_connected"])
}

func TestPingWhileDisconnectedConflicts(t *testing.T) {
	f := newServerFixture(t, false)
	rec := f.do(t, http.MethodPost, "/api/v1/client/ping", map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPingEndpoint(t *testing.T) {
	f := newServerFixture(t, true)
	rec := f.do(t, http.MethodPost, "/api/v1/client/ping", map[string]any{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hi", decodeBody(t, rec)["echo"])
}

func TestConfigEndpoints(t *testing.T) {
	f := newServerFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/v1/client/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(9415), decodeBody(t, rec)["port"])

	update := map[string]any{"address": "127.0.0.1", "port": 9999, "transport": "tcp"}
	rec = f.do(t, http.MethodPut, "/api/v1/client/config", update)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(9999), decodeBody(t, rec)["port"])
}

func TestConfigUpdateWhileConnectedConflicts(t *testing.T) {
	f := newServerFixture(t, true)
	update := map[string]any{"address": "127.0.0.1", "port": 9999, "transport": "tcp"}
	rec := f.do(t, http.MethodPut, "/api/v1/client/config", update)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	f := newServerFixture(t, true)

	rec := f.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{
		"config": map[string]any{"model": "sonnet"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	sessionID := decodeBody(t, rec)["session_id"].(string)
	require.NotEmpty(t, sessionID)

	rec = f.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["active"])

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/messages", map[string]any{
		"messages": []map[string]any{{"id": "msg-1", "role": "user", "content": "hello"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodPut, "/api/v1/sessions/"+sessionID+"/summary", map[string]any{"summary": "recap"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/sessions/"+sessionID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSessionWhileDisconnectedConflicts(t *testing.T) {
	f := newServerFixture(t, false)
	rec := f.do(t, http.MethodPost, "/api/v1/sessions", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// No durable record may appear from the failed create.
	rec = f.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["count"])
}

func TestGetUnknownSessionNotFound(t *testing.T) {
	f := newServerFixture(t, false)
	rec := f.do(t, http.MethodGet, "/api/v1/sessions/session-ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/session-ghost/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "resume needs a connected client first")
}

func TestResumeUnknownSessionNotFound(t *testing.T) {
	f := newServerFixture(t, true)
	rec := f.do(t, http.MethodPost, "/api/v1/sessions/session-ghost/resume", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventHistoryEndpoint(t *testing.T) {
	f := newServerFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/v1/sessions/session-a/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["count"])

	f.hub.PublishToGroup("session-a", broker.ChannelEvents, agentclient.Event{Type: "session.started"})
	rec = f.do(t, http.MethodGet, "/api/v1/sessions/session-a/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])
}

func TestWebsocketEventStream(t *testing.T) {
	f := newServerFixture(t, false)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sessions/session-a/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the server a moment to register the subscriber.
	require.Eventually(t, func() bool {
		return f.hub.SubscriberCount("session-a") == 1
	}, time.Second, 10*time.Millisecond)

	f.hub.PublishToGroup("session-a", broker.ChannelDelta, agentclient.Event{
		Kind: agentclient.KindDelta, Type: "message.delta",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env eventsink.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "session-a", env.Group)
	assert.Equal(t, broker.ChannelDelta, env.Channel)
}

func TestWebsocketReplay(t *testing.T) {
	f := newServerFixture(t, false)
	f.hub.PublishToGroup("session-a", broker.ChannelEvents, agentclient.Event{Type: "session.started"})

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sessions/session-a/events?replay=true"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env eventsink.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, broker.ChannelEvents, env.Channel)
}
