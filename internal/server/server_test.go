package server_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardian/support-admin-console-sub001/internal/config"
	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/server"
	"github.com/guardian/support-admin-console-sub001/internal/store"
	"github.com/guardian/support-admin-console-sub001/internal/store/storetest"
	"github.com/guardian/support-admin-console-sub001/internal/transport"
)

func testLogger() *events.Logger {
	return events.NewTestLogger(events.DebugLevel, "json", &bytes.Buffer{})
}

type fixture struct {
	hub    *server.Hub
	engine *store.Engine
	http   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := testLogger()
	hub := server.NewHub(logger)
	engine := store.NewMemory(logger, store.WithNotifier(hub))
	ts := httptest.NewServer(server.New(engine, hub, logger))
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return &fixture{hub: hub, engine: engine, http: ts}
}

func (f *fixture) client(t *testing.T) *transport.HTTPStore {
	return transport.NewHTTPStore(&config.APIConfig{
		BaseURL:   f.http.URL,
		Timeout:   5 * time.Second,
		UserAgent: "console-test",
	}, testLogger())
}

func TestHTTPConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		f := newFixture(t)
		return f.client(t)
	})
}

func TestErrorResponses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.Lock(ctx, "a@example.com", models.CollectionKey("banner-tests")))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"locked by other", "POST", "/frontend/banner-tests/lock", "", http.StatusLocked, models.ErrCodeAlreadyLocked},
		{"not holder", "POST", "/frontend/banner-tests/unlock/T1", "", http.StatusForbidden, models.ErrCodeNotHolder},
		{"bad json", "POST", "/frontend/banner-tests/update", "{", http.StatusBadRequest, models.ErrCodeInvalidRequest},
		{"empty body", "POST", "/frontend/banner-tests/archive", "", http.StatusBadRequest, models.ErrCodeInvalidRequest},
		{"bad status", "POST", "/frontend/banner-tests/status/Paused", `["T1"]`, http.StatusBadRequest, models.ErrCodeInvalidStatus},
		{"missing items", "POST", "/frontend/banner-tests/delete", `["T9"]`, http.StatusUnprocessableEntity, models.ErrCodeBatchFailed},
		{"name mismatch", "POST", "/frontend/banner-tests/update/T1", `{"version":"","value":{"name":"T2"}}`, http.StatusBadRequest, models.ErrCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, f.http.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			req.Header.Set(transport.EditorHeader, "b@example.com")

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

			var body models.APIError
			require.NoError(t, decodeJSON(resp, &body))
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, resp.Header.Get("X-Request-ID"), body.RequestID)
		})
	}
}

func TestLockedResponseCarriesHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.Lock(ctx, "a@example.com", models.ItemKey("epic-tests", "T1")))

	err := f.client(t).Lock(ctx, "b@example.com", models.ItemKey("epic-tests", "T1"))

	var locked *models.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "a@example.com", locked.Holder())
	assert.NotNil(t, locked.Status.Timestamp)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNotificationsReachWatchers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr := transport.NewTransport(&config.APIConfig{BaseURL: f.http.URL, Timeout: 5 * time.Second}, testLogger())
	defer tr.Close()

	notes, err := tr.Watch(ctx, "b@example.com", "banner-tests")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Lock(ctx, "a@example.com", models.ItemKey("banner-tests", "T1")))

	select {
	case n := <-notes:
		assert.Equal(t, models.NotifyLocked, n.Type)
		assert.Equal(t, models.ItemKey("banner-tests", "T1"), n.Resource)
		assert.Equal(t, "a@example.com", n.Editor)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for notification")
	}
}

func TestHubFiltersByCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + transport.EventsPath
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	sub, err := models.NewWSMessage(models.WSTypeSubscribe, models.SubscribeMessage{Collections: []string{"epic-tests"}})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(sub))

	var reply models.WSMessage
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, models.WSTypeSubscribed, reply.Type)

	require.NoError(t, f.engine.Lock(ctx, "a@example.com", models.CollectionKey("banner-tests")))
	require.NoError(t, f.engine.Lock(ctx, "a@example.com", models.CollectionKey("epic-tests")))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg models.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, models.WSTypeNotification, msg.Type)

	data, err := models.ParseMessageData(&msg)
	require.NoError(t, err)
	assert.Equal(t, "epic-tests", data.(*models.Notification).Resource.Collection)
}

func TestHubRejectsUnknownMessages(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + transport.EventsPath
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "shout"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply models.WSMessage
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, models.WSTypeError, reply.Type)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	logger := testLogger()
	srv := server.New(store.NewMemory(logger), nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, "127.0.0.1:0", time.Second) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
