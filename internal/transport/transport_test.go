package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardian/support-admin-console-sub001/internal/config"
	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/transport"
)

func testLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

func newClient(url string) *transport.HTTPStore {
	return transport.NewHTTPStore(&config.APIConfig{
		BaseURL:   url,
		Timeout:   5 * time.Second,
		UserAgent: "test",
	}, testLogger())
}

func TestHTTPStoreDoesNotRetry(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newClient(server.URL).Fetch(context.Background(), "a@example.com", "banner-tests")

	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.Equal(t, 1, attempts)
}

func TestHTTPStoreUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	err := newClient(url).Lock(context.Background(), "a@example.com", models.CollectionKey("banner-tests"))
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestHTTPStoreRequestShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/frontend/epic-tests/update/T%201", r.URL.EscapedPath())
		assert.Equal(t, "a@example.com", r.Header.Get(transport.EditorHeader))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body models.VersionedValue[json.RawMessage]
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "v7", body.Version)
		assert.JSONEq(t, `{"name":"T 1","status":"Draft"}`, string(body.Value))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	err := newClient(server.URL).UpdateItem(context.Background(), "a@example.com", "epic-tests", "v7",
		models.Record(`{"name":"T 1","status":"Draft"}`))
	require.NoError(t, err)
}

func TestHTTPStoreStructuredErrors(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", "req-1")
		switch r.URL.Path {
		case "/frontend/banner-tests/lock/T1":
			status := models.LockedBy("b@example.com", at)
			w.WriteHeader(http.StatusLocked)
			_ = json.NewEncoder(w).Encode(models.APIError{Code: models.ErrCodeAlreadyLocked, Message: "locked", Status: &status})
		case "/frontend/banner-tests/archive":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(models.APIError{Code: models.ErrCodeBatchFailed, Failed: []string{"T2"}})
		default:
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(models.APIError{Code: models.ErrCodeVersionConflict, Message: "version conflict"})
		}
	}))
	defer server.Close()

	ctx := context.Background()
	client := newClient(server.URL)

	err := client.Lock(ctx, "a@example.com", models.ItemKey("banner-tests", "T1"))
	var locked *models.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "b@example.com", locked.Holder())
	assert.Equal(t, models.ItemKey("banner-tests", "T1"), locked.Resource)

	err = client.Archive(ctx, "a@example.com", "banner-tests", []string{"T1", "T2"})
	var batch *models.BatchError
	require.ErrorAs(t, err, &batch)
	assert.Equal(t, []string{"T2"}, batch.Keys())
	assert.Equal(t, "archive", batch.Op)

	err = client.Save(ctx, "a@example.com", "banner-tests", "v1", models.Collection{})
	assert.ErrorIs(t, err, models.ErrVersionConflict)
	var apiErr *models.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "req-1", apiErr.RequestID)
}

func TestWebSocketNotifications(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, transport.EventsPath, r.URL.Path)
		assert.Equal(t, "a@example.com", r.Header.Get(transport.EditorHeader))

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var sub models.WSMessage
		require.NoError(t, conn.ReadJSON(&sub))
		assert.Equal(t, models.WSTypeSubscribe, sub.Type)
		assert.JSONEq(t, `{"collections":["banner-tests"]}`, string(sub.Data))

		subscribed, _ := models.NewWSMessage(models.WSTypeSubscribed, nil)
		require.NoError(t, conn.WriteJSON(subscribed))

		note, _ := models.NewWSMessage(models.WSTypeNotification, models.Notification{
			Type:     models.NotifySaved,
			Resource: models.CollectionKey("banner-tests"),
			Editor:   "b@example.com",
			At:       time.Now().UTC(),
		})
		require.NoError(t, conn.WriteJSON(note))

		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer server.Close()

	client := transport.NewWSClient(server.URL, "a@example.com", testLogger())
	require.NoError(t, client.Connect(context.Background(), "banner-tests"))
	defer client.Close()

	var received []models.Notification
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case n, ok := <-client.Messages():
			if !ok {
				done = true
				break
			}
			received = append(received, n)
		case <-timeout:
			t.Fatal("timeout waiting for messages")
		}
	}

	require.Len(t, received, 1)
	assert.Equal(t, models.NotifySaved, received[0].Type)
	assert.Equal(t, "b@example.com", received[0].Editor)
}

func TestMockTransport(t *testing.T) {
	ctx := context.Background()
	mock := transport.NewMockTransport(testLogger())
	defer mock.Close()

	notes, err := mock.Watch(ctx, "b@example.com")
	require.NoError(t, err)

	mock.FailNext("Lock", models.ErrStoreUnavailable)
	key := models.CollectionKey("banner-tests")
	assert.ErrorIs(t, mock.Lock(ctx, "a@example.com", key), models.ErrStoreUnavailable)
	require.NoError(t, mock.Lock(ctx, "a@example.com", key))

	assert.Equal(t, 2, mock.Count("Lock"))
	assert.Equal(t, []string{"Watch", "Lock", "Lock"}, mock.Calls())

	n := <-notes
	assert.Equal(t, models.NotifyLocked, n.Type)
}
