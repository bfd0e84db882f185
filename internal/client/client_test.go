package client_test

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardian/support-admin-console-sub001/internal/client"
	"github.com/guardian/support-admin-console-sub001/internal/config"
	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/session"
)

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"
)

func testLogger() *events.Logger {
	return events.NewTestLogger(events.DebugLevel, "json", &bytes.Buffer{})
}

func testConfig(editor, backend string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Editor.Email = editor
	cfg.Store.Backend = backend
	return cfg
}

func newClient(t *testing.T, cfg *config.Config) *client.Client {
	t.Helper()
	c, err := client.New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func createTest(t *testing.T, c *client.Client, collection, name string) {
	t.Helper()
	ctx := context.Background()

	s := c.Tests(collection, session.ItemPolicy())
	require.NoError(t, s.Load(ctx))
	require.NoError(t, s.Create(models.Test{Name: name, Status: models.StatusDraft}))
	require.NoError(t, s.Save(ctx, name))
}

func next(t *testing.T, ch <-chan models.Notification) models.Notification {
	t.Helper()
	select {
	case n, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
		return models.Notification{}
	}
}

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, testConfig(alice, config.BackendMemory))

	createTest(t, c, "banner-tests", "t1")

	s := c.Tests("banner-tests", session.ListPolicy())
	require.NoError(t, s.Load(ctx))
	require.Len(t, s.Items(), 1)
	assert.Equal(t, "t1", s.Items()[0].Name)
	assert.Equal(t, alice, s.UserEmail())
	assert.NotEmpty(t, s.Version())
}

func TestUnknownBackend(t *testing.T) {
	_, err := client.New(testConfig(alice, "floppy"), testLogger())
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestWatchFiltersCollections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newClient(t, testConfig(alice, config.BackendMemory))

	ch, err := c.Watch(ctx, "epic-tests")
	require.NoError(t, err)

	createTest(t, c, "banner-tests", "b1")
	createTest(t, c, "epic-tests", "e1")

	n := next(t, ch)
	assert.Equal(t, "epic-tests", n.Resource.Collection)
	assert.Equal(t, models.NotifyCreated, n.Type)
	assert.Equal(t, []string{"e1"}, n.Items)
	assert.Equal(t, alice, n.Editor)
}

func TestWatchEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newClient(t, testConfig(alice, config.BackendMemory))

	ch, err := c.Watch(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed")
	}
}

func TestWatchAfterClose(t *testing.T) {
	c, err := client.New(testConfig(alice, config.BackendMemory), testLogger())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Watch(context.Background())
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestSQLBackendPersists(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(alice, config.BackendSQL)
	cfg.Store.SQL.DSN = filepath.Join(t.TempDir(), "console.db")

	first, err := client.New(cfg, testLogger())
	require.NoError(t, err)
	createTest(t, first, "banner-tests", "t1")
	require.NoError(t, first.Close())

	second := newClient(t, cfg)
	s := second.Tests("banner-tests", session.ListPolicy())
	require.NoError(t, s.Load(ctx))
	require.Len(t, s.Items(), 1)
	assert.Equal(t, "t1", s.Items()[0].Name)
}

func TestHTTPBackend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := newClient(t, testConfig(alice, config.BackendMemory))
	srv, err := local.Server()
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	cfg := testConfig(bob, config.BackendHTTP)
	cfg.API.BaseURL = ts.URL
	cfg.API.Timeout = 5 * time.Second
	remote := newClient(t, cfg)

	_, err = remote.Server()
	assert.ErrorIs(t, err, client.ErrRemoteBackend)

	ch, err := remote.Watch(ctx, "banner-tests")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return local.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	createTest(t, local, "banner-tests", "t1")
	n := next(t, ch)
	assert.Equal(t, models.NotifyCreated, n.Type)

	s := remote.Tests("banner-tests", session.ListPolicy())
	require.NoError(t, s.Load(ctx))
	assert.Equal(t, bob, s.UserEmail())
	require.NoError(t, s.Lock(ctx, "", false))
	require.NoError(t, s.Update("t1", func(test models.Test) models.Test {
		test.Nickname = "from bob"
		return test
	}))
	require.NoError(t, s.Save(ctx, ""))

	mine := local.Tests("banner-tests", session.ListPolicy())
	require.NoError(t, mine.Load(ctx))
	item, ok := mine.Item("t1")
	require.True(t, ok)
	assert.Equal(t, "from bob", item.Nickname)
}
