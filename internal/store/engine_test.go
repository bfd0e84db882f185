package store_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/state"
	"github.com/guardian/support-admin-console-sub001/internal/store"
	"github.com/guardian/support-admin-console-sub001/internal/store/storetest"
)

func testLogger() *events.Logger {
	return events.NewTestLogger(events.DebugLevel, "json", &bytes.Buffer{})
}

func TestMemoryEngine(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemory(testLogger())
	})
}

func TestSQLiteEngine(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		backend, err := state.OpenSQLStore(context.Background(), state.DriverSQLite,
			filepath.Join(t.TempDir(), "console.db"), testLogger())
		require.NoError(t, err)
		t.Cleanup(func() { backend.Close() })
		return store.NewEngine(backend, backend, testLogger())
	})
}

type recorder struct {
	mu    sync.Mutex
	notes []models.Notification
}

func (r *recorder) Notify(_ context.Context, n models.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) types() []models.NotificationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.NotificationType, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.Type
	}
	return out
}

func TestEngineNotifications(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	e := store.NewMemory(testLogger(), store.WithNotifier(rec), store.WithClock(func() time.Time { return at }))

	key := models.CollectionKey("banner-tests")
	require.NoError(t, e.Lock(ctx, "a@example.com", key))
	require.NoError(t, e.Lock(ctx, "a@example.com", key))
	require.NoError(t, e.ForceTakeover(ctx, "b@example.com", key))
	require.NoError(t, e.Save(ctx, "b@example.com", "banner-tests", "", storetest.Tests("T1", "T2")))
	require.NoError(t, e.Archive(ctx, "b@example.com", "banner-tests", []string{"T1"}))
	assert.Error(t, e.Unlock(ctx, "b@example.com", key))

	assert.Equal(t, []models.NotificationType{
		models.NotifyLocked,
		models.NotifyTakenOver,
		models.NotifySaved,
		models.NotifyArchived,
	}, rec.types())

	last := rec.notes[len(rec.notes)-1]
	assert.Equal(t, []string{"T1"}, last.Items)
	assert.Equal(t, "b@example.com", last.Editor)
	assert.Equal(t, at, last.At)
}

func TestEngineLockTimestampUsesClock(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	e := store.NewMemory(testLogger(), store.WithClock(func() time.Time { return at }))

	require.NoError(t, e.Lock(ctx, "a@example.com", models.ItemKey("epic-tests", "T1")))

	snap, err := e.Fetch(ctx, "a@example.com", "epic-tests")
	require.NoError(t, err)
	lock := snap.ItemLock("T1")
	require.NotNil(t, lock.Timestamp)
	assert.Equal(t, at, *lock.Timestamp)
}

func TestEngineRejectsNestedNames(t *testing.T) {
	ctx := context.Background()
	e := store.NewMemory(testLogger())

	_, err := e.Fetch(ctx, "a@example.com", "banner-tests/archived")
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	err = e.Lock(ctx, "a@example.com", models.ItemKey("banner-tests", "a/b"))
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestEngineRejectsDecomposedNames(t *testing.T) {
	ctx := context.Background()
	e := store.NewMemory(testLogger())

	decomposed := "cafe\u0301"
	err := e.Lock(ctx, "a@example.com", models.ItemKey("banner-tests", decomposed))
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	err = e.Lock(ctx, "a@example.com", models.ItemKey("banner-tests", "caf\u00e9"))
	assert.NoError(t, err)
}

// failingBlobs fails every write after the first n.
type failingBlobs struct {
	*state.MemoryStore
	allowed int
}

func (f *failingBlobs) Put(ctx context.Context, key string, data []byte, ifVersion string) (string, error) {
	if f.allowed == 0 {
		return "", errors.Join(models.ErrStoreUnavailable, errors.New("throttled"))
	}
	f.allowed--
	return f.MemoryStore.Put(ctx, key, data, ifVersion)
}

func TestEngineArchiveKeepsItemWhenMainWriteFails(t *testing.T) {
	ctx := context.Background()
	mem := state.NewMemoryStore()
	blobs := &failingBlobs{MemoryStore: mem, allowed: 2}
	e := store.NewEngine(blobs, mem, testLogger())

	require.NoError(t, e.Save(ctx, "a@example.com", "banner-tests", "", storetest.Tests("T1")))

	err := e.Archive(ctx, "a@example.com", "banner-tests", []string{"T1"})
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	snap, err := e.Fetch(ctx, "a@example.com", "banner-tests")
	require.NoError(t, err)
	assert.Len(t, snap.Value.Tests, 1, "item must not be lost")
}

func TestEngineSaveFailureKeepsLock(t *testing.T) {
	ctx := context.Background()
	mem := state.NewMemoryStore()
	e := store.NewEngine(&failingBlobs{MemoryStore: mem}, mem, testLogger())

	key := models.CollectionKey("banner-tests")
	require.NoError(t, e.Lock(ctx, "a@example.com", key))

	err := e.Save(ctx, "a@example.com", "banner-tests", "", storetest.Tests("T1"))
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	status, err := mem.Status(ctx, key)
	require.NoError(t, err)
	assert.True(t, status.HeldBy("a@example.com"))
}
