// Package storetest holds the behaviour every store.Store implementation
// must share. Backends run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/store"
)

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("fetch empty collection", func(t *testing.T) { testFetchEmpty(t, newStore(t)) })
	t.Run("save and refetch", func(t *testing.T) { testSave(t, newStore(t)) })
	t.Run("stale save is rejected", func(t *testing.T) { testStaleSave(t, newStore(t)) })
	t.Run("concurrent saves", func(t *testing.T) { testConcurrentSaves(t, newStore(t)) })
	t.Run("reorder", func(t *testing.T) { testReorder(t, newStore(t)) })
	t.Run("create and update items", func(t *testing.T) { testItems(t, newStore(t)) })
	t.Run("archive", func(t *testing.T) { testArchive(t, newStore(t)) })
	t.Run("delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("set status", func(t *testing.T) { testSetStatus(t, newStore(t)) })
	t.Run("lock lifecycle", func(t *testing.T) { testLocks(t, newStore(t)) })
	t.Run("item locks", func(t *testing.T) { testItemLocks(t, newStore(t)) })
	t.Run("invalid requests", func(t *testing.T) { testInvalid(t, newStore(t)) })
}

// Tests builds a collection of named tests.
func Tests(names ...string) models.Collection {
	c := models.Collection{Tests: make([]models.Record, 0, len(names))}
	for _, n := range names {
		r, err := models.NewRecord(models.Test{Name: n, Status: models.StatusLive, Variants: []models.Variant{{Name: "control"}}})
		if err != nil {
			panic(err)
		}
		c.Tests = append(c.Tests, r)
	}
	return c
}

// Seed saves names into an empty collection and returns the snapshot.
func Seed(t *testing.T, s store.Store, collection string, names ...string) *models.Snapshot {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, alice, collection, "", Tests(names...)))
	snap, err := s.Fetch(ctx, alice, collection)
	require.NoError(t, err)
	return snap
}

func names(t *testing.T, snap *models.Snapshot) []string {
	t.Helper()
	n, err := snap.Value.Names()
	require.NoError(t, err)
	return n
}

func record(t *testing.T, test models.Test) models.Record {
	t.Helper()
	r, err := models.NewRecord(test)
	require.NoError(t, err)
	return r
}

func testFetchEmpty(t *testing.T, s store.Store) {
	snap, err := s.Fetch(context.Background(), alice, "banner-tests")
	require.NoError(t, err)

	assert.Empty(t, snap.Value.Tests)
	assert.Empty(t, snap.Version)
	assert.False(t, snap.Status.Locked)
	assert.Empty(t, snap.ItemStatus)
	assert.Equal(t, alice, snap.UserEmail)
}

func testSave(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := Seed(t, s, "banner-tests", "T1", "T2")
	assert.NotEmpty(t, first.Version)
	assert.Equal(t, []string{"T1", "T2"}, names(t, first))

	require.NoError(t, s.Lock(ctx, alice, models.CollectionKey("banner-tests")))
	require.NoError(t, s.Save(ctx, alice, "banner-tests", first.Version, Tests("T1", "T2", "T3")))

	second, err := s.Fetch(ctx, bob, "banner-tests")
	require.NoError(t, err)
	assert.NotEqual(t, first.Version, second.Version)
	assert.Equal(t, []string{"T1", "T2", "T3"}, names(t, second))
	assert.False(t, second.Status.Locked, "save releases the collection lock")
	assert.Equal(t, bob, second.UserEmail)
}

func testStaleSave(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := Seed(t, s, "epic-tests", "T1")

	require.NoError(t, s.Save(ctx, alice, "epic-tests", base.Version, Tests("T1", "A")))

	err := s.Save(ctx, bob, "epic-tests", base.Version, Tests("T1", "B"))
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	snap, err := s.Fetch(ctx, bob, "epic-tests")
	require.NoError(t, err)
	assert.Equal(t, []string{"T1", "A"}, names(t, snap), "rejected write must not be applied")

	err = s.Save(ctx, bob, "epic-tests", "", Tests("X"))
	assert.ErrorIs(t, err, models.ErrVersionConflict, "empty version only creates")
}

func testConcurrentSaves(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := Seed(t, s, "header-tests", "T1")

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Save(ctx, alice, "header-tests", base.Version, Tests("T1", string(rune('a'+i))))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, models.ErrVersionConflict)
	}
	assert.Equal(t, 1, succeeded)
}

func testReorder(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := Seed(t, s, "banner-tests", "X", "Y", "Z")

	err := s.Reorder(ctx, alice, "banner-tests", base.Version, []string{"X", "Y"})
	assert.ErrorIs(t, err, models.ErrInvalidOrder)

	err = s.Reorder(ctx, alice, "banner-tests", base.Version, []string{"X", "X", "Y"})
	assert.ErrorIs(t, err, models.ErrInvalidOrder)

	require.NoError(t, s.Reorder(ctx, alice, "banner-tests", base.Version, []string{"Z", "X", "Y"}))

	err = s.Reorder(ctx, alice, "banner-tests", base.Version, []string{"X", "Y", "Z"})
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	snap, err := s.Fetch(ctx, alice, "banner-tests")
	require.NoError(t, err)
	assert.Equal(t, []string{"Z", "X", "Y"}, names(t, snap))
}

func testItems(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := Seed(t, s, "epic-tests", "T1")

	key := models.ItemKey("epic-tests", "T2")
	require.NoError(t, s.Lock(ctx, alice, key))
	require.NoError(t, s.Create(ctx, alice, "epic-tests", base.Version,
		record(t, models.Test{Name: "T2", Status: models.StatusDraft})))

	snap, err := s.Fetch(ctx, alice, "epic-tests")
	require.NoError(t, err)
	assert.Equal(t, []string{"T1", "T2"}, names(t, snap))
	assert.False(t, snap.ItemLock("T2").Locked, "create releases the item lock")

	err = s.Create(ctx, alice, "epic-tests", snap.Version, record(t, models.Test{Name: "T1"}))
	assert.ErrorIs(t, err, models.ErrAlreadyExists)

	err = s.UpdateItem(ctx, alice, "epic-tests", snap.Version, record(t, models.Test{Name: "missing"}))
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = s.UpdateItem(ctx, alice, "epic-tests", base.Version, record(t, models.Test{Name: "T1", Nickname: "stale"}))
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	require.NoError(t, s.Lock(ctx, alice, models.ItemKey("epic-tests", "T1")))
	require.NoError(t, s.UpdateItem(ctx, alice, "epic-tests", snap.Version,
		record(t, models.Test{Name: "T1", Nickname: "renamed", Status: models.StatusLive})))

	snap, err = s.Fetch(ctx, alice, "epic-tests")
	require.NoError(t, err)
	var t1 models.Test
	require.NoError(t, snap.Value.Tests[0].Decode(&t1))
	assert.Equal(t, "renamed", t1.Nickname)
	assert.False(t, snap.ItemLock("T1").Locked)
}

func testArchive(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seed(t, s, "banner-tests", "T1", "T2", "T3")
	require.NoError(t, s.Lock(ctx, alice, models.ItemKey("banner-tests", "T2")))

	err := s.Archive(ctx, alice, "banner-tests", []string{"T2", "ghost"})

	var batch *models.BatchError
	require.ErrorAs(t, err, &batch)
	assert.Equal(t, []string{"ghost"}, batch.Keys())

	snap, err := s.Fetch(ctx, alice, "banner-tests")
	require.NoError(t, err)
	assert.Equal(t, []string{"T1", "T3"}, names(t, snap))
	assert.False(t, snap.ItemLock("T2").Locked, "archive clears the item lock")

	archived, err := s.Archived(ctx, "banner-tests")
	require.NoError(t, err)
	require.Len(t, archived, 1)
	var t2 models.Test
	require.NoError(t, archived[0].Decode(&t2))
	assert.Equal(t, "T2", t2.Name)
	assert.Equal(t, models.StatusArchived, t2.Status)

	require.NoError(t, s.Archive(ctx, alice, "banner-tests", []string{"T3"}))
	archived, err = s.Archived(ctx, "banner-tests")
	require.NoError(t, err)
	assert.Len(t, archived, 2)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seed(t, s, "epic-tests", "T1", "T2", "T3")

	require.NoError(t, s.Delete(ctx, alice, "epic-tests", []string{"T1", "T3"}))

	err := s.Delete(ctx, alice, "epic-tests", []string{"T1"})
	var batch *models.BatchError
	require.ErrorAs(t, err, &batch)
	assert.ErrorIs(t, err, models.ErrNotFound)

	snap, err := s.Fetch(ctx, alice, "epic-tests")
	require.NoError(t, err)
	assert.Equal(t, []string{"T2"}, names(t, snap))

	archived, err := s.Archived(ctx, "epic-tests")
	require.NoError(t, err)
	assert.Empty(t, archived, "delete does not archive")
}

func testSetStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seed(t, s, "header-tests", "T1", "T2")

	require.NoError(t, s.SetStatus(ctx, alice, "header-tests", models.StatusDraft, []string{"T2"}))

	err := s.SetStatus(ctx, alice, "header-tests", "Paused", []string{"T1"})
	assert.ErrorIs(t, err, models.ErrInvalidStatus)

	snap, err := s.Fetch(ctx, alice, "header-tests")
	require.NoError(t, err)
	var t1, t2 models.Test
	require.NoError(t, snap.Value.Tests[0].Decode(&t1))
	require.NoError(t, snap.Value.Tests[1].Decode(&t2))
	assert.Equal(t, models.StatusLive, t1.Status)
	assert.Equal(t, models.StatusDraft, t2.Status)
}

func testLocks(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := models.CollectionKey("banner-tests")

	require.NoError(t, s.Lock(ctx, alice, key))
	first, err := s.Fetch(ctx, bob, "banner-tests")
	require.NoError(t, err)
	require.NotNil(t, first.Status.Timestamp)

	require.NoError(t, s.Lock(ctx, alice, key), "acquire is idempotent for the holder")
	require.NoError(t, s.ForceTakeover(ctx, alice, key))

	snap, err := s.Fetch(ctx, bob, "banner-tests")
	require.NoError(t, err)
	assert.True(t, snap.Status.HeldBy(alice))
	require.NotNil(t, snap.Status.Timestamp)
	assert.True(t, first.Status.Timestamp.Equal(*snap.Status.Timestamp), "the holder keeps its original timestamp")

	err = s.Lock(ctx, bob, key)
	var locked *models.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, alice, locked.Holder())
	assert.True(t, errors.Is(err, models.ErrAlreadyLocked))

	require.NoError(t, s.ForceTakeover(ctx, bob, key))
	snap, err = s.Fetch(ctx, alice, "banner-tests")
	require.NoError(t, err)
	assert.True(t, snap.Status.HeldBy(bob))

	assert.ErrorIs(t, s.Unlock(ctx, alice, key), models.ErrNotHolder)
	require.NoError(t, s.Unlock(ctx, bob, key))
	assert.ErrorIs(t, s.Unlock(ctx, bob, key), models.ErrNotHolder, "double release")

	snap, err = s.Fetch(ctx, alice, "banner-tests")
	require.NoError(t, err)
	assert.Equal(t, models.Unlocked(), snap.Status)
}

func testItemLocks(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seed(t, s, "epic-tests", "T1", "T2")

	require.NoError(t, s.Lock(ctx, alice, models.ItemKey("epic-tests", "T1")))
	require.NoError(t, s.Lock(ctx, bob, models.ItemKey("epic-tests", "T2")), "different items lock independently")

	snap, err := s.Fetch(ctx, alice, "epic-tests")
	require.NoError(t, err)
	assert.False(t, snap.Status.Locked)
	assert.True(t, snap.ItemLock("T1").HeldBy(alice))
	assert.True(t, snap.ItemLock("T2").HeldBy(bob))
}

func testInvalid(t *testing.T, s store.Store) {
	ctx := context.Background()

	err := s.Save(ctx, alice, "banner-tests", "", models.Collection{Tests: []models.Record{models.Record(`{"status":"Live"}`)}})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	err = s.Save(ctx, alice, "banner-tests", "", Tests("T1", "T1"))
	assert.ErrorIs(t, err, models.ErrAlreadyExists)

	err = s.Lock(ctx, "", models.CollectionKey("banner-tests"))
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}
