package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/session"
)

func TestItemCreateIsNotAnUpdate(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "X")
	s := open(t, st, alice, session.ItemPolicy())

	z := models.Test{Name: "Z", Status: models.StatusDraft, Variants: []models.Variant{{Name: "control"}}}
	require.NoError(t, s.Create(z))
	assert.True(t, s.IsNew("Z"))
	assert.True(t, s.EditMode("Z"), "creator holds the new item")
	assert.True(t, s.LockStatus("Z").HeldBy(alice))
	assert.True(t, s.IsModified())
	assert.ErrorIs(t, s.Create(models.Test{Name: "X"}), models.ErrAlreadyExists)

	record, err := models.NewRecord(z)
	require.NoError(t, err)
	assert.ErrorIs(t, st.UpdateItem(ctx, alice, collection, s.Version(), record), models.ErrNotFound)
	updates := st.Count("UpdateItem")

	require.NoError(t, s.Save(ctx, "Z"))
	assert.Equal(t, 1, st.Count("Create"))
	assert.Equal(t, updates, st.Count("UpdateItem"))

	assert.False(t, s.IsNew("Z"))
	assert.False(t, s.EditMode("Z"))
	assert.False(t, s.IsModified())
	assert.Equal(t, []string{"X", "Z"}, storedNames(t, st))
}

func TestItemCopyStartsAsLockedDraft(t *testing.T) {
	st := newStore(t, "X")
	s := open(t, st, alice, session.ItemPolicy())

	require.NoError(t, s.Update("X", nickname("summer")))
	require.NoError(t, s.Copy("X", "X-copy"))

	copied, ok := s.Item("X-copy")
	require.True(t, ok)
	assert.Equal(t, models.StatusDraft, copied.Status)
	assert.Empty(t, copied.Nickname)
	assert.Equal(t, []models.Variant{{Name: "control"}}, copied.Variants)
	assert.True(t, s.IsNew("X-copy"))
	assert.True(t, s.EditMode("X-copy"))
	assert.False(t, s.EditMode("X"))

	assert.ErrorIs(t, s.Copy("ghost", "G"), models.ErrNotFound)
}

func TestItemLocksAreIndependent(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "T1", "T2")
	a := open(t, st, alice, session.ItemPolicy())
	b := open(t, st, bob, session.ItemPolicy())

	require.NoError(t, a.Lock(ctx, "T1", false))
	require.NoError(t, b.Lock(ctx, "T2", false))

	assert.True(t, a.EditMode("T1"))
	assert.False(t, a.EditMode("T2"))
	assert.True(t, a.LockStatus("T2").HeldBy(bob))
	assert.False(t, a.EditMode(""), "the collection stays unlocked")

	err := b.Lock(ctx, "T1", false)
	var locked *models.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, alice, locked.Holder())
}

func TestItemSaveKeepsOtherHeldEdits(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "T1", "T2", "T3")
	s := open(t, st, alice, session.ItemPolicy())
	v1 := s.Version()

	require.NoError(t, s.Lock(ctx, "T1", false))
	require.NoError(t, s.Lock(ctx, "T2", false))
	require.NoError(t, s.Update("T1", nickname("one")))
	require.NoError(t, s.Update("T2", nickname("two")))

	require.NoError(t, s.Save(ctx, "T1"))
	assert.NotEqual(t, v1, s.Version())
	assert.Equal(t, "one", storedTest(t, st, "T1").Nickname)
	assert.Empty(t, storedTest(t, st, "T2").Nickname)

	assert.False(t, s.EditMode("T1"))
	assert.True(t, s.EditMode("T2"))
	assert.True(t, s.IsModified())
	assert.False(t, s.IsDirty("T1"))
	assert.True(t, s.IsDirty("T2"))
	t2, _ := s.Item("T2")
	assert.Equal(t, "two", t2.Nickname)

	require.NoError(t, s.Save(ctx, "T2"))
	assert.Equal(t, "two", storedTest(t, st, "T2").Nickname)
	assert.False(t, s.IsModified())
	assert.Empty(t, s.Held())
}

func TestItemCrossSaveRaceSurfacesConflict(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "T1", "T2")
	a := open(t, st, alice, session.ItemPolicy())
	b := open(t, st, bob, session.ItemPolicy())

	require.NoError(t, a.Lock(ctx, "T1", false))
	require.NoError(t, b.Lock(ctx, "T2", false))
	require.NoError(t, a.Update("T1", nickname("alice")))
	require.NoError(t, b.Update("T2", nickname("bob")))

	require.NoError(t, a.Save(ctx, "T1"))

	err := b.Save(ctx, "T2")
	assert.ErrorIs(t, err, models.ErrVersionConflict)
	assert.True(t, b.IsDirty("T2"))
	assert.Empty(t, storedTest(t, st, "T2").Nickname)

	// Locking again re-fetches and carries the unchanged item's edit over.
	require.NoError(t, b.Lock(ctx, "T2", false))
	require.NoError(t, b.Save(ctx, "T2"))

	assert.Equal(t, "alice", storedTest(t, st, "T1").Nickname)
	assert.Equal(t, "bob", storedTest(t, st, "T2").Nickname)
}

func TestItemChangedUnderneathIsAConflict(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "T1")
	a := open(t, st, alice, session.ItemPolicy())
	b := open(t, st, bob, session.ItemPolicy())

	require.NoError(t, a.Lock(ctx, "T1", false))
	require.NoError(t, a.Update("T1", nickname("alice")))

	require.NoError(t, b.Lock(ctx, "T1", true))
	require.NoError(t, b.Update("T1", nickname("bob")))
	require.NoError(t, b.Save(ctx, "T1"))

	require.NoError(t, a.Lock(ctx, "T1", true))
	updates := st.Count("UpdateItem")
	assert.ErrorIs(t, a.Save(ctx, "T1"), models.ErrVersionConflict)
	assert.Equal(t, updates, st.Count("UpdateItem"), "conflict found before calling the store")
	assert.Equal(t, "bob", storedTest(t, st, "T1").Nickname)

	require.NoError(t, a.Discard(ctx, "T1"))
	assert.False(t, a.IsModified())
	assert.False(t, a.EditMode("T1"))
	t1, _ := a.Item("T1")
	assert.Equal(t, "bob", t1.Nickname)
}

func TestItemSaveRequiresItemLock(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "T1", "T2")
	s := open(t, st, alice, session.ItemPolicy())

	require.NoError(t, s.Lock(ctx, "T1", false))
	require.NoError(t, s.Update("T2", nickname("n")))

	assert.ErrorIs(t, s.Save(ctx, "T2"), models.ErrNotHolder)
	assert.Zero(t, st.Count("UpdateItem"))
}

func TestItemArchive(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "T1", "T2")
	s := open(t, st, alice, session.ItemPolicy())

	require.NoError(t, s.Create(models.Test{Name: "Z", Status: models.StatusDraft}))
	assert.ErrorIs(t, s.Archive(ctx, "T2"), models.ErrNotHolder)

	require.NoError(t, s.Lock(ctx, "T1", false))
	require.NoError(t, s.Archive(ctx, "Z", "T1"))

	assert.Equal(t, []string{"T2"}, names(s.Items()))
	assert.Equal(t, []string{"T2"}, storedNames(t, st))
	assert.False(t, s.IsModified())
	assert.False(t, s.EditMode("Z"))
	assert.False(t, s.EditMode("T1"))
	assert.Zero(t, st.Count("Create"))
}

func TestItemSetStatus(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "T1")
	s := open(t, st, alice, session.ItemPolicy())

	require.NoError(t, s.Create(models.Test{Name: "Z"}))
	assert.ErrorIs(t, s.SetStatus(ctx, models.StatusLive, "Z"), models.ErrNotCreated)

	require.NoError(t, s.Lock(ctx, "T1", false))
	require.NoError(t, s.SetStatus(ctx, models.StatusDraft, "T1"))

	assert.Equal(t, models.StatusDraft, storedTest(t, st, "T1").Status)
	t1, _ := s.Item("T1")
	assert.Equal(t, models.StatusDraft, t1.Status)
	assert.True(t, s.IsNew("Z"), "unsaved items survive the re-fetch")
}

func TestItemSaveOrderNeedsCollectionLock(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "T1", "T2")
	s := open(t, st, alice, session.ItemPolicy())

	require.NoError(t, s.Lock(ctx, "T1", false))
	require.NoError(t, s.MovePriority(0, 1))
	assert.ErrorIs(t, s.SaveOrder(ctx), models.ErrNotHolder)

	require.NoError(t, s.Lock(ctx, "", false))
	assert.Equal(t, []string{"T2", "T1"}, names(s.Items()), "locking keeps the pending order")
	require.NoError(t, s.SaveOrder(ctx))

	assert.Equal(t, []string{"T2", "T1"}, storedNames(t, st))
	assert.False(t, s.IsModified())
	assert.False(t, s.EditMode(""))
	assert.True(t, s.EditMode("T1"))
}

func TestItemPendingOrderSurvivesItemSave(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "T1", "T2")
	s := open(t, st, alice, session.ItemPolicy())

	require.NoError(t, s.Lock(ctx, "T1", false))
	require.NoError(t, s.MovePriority(0, 1))
	require.NoError(t, s.Update("T1", nickname("n")))
	require.NoError(t, s.Save(ctx, "T1"))

	assert.Equal(t, []string{"T1", "T2"}, storedNames(t, st))
	assert.Equal(t, []string{"T2", "T1"}, names(s.Items()))
	assert.Equal(t, []string{"T1", "T2"}, names(s.Committed()))
	assert.True(t, s.IsModified())
}

func TestItemUnlockAndDiscard(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "T1")
	s := open(t, st, alice, session.ItemPolicy())

	require.NoError(t, s.Lock(ctx, "T1", false))
	require.NoError(t, s.Update("T1", nickname("n")))
	assert.ErrorIs(t, s.Unlock(ctx, "T1"), models.ErrUnsavedChanges)

	require.NoError(t, s.Discard(ctx, "T1"))
	assert.False(t, s.EditMode("T1"))
	assert.False(t, s.IsModified())

	require.NoError(t, s.Create(models.Test{Name: "Z"}))
	assert.ErrorIs(t, s.Unlock(ctx, "Z"), models.ErrUnsavedChanges)
	require.NoError(t, s.Discard(ctx, "Z"))
	assert.False(t, s.IsNew("Z"))
	assert.False(t, s.EditMode("Z"))
	assert.Equal(t, []string{"T1"}, names(s.Items()))

	require.NoError(t, s.Lock(ctx, "T1", false))
	require.NoError(t, s.Unlock(ctx, "T1"))
	assert.False(t, s.EditMode("T1"))
}

func TestItemRebaseReportsTakenName(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "T1")
	a := open(t, st, alice, session.ItemPolicy())
	b := open(t, st, bob, session.ItemPolicy())

	require.NoError(t, a.Lock(ctx, "T1", false))
	require.NoError(t, a.Create(models.Test{Name: "Z", Status: models.StatusDraft, Nickname: "alice"}))

	require.NoError(t, b.Create(models.Test{Name: "Z", Status: models.StatusDraft, Nickname: "bob"}))
	require.NoError(t, b.Save(ctx, "Z"))

	err := a.Lock(ctx, "T1", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrEditsDiscarded)
	assert.ErrorIs(t, err, models.ErrVersionConflict)
	var batch *models.BatchError
	require.ErrorAs(t, err, &batch)
	assert.Equal(t, []string{"Z"}, batch.Keys())

	assert.False(t, a.IsNew("Z"))
	assert.False(t, a.EditMode("Z"))
	z, ok := a.Item("Z")
	require.True(t, ok)
	assert.Equal(t, "bob", z.Nickname)
	assert.True(t, a.EditMode("T1"), "the lock itself was taken")
}

func TestItemRebaseReportsRemovedItem(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, "T1", "T2")
	s := open(t, st, alice, session.ItemPolicy())

	require.NoError(t, s.Lock(ctx, "T1", false))
	require.NoError(t, s.Lock(ctx, "T2", false))
	require.NoError(t, s.Update("T2", nickname("mine")))
	require.NoError(t, st.Delete(ctx, bob, collection, []string{"T2"}))

	err := s.Lock(ctx, "T1", false)
	assert.ErrorIs(t, err, models.ErrEditsDiscarded)
	var batch *models.BatchError
	require.ErrorAs(t, err, &batch)
	assert.Equal(t, []string{"T2"}, batch.Keys())
	assert.Equal(t, []string{"T1"}, names(s.Items()))
	assert.False(t, s.IsModified())

	require.NoError(t, s.Update("T1", nickname("one")))
	require.NoError(t, s.Save(ctx, "T1"))
	assert.Equal(t, "one", storedTest(t, st, "T1").Nickname)
}
