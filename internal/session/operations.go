package session

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/guardian/support-admin-console-sub001/internal/models"
)

// Lock acquires the lock guarding name, or takes it over when force is
// set, then re-fetches. A new item is already held and needs no call.
func (s *EditorSession[T]) Lock(ctx context.Context, name string, force bool) error {
	key := s.policy.Resource(s.collection, name)
	if s.policy.perItem && s.IsNew(name) {
		return nil
	}

	op := "lock"
	if force {
		op = "takecontrol"
	}
	if err := s.start(op, key, gates{}); err != nil {
		return err
	}
	defer s.end()

	fresh := !s.locks.Held(key)
	var err error
	if force {
		err = s.locks.ForceTakeover(ctx, key)
	} else {
		err = s.locks.Acquire(ctx, key)
	}
	if err != nil {
		return opError(op, key, err)
	}
	if fresh {
		s.reminders.Disarm(key)
	}
	s.reminders.Arm(key)

	s.logger.WithField("resource", key.String()).Info("Entered edit mode")
	if err := s.reload(ctx, false); err != nil {
		var discarded *models.BatchError
		if errors.As(err, &discarded) {
			return opError(op, key, err)
		}
		return opError(op, key, fmt.Errorf("%w: %w", models.ErrStaleView, err))
	}
	return nil
}

// Unlock releases the lock guarding name. It refuses while that resource
// has unsaved edits; use Discard to drop them.
func (s *EditorSession[T]) Unlock(ctx context.Context, name string) error {
	key := s.policy.Resource(s.collection, name)
	if err := s.start("unlock", key, gates{}); err != nil {
		return err
	}
	defer s.end()

	s.mu.Lock()
	dirty := s.dirtyLocked(name)
	s.mu.Unlock()
	if dirty {
		return opError("unlock", key, models.ErrUnsavedChanges)
	}

	if err := s.locks.Release(ctx, key); err != nil {
		if errors.Is(err, models.ErrNotHolder) {
			if ferr := s.refetch(ctx, "unlock", false); ferr != nil {
				s.logger.WithError(ferr).Warn("Re-fetch after failed unlock failed")
			}
		}
		return opError("unlock", key, err)
	}
	s.reminders.Disarm(key)

	return s.refetch(ctx, "unlock", false)
}

// Discard drops local edits guarded by name and releases its lock. Under
// the list policy that is every edit.
func (s *EditorSession[T]) Discard(ctx context.Context, name string) error {
	key := s.policy.Resource(s.collection, name)
	if err := s.start("discard", key, gates{}); err != nil {
		return err
	}
	defer s.end()

	if !s.policy.perItem || name == "" {
		if s.locks.Held(key) {
			if err := s.locks.Release(ctx, key); err != nil && !errors.Is(err, models.ErrNotHolder) {
				return opError("discard", key, err)
			}
		}
		s.reminders.Disarm(key)
		return s.refetch(ctx, "discard", true)
	}

	s.mu.Lock()
	wasNew := s.isNew[name]
	s.revertLocked(name)
	s.mu.Unlock()

	if wasNew {
		s.locks.Forget(key)
	} else if s.locks.Held(key) {
		if err := s.locks.Release(ctx, key); err != nil && !errors.Is(err, models.ErrNotHolder) {
			return opError("discard", key, err)
		}
	}
	s.reminders.Disarm(key)

	return s.refetch(ctx, "discard", false)
}

// revertLocked puts the committed version of name back into the working
// copy, or removes it if it was never saved.
func (s *EditorSession[T]) revertLocked(name string) {
	committed := s.copy.Committed()
	j := indexOf(committed, name)
	s.copy.Update(func(items []T) []T {
		i := indexOf(items, name)
		switch {
		case i < 0:
			return items
		case j < 0:
			return slices.Delete(items, i, i+1)
		default:
			items[i] = committed[j]
			return items
		}
	})
	delete(s.isNew, name)
	delete(s.bases, name)

	if len(s.isNew) == 0 && sameOrder(s.copy.Value(), committed) && sameContent(s.copy.Value(), committed) {
		invalid := s.copy.Invalid()
		s.copy.Reset(committed, s.copy.BaseVersion())
		for _, field := range invalid {
			s.copy.SetFieldValidity(field, false)
		}
	}
}

// Update edits the named item in the working copy. The item keeps its
// name.
func (s *EditorSession[T]) Update(name string, fn func(T) T) error {
	key := s.policy.Resource(s.collection, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight {
		return opError("update", key, models.ErrOperationInFlight)
	}
	items := s.copy.Value()
	i := indexOf(items, name)
	if i < 0 {
		return opError("update", key, fmt.Errorf("%w: %s", models.ErrNotFound, name))
	}
	updated := fn(items[i].Clone())
	if updated.Key() != name {
		return opError("update", key, fmt.Errorf("%w: items cannot be renamed", models.ErrInvalidRequest))
	}

	if _, ok := s.bases[name]; !ok && !s.isNew[name] {
		committed := s.copy.Committed()
		if j := indexOf(committed, name); j >= 0 {
			s.bases[name] = fingerprint(committed[j])
		}
	}
	s.copy.Update(func(items []T) []T {
		items[i] = updated
		return items
	})
	return nil
}

// Create adds a new item to the working copy. Under the item policy the
// creator holds it straight away.
func (s *EditorSession[T]) Create(item T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked("create", item)
}

// Copy creates a new Draft item with the content of source.
func (s *EditorSession[T]) Copy(source, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.copy.Value()
	i := indexOf(items, source)
	if i < 0 {
		return opError("copy", s.policy.Resource(s.collection, source), fmt.Errorf("%w: %s", models.ErrNotFound, source))
	}
	return s.createLocked("copy", items[i].Renamed(name).Drafted())
}

func (s *EditorSession[T]) createLocked(op string, item T) error {
	name := item.Key()
	key := s.policy.Resource(s.collection, name)

	if s.inFlight {
		return opError(op, key, models.ErrOperationInFlight)
	}
	if name == "" {
		return opError(op, key, fmt.Errorf("%w: item needs a name", models.ErrInvalidRequest))
	}
	if indexOf(s.copy.Value(), name) >= 0 {
		return opError(op, key, fmt.Errorf("%w: %s", models.ErrAlreadyExists, name))
	}

	s.copy.Update(func(items []T) []T {
		return append(items, item)
	})
	s.isNew[name] = true

	if s.policy.perItem {
		s.locks.Grant(key)
		s.reminders.Arm(key)
	}
	s.logger.WithField("item", name).Info("Created item locally")
	return nil
}

// Save persists local edits. Under the list policy name is ignored and
// the whole collection is written; under the item policy only the named
// item is, as a create if it was never saved. A failed save leaves the
// working copy untouched.
func (s *EditorSession[T]) Save(ctx context.Context, name string) error {
	if !s.policy.perItem {
		return s.saveList(ctx)
	}
	return s.saveItem(ctx, name)
}

func (s *EditorSession[T]) saveList(ctx context.Context) error {
	key := models.CollectionKey(s.collection)
	if err := s.start("save", key, gates{lock: true, valid: true}); err != nil {
		return err
	}
	defer s.end()

	s.mu.Lock()
	items, version := s.copy.Value(), s.copy.BaseVersion()
	s.mu.Unlock()

	value, err := encodeItems(items)
	if err != nil {
		return opError("save", key, err)
	}
	if err := s.store.Save(ctx, s.editor, s.collection, version, value); err != nil {
		s.logger.WithError(err).Warn("Save failed")
		return opError("save", key, err)
	}
	s.reminders.Disarm(key)

	s.logger.WithField("items", len(items)).Info("Saved collection")
	return s.refetch(ctx, "save", true)
}

func (s *EditorSession[T]) saveItem(ctx context.Context, name string) error {
	key := models.ItemKey(s.collection, name)
	if err := s.start("save", key, gates{lock: true, valid: true}); err != nil {
		return err
	}
	defer s.end()

	s.mu.Lock()
	items, committed, version := s.copy.Value(), s.copy.Committed(), s.copy.BaseVersion()
	isNew := s.isNew[name]
	base, hasBase := s.bases[name]
	s.mu.Unlock()

	i := indexOf(items, name)
	if i < 0 {
		return opError("save", key, fmt.Errorf("%w: %s", models.ErrNotFound, name))
	}
	if hasBase {
		if j := indexOf(committed, name); j < 0 || fingerprint(committed[j]) != base {
			return opError("save", key, models.ErrVersionConflict)
		}
	}

	record, err := models.NewRecord(items[i])
	if err != nil {
		return opError("save", key, err)
	}
	if isNew {
		err = s.store.Create(ctx, s.editor, s.collection, version, record)
	} else {
		err = s.store.UpdateItem(ctx, s.editor, s.collection, version, record)
	}
	if err != nil {
		s.logger.WithError(err).WithField("item", name).Warn("Save failed")
		return opError("save", key, err)
	}
	s.reminders.Disarm(key)

	s.logger.WithFields(map[string]any{"item": name, "created": isNew}).Info("Saved item")
	return s.refetch(ctx, "save", false, name)
}

// MovePriority moves the item at oldIndex to newIndex in the working copy.
// The order is persisted by SaveOrder or, under the list policy, Save.
func (s *EditorSession[T]) MovePriority(newIndex, oldIndex int) error {
	key := models.CollectionKey(s.collection)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight {
		return opError("reorder", key, models.ErrOperationInFlight)
	}
	n := len(s.copy.Value())
	if oldIndex < 0 || oldIndex >= n || newIndex < 0 || newIndex >= n {
		return opError("reorder", key, fmt.Errorf("%w: move %d to %d in %d items", models.ErrInvalidOrder, oldIndex, newIndex, n))
	}
	if oldIndex == newIndex {
		return nil
	}

	s.copy.Update(func(items []T) []T {
		moved := items[oldIndex]
		items = slices.Delete(items, oldIndex, oldIndex+1)
		return slices.Insert(items, newIndex, moved)
	})
	return nil
}

// SaveOrder persists the order of the working copy and releases the
// collection lock. Unsaved items are left out. Under the list policy
// content edits must be saved with Save instead.
func (s *EditorSession[T]) SaveOrder(ctx context.Context) error {
	key := models.CollectionKey(s.collection)
	if err := s.start("reorder", key, gates{lock: true}); err != nil {
		return err
	}
	defer s.end()

	s.mu.Lock()
	items, committed, version := s.copy.Value(), s.copy.Committed(), s.copy.BaseVersion()
	var names []string
	for _, item := range items {
		if !s.isNew[item.Key()] {
			names = append(names, item.Key())
		}
	}
	s.mu.Unlock()

	if !s.policy.perItem && !sameContent(items, committed) {
		return opError("reorder", key, models.ErrUnsavedChanges)
	}

	if err := s.store.Reorder(ctx, s.editor, s.collection, version, names); err != nil {
		return opError("reorder", key, err)
	}
	if err := s.locks.Release(ctx, key); err != nil && !errors.Is(err, models.ErrNotHolder) {
		s.logger.WithError(err).Warn("Failed to release collection lock after reorder")
	}
	s.reminders.Disarm(key)

	s.logger.WithField("order", names).Info("Saved order")
	return s.refetch(ctx, "reorder", !s.policy.perItem)
}

// Archive moves items to the collection archive.
func (s *EditorSession[T]) Archive(ctx context.Context, names ...string) error {
	return s.batch(ctx, "archive", names, func(persisted []string) error {
		return s.store.Archive(ctx, s.editor, s.collection, persisted)
	})
}

// Delete removes items for good.
func (s *EditorSession[T]) Delete(ctx context.Context, names ...string) error {
	return s.batch(ctx, "delete", names, func(persisted []string) error {
		return s.store.Delete(ctx, s.editor, s.collection, persisted)
	})
}

// SetStatus switches items Live, Draft or Archived. Unsaved items must be
// saved first.
func (s *EditorSession[T]) SetStatus(ctx context.Context, status models.TestStatus, names ...string) error {
	for _, name := range names {
		if s.IsNew(name) {
			return opError("status", s.policy.Resource(s.collection, name), models.ErrNotCreated)
		}
	}
	return s.batch(ctx, "status", names, func(persisted []string) error {
		return s.store.SetStatus(ctx, s.editor, s.collection, status, persisted)
	})
}

// batch runs a multi-item operation. Unsaved items are handled locally.
// A partial failure still re-fetches and returns the *models.BatchError.
func (s *EditorSession[T]) batch(ctx context.Context, op string, names []string, call func([]string) error) error {
	key := models.CollectionKey(s.collection)
	if err := s.start(op, key, gates{lock: !s.policy.perItem, clean: !s.policy.perItem}); err != nil {
		return err
	}
	defer s.end()

	s.mu.Lock()
	var local, persisted []string
	for _, name := range names {
		if s.isNew[name] {
			local = append(local, name)
			continue
		}
		if s.policy.perItem && !s.locks.Held(models.ItemKey(s.collection, name)) {
			s.mu.Unlock()
			return opError(op, models.ItemKey(s.collection, name), models.ErrNotHolder)
		}
		persisted = append(persisted, name)
	}
	for _, name := range local {
		s.revertLocked(name)
		s.locks.Forget(s.policy.Resource(s.collection, name))
	}
	s.mu.Unlock()

	if len(persisted) == 0 {
		return nil
	}

	err := call(persisted)
	var batchErr *models.BatchError
	if err != nil && !errors.As(err, &batchErr) {
		return opError(op, key, err)
	}

	s.logger.WithFields(map[string]any{"items": persisted, "partial": err != nil}).Info("Applied " + op)
	settled := persisted
	if op == "status" {
		settled = nil
	}
	if ferr := s.refetch(ctx, op, !s.policy.perItem, settled...); ferr != nil {
		return ferr
	}
	if err != nil {
		return opError(op, key, err)
	}
	return nil
}

// Close releases every lock this session holds. It refuses while there
// are unsaved edits unless discard is set.
func (s *EditorSession[T]) Close(ctx context.Context, discard bool) error {
	key := models.CollectionKey(s.collection)
	gate := gates{clean: !discard}
	if err := s.start("close", key, gate); err != nil {
		return err
	}
	defer s.end()

	var errs []error
	for _, held := range s.locks.HeldKeys() {
		if s.locks.Granted(held) {
			s.locks.Forget(held)
			continue
		}
		if err := s.locks.Release(ctx, held); err != nil && !errors.Is(err, models.ErrNotHolder) {
			errs = append(errs, opError("unlock", held, err))
		}
	}
	s.reminders.DisarmAll()

	s.mu.Lock()
	s.resetLocked(s.copy.Committed(), s.copy.BaseVersion())
	s.mu.Unlock()

	s.logger.Debug("Session closed")
	return errors.Join(errs...)
}

func sameContent[T Item[T]](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	byName := make(map[string]string, len(b))
	for _, item := range b {
		byName[item.Key()] = fingerprint(item)
	}
	for _, item := range a {
		if fp, ok := byName[item.Key()]; !ok || fp != fingerprint(item) {
			return false
		}
	}
	return true
}

func sameOrder[T Item[T]](a, b []T) bool {
	return slices.Equal(keys(a), keys(b))
}
