// Package session implements the editing workflow of one editor on one
// collection: fetch, lock, edit locally, save, release.
package session

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/lock"
	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/reminder"
	"github.com/guardian/support-admin-console-sub001/internal/store"
	"github.com/guardian/support-admin-console-sub001/internal/tracker"
)

// EditorSession is one editor's view of a collection. The working copy
// holds every local edit until it is saved. All store calls are made
// without holding the session mutex, and at most one is in flight.
type EditorSession[T Item[T]] struct {
	store      store.Store
	editor     string
	collection string
	policy     LockingPolicy
	locks      *lock.Controller
	reminders  *reminder.Set
	logger     *events.Logger
	onWarning  func(models.ResourceKey)

	mu        sync.Mutex
	inFlight  bool
	copy      *tracker.WorkingCopy[[]T]
	isNew     map[string]bool
	bases     map[string]string
	userEmail string
}

// New creates a session. Call Load before anything else.
func New[T Item[T]](st store.Store, editor, collection string, policy LockingPolicy, opts ...Option) *EditorSession[T] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = events.Default()
	}

	logger := o.logger.WithFields(map[string]any{
		"component":  "editor_session",
		"collection": collection,
		"editor":     editor,
		"policy":     policy.String(),
	})

	s := &EditorSession[T]{
		store:      st,
		editor:     editor,
		collection: collection,
		policy:     policy,
		locks:      lock.NewController(st, editor, o.logger),
		logger:     logger,
		onWarning:  o.onWarning,
		copy:       tracker.New[[]T](nil, "", cloneItems[T]),
		isNew:      make(map[string]bool),
		bases:      make(map[string]string),
	}
	s.reminders = reminder.NewSet(o.clock, o.reminderDelay, s.warn)
	return s
}

func (s *EditorSession[T]) warn(key models.ResourceKey) {
	s.logger.WithField("resource", key.String()).
		Warn("Lock held for a long time, save or release it so others can edit")
	if s.onWarning != nil {
		s.onWarning(key)
	}
}

// Collection returns the collection being edited.
func (s *EditorSession[T]) Collection() string {
	return s.collection
}

// Editor returns the identity the session acts as.
func (s *EditorSession[T]) Editor() string {
	return s.editor
}

// Policy returns the locking policy.
func (s *EditorSession[T]) Policy() LockingPolicy {
	return s.policy
}

// UserEmail is the identity reported by the last fetch.
func (s *EditorSession[T]) UserEmail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userEmail
}

// Version is the version the working copy is based on.
func (s *EditorSession[T]) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copy.BaseVersion()
}

// Items returns the pending items in order.
func (s *EditorSession[T]) Items() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copy.Value()
}

// Item returns the pending version of one item.
func (s *EditorSession[T]) Item(name string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.copy.Value()
	if i := indexOf(items, name); i >= 0 {
		return items[i], true
	}
	var zero T
	return zero, false
}

// Committed returns the items as last fetched.
func (s *EditorSession[T]) Committed() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copy.Committed()
}

// IsModified reports whether there are unsaved local edits.
func (s *EditorSession[T]) IsModified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copy.IsModified()
}

// IsDirty reports whether the named item has unsaved edits. Under the list
// policy any edit makes every item dirty.
func (s *EditorSession[T]) IsDirty(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirtyLocked(name)
}

// IsValid reports whether every input field validates.
func (s *EditorSession[T]) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copy.IsValid()
}

// Invalid returns the fields failing validation.
func (s *EditorSession[T]) Invalid() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copy.Invalid()
}

// IsNew reports whether the named item exists only locally.
func (s *EditorSession[T]) IsNew(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isNew[name]
}

// EditMode reports whether this editor holds the lock guarding name.
func (s *EditorSession[T]) EditMode(name string) bool {
	return s.locks.Held(s.policy.Resource(s.collection, name))
}

// LockStatus returns the last known status of the lock guarding name.
func (s *EditorSession[T]) LockStatus(name string) models.LockStatus {
	return s.locks.Status(s.policy.Resource(s.collection, name))
}

// Held returns every resource of the collection this editor holds.
func (s *EditorSession[T]) Held() []models.ResourceKey {
	return s.locks.HeldKeys()
}

// Armed reports whether a lock reminder is pending for key.
func (s *EditorSession[T]) Armed(key models.ResourceKey) bool {
	return s.reminders.Armed(key)
}

// SetFieldValidity records whether an input field validates.
func (s *EditorSession[T]) SetFieldValidity(field string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.copy.SetFieldValidity(field, ok)
}

// Load fetches the collection and replaces the working copy, dropping any
// local edits.
func (s *EditorSession[T]) Load(ctx context.Context) error {
	key := models.CollectionKey(s.collection)
	if err := s.start("fetch", key, gates{}); err != nil {
		return err
	}
	defer s.end()

	return s.refetch(ctx, "fetch", true)
}

// Refresh re-fetches the collection. It refuses while there are unsaved
// edits.
func (s *EditorSession[T]) Refresh(ctx context.Context) error {
	key := models.CollectionKey(s.collection)
	if err := s.start("refresh", key, gates{clean: true}); err != nil {
		return err
	}
	defer s.end()

	return s.refetch(ctx, "refresh", true)
}

type gates struct {
	lock  bool
	valid bool
	clean bool
}

// start claims the in-flight slot after checking the gates in order.
func (s *EditorSession[T]) start(op string, key models.ResourceKey, g gates) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight {
		return opError(op, key, models.ErrOperationInFlight)
	}
	if g.lock && !s.locks.Held(key) {
		return opError(op, key, models.ErrNotHolder)
	}
	if g.valid && !s.copy.IsValid() {
		return opError(op, key, fmt.Errorf("%w: %v", models.ErrValidationFailed, s.copy.Invalid()))
	}
	if g.clean && s.copy.IsModified() {
		return opError(op, key, models.ErrUnsavedChanges)
	}
	s.inFlight = true
	return nil
}

func (s *EditorSession[T]) end() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

// refetch loads a fresh snapshot. With discard the working copy is
// replaced. Otherwise local edits survive: the list policy keeps the
// working copy and its base version, the item policy carries the edits
// onto the fresh snapshot. Names in settled are never carried. Edits that
// could not be carried are reported in a *models.BatchError after the
// snapshot has been applied.
func (s *EditorSession[T]) refetch(ctx context.Context, op string, discard bool, settled ...string) error {
	if err := s.reload(ctx, discard, settled...); err != nil {
		return opError(op, models.CollectionKey(s.collection), err)
	}
	return nil
}

func (s *EditorSession[T]) reload(ctx context.Context, discard bool, settled ...string) error {
	snap, err := s.store.Fetch(ctx, s.editor, s.collection)
	if err != nil {
		return err
	}
	items, err := decodeItems[T](snap.Value)
	if err != nil {
		return err
	}

	var dropped map[string]error
	s.mu.Lock()
	s.locks.Sync(s.collection, snap)
	s.userEmail = snap.UserEmail
	switch {
	case discard || !s.copy.IsModified():
		s.resetLocked(items, snap.Version)
	case s.policy.perItem:
		dropped = s.rebaseLocked(items, snap.Version, settled)
	}
	s.mu.Unlock()

	s.reminders.Reconcile(s.locks.HeldKeys())

	s.logger.WithFields(map[string]any{
		"version": snap.Version,
		"items":   len(items),
	}).Debug("Fetched collection")
	if len(dropped) > 0 {
		return &models.BatchError{Op: "keep edits", Failed: dropped}
	}
	return nil
}

func (s *EditorSession[T]) resetLocked(items []T, version string) {
	for name := range s.isNew {
		s.locks.Forget(s.policy.Resource(s.collection, name))
	}
	s.copy.Reset(items, version)
	s.isNew = make(map[string]bool)
	s.bases = make(map[string]string)
}

// rebaseLocked moves unsaved item edits onto a fresh snapshot. Edits of
// items removed from the store, and new items whose name has since been
// taken, are dropped and returned by name.
func (s *EditorSession[T]) rebaseLocked(fresh []T, version string, settled []string) map[string]error {
	skip := make(map[string]bool, len(settled))
	for _, name := range settled {
		skip[name] = true
	}

	committed, pending := s.copy.Committed(), s.copy.Value()
	var order []string
	if persisted := s.persistedKeys(pending); !slices.Equal(persisted, keys(committed)) {
		order = persisted
	}

	var carried []T
	for _, item := range pending {
		name := item.Key()
		if skip[name] {
			continue
		}
		if s.isNew[name] {
			carried = append(carried, item)
			continue
		}
		if i := indexOf(committed, name); i >= 0 && fingerprint(committed[i]) != fingerprint(item) {
			carried = append(carried, item)
		}
	}

	invalid := s.copy.Invalid()
	isNew := s.isNew
	bases := s.bases
	s.copy.Reset(fresh, version)
	s.isNew = make(map[string]bool)
	s.bases = make(map[string]string)

	for _, name := range settled {
		if isNew[name] {
			s.locks.Forget(s.policy.Resource(s.collection, name))
		}
	}

	var kept []T
	dropped := make(map[string]error)
	for _, item := range carried {
		name := item.Key()
		exists := indexOf(fresh, name) >= 0
		switch {
		case isNew[name] && exists:
			s.locks.Forget(s.policy.Resource(s.collection, name))
			s.logger.WithField("item", name).Warn("Dropping new item, the name was created by another editor")
			dropped[name] = fmt.Errorf("%w: %w: %s was created by another editor",
				models.ErrEditsDiscarded, models.ErrVersionConflict, name)
		case !isNew[name] && !exists:
			s.logger.WithField("item", name).Warn("Dropping edits of an item removed by another editor")
			dropped[name] = fmt.Errorf("%w: %w: %s was removed by another editor",
				models.ErrEditsDiscarded, models.ErrVersionConflict, name)
		default:
			kept = append(kept, item)
			if isNew[name] {
				s.isNew[name] = true
			} else if base, ok := bases[name]; ok {
				s.bases[name] = base
			}
		}
	}
	if order != nil && slices.Equal(present(order, fresh), keys(fresh)) {
		order = nil
	}
	if len(kept) == 0 && order == nil {
		return dropped
	}

	s.copy.Update(func(items []T) []T {
		if order != nil {
			items = applyOrder(items, order)
		}
		for _, item := range kept {
			if i := indexOf(items, item.Key()); i >= 0 {
				items[i] = item
			} else {
				items = append(items, item)
			}
		}
		return items
	})
	for _, field := range invalid {
		s.copy.SetFieldValidity(field, false)
	}
	return dropped
}

func (s *EditorSession[T]) persistedKeys(items []T) []string {
	var names []string
	for _, item := range items {
		if !s.isNew[item.Key()] {
			names = append(names, item.Key())
		}
	}
	return names
}

// dirtyLocked reports whether saving or releasing name would lose edits.
func (s *EditorSession[T]) dirtyLocked(name string) bool {
	if !s.policy.perItem || name == "" {
		return s.copy.IsModified()
	}
	if s.isNew[name] {
		return true
	}
	pending, committed := s.copy.Value(), s.copy.Committed()
	i, j := indexOf(pending, name), indexOf(committed, name)
	if i < 0 || j < 0 {
		return i != j
	}
	return fingerprint(pending[i]) != fingerprint(committed[j])
}

func opError(op string, key models.ResourceKey, err error) error {
	return &models.OperationError{Op: op, Resource: key, Err: err}
}
