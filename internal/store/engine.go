package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/state"
)

// Engine implements Store over a blob store and a lock table. Mutations of
// one collection are serialized within the process; across processes the
// backend's compare-and-swap is what keeps writes linearizable.
type Engine struct {
	blobs    state.Blobs
	locks    state.Locks
	notifier Notifier
	logger   *events.Logger
	now      func() time.Time

	mu    sync.Mutex
	keyed map[string]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier publishes a notification after each successful mutation.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock overrides the time source used for lock timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over the given primitives.
func NewEngine(blobs state.Blobs, locks state.Locks, logger *events.Logger, opts ...Option) *Engine {
	e := &Engine{
		blobs:  blobs,
		locks:  locks,
		logger: logger.WithField("component", "store_engine"),
		now:    time.Now,
		keyed:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewMemory returns an engine over a fresh in-memory backend.
func NewMemory(logger *events.Logger, opts ...Option) *Engine {
	m := state.NewMemoryStore()
	return NewEngine(m, m, logger, opts...)
}

// Fetch implements Store.
func (e *Engine) Fetch(ctx context.Context, editor, collection string) (*models.Snapshot, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}

	value, version, err := e.load(ctx, collection)
	if err != nil {
		return nil, err
	}

	held, err := e.locks.List(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}

	snap := &models.Snapshot{
		Value:     value,
		Version:   version,
		Status:    held[""].Normalize(),
		UserEmail: editor,
	}
	delete(held, "")
	if len(held) > 0 {
		snap.ItemStatus = held
	}

	return snap, nil
}

// Archived implements Store.
func (e *Engine) Archived(ctx context.Context, collection string) ([]models.Record, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}

	value, _, err := e.load(ctx, ArchiveKey(collection))
	if err != nil {
		return nil, err
	}
	return value.Tests, nil
}

// Save implements Store.
func (e *Engine) Save(ctx context.Context, editor, collection, version string, value models.Collection) error {
	if err := validateWrite(editor, collection); err != nil {
		return err
	}
	if err := validateItems(value); err != nil {
		return err
	}

	unlock := e.lockCollection(collection)
	defer unlock()

	if err := e.store(ctx, collection, value, version); err != nil {
		return err
	}

	e.releaseIfHeld(ctx, models.CollectionKey(collection), editor)
	e.notify(ctx, models.NotifySaved, models.CollectionKey(collection), editor, nil)
	return nil
}

// Reorder implements Store.
func (e *Engine) Reorder(ctx context.Context, editor, collection, version string, names []string) error {
	if err := validateWrite(editor, collection); err != nil {
		return err
	}

	unlock := e.lockCollection(collection)
	defer unlock()

	value, current, err := e.load(ctx, collection)
	if err != nil {
		return err
	}
	if current != version {
		return models.ErrVersionConflict
	}

	byName := make(map[string]models.Record, len(value.Tests))
	for _, r := range value.Tests {
		name, err := r.Name()
		if err != nil {
			return err
		}
		byName[name] = r
	}
	if len(names) != len(byName) {
		return fmt.Errorf("%w: got %d names for %d items", models.ErrInvalidOrder, len(names), len(byName))
	}

	ordered := make([]models.Record, 0, len(names))
	for _, name := range names {
		r, ok := byName[name]
		if !ok {
			return fmt.Errorf("%w: %q is missing or repeated", models.ErrInvalidOrder, name)
		}
		delete(byName, name)
		ordered = append(ordered, r)
	}

	if err := e.store(ctx, collection, models.Collection{Tests: ordered}, current); err != nil {
		return err
	}

	e.notify(ctx, models.NotifyReordered, models.CollectionKey(collection), editor, nil)
	return nil
}

// Create implements Store.
func (e *Engine) Create(ctx context.Context, editor, collection, version string, item models.Record) error {
	if err := validateWrite(editor, collection); err != nil {
		return err
	}
	name, err := itemName(item)
	if err != nil {
		return err
	}

	unlock := e.lockCollection(collection)
	defer unlock()

	value, current, err := e.load(ctx, collection)
	if err != nil {
		return err
	}
	if current != version {
		return models.ErrVersionConflict
	}
	if value.Index(name) >= 0 {
		return fmt.Errorf("%w: %s", models.ErrAlreadyExists, name)
	}

	value.Tests = append(value.Tests, item)
	if err := e.store(ctx, collection, value, current); err != nil {
		return err
	}

	key := models.ItemKey(collection, name)
	e.releaseIfHeld(ctx, key, editor)
	e.notify(ctx, models.NotifyCreated, key, editor, []string{name})
	return nil
}

// UpdateItem implements Store.
func (e *Engine) UpdateItem(ctx context.Context, editor, collection, version string, item models.Record) error {
	if err := validateWrite(editor, collection); err != nil {
		return err
	}
	name, err := itemName(item)
	if err != nil {
		return err
	}

	unlock := e.lockCollection(collection)
	defer unlock()

	value, current, err := e.load(ctx, collection)
	if err != nil {
		return err
	}
	if current != version {
		return models.ErrVersionConflict
	}

	idx := value.Index(name)
	if idx < 0 {
		return fmt.Errorf("%w: %s", models.ErrNotFound, name)
	}

	value.Tests[idx] = item
	if err := e.store(ctx, collection, value, current); err != nil {
		return err
	}

	key := models.ItemKey(collection, name)
	e.releaseIfHeld(ctx, key, editor)
	e.notify(ctx, models.NotifySaved, key, editor, []string{name})
	return nil
}

// Archive implements Store.
func (e *Engine) Archive(ctx context.Context, editor, collection string, names []string) error {
	if err := validateWrite(editor, collection); err != nil {
		return err
	}

	unlock := e.lockCollection(collection)
	defer unlock()

	value, version, err := e.load(ctx, collection)
	if err != nil {
		return err
	}

	kept, moved, failed := split(value, names)
	if len(moved) > 0 {
		archive, archiveVersion, err := e.load(ctx, ArchiveKey(collection))
		if err != nil {
			return err
		}

		for _, m := range moved {
			r, err := m.record.WithField("status", models.StatusArchived)
			if err != nil {
				return err
			}
			archive.Tests = append(archive.Tests, r)
		}

		// Archive first: a failure between the two writes leaves a
		// duplicate in the archive rather than losing the item.
		if err := e.store(ctx, ArchiveKey(collection), archive, archiveVersion); err != nil {
			return fmt.Errorf("write archive: %w", err)
		}
		if err := e.store(ctx, collection, models.Collection{Tests: kept}, version); err != nil {
			return err
		}

		e.clearLocks(ctx, collection, moved)
		e.notify(ctx, models.NotifyArchived, models.CollectionKey(collection), editor, movedNames(moved))
	}

	return batchError("archive", failed)
}

// Delete implements Store.
func (e *Engine) Delete(ctx context.Context, editor, collection string, names []string) error {
	if err := validateWrite(editor, collection); err != nil {
		return err
	}

	unlock := e.lockCollection(collection)
	defer unlock()

	value, version, err := e.load(ctx, collection)
	if err != nil {
		return err
	}

	kept, removed, failed := split(value, names)
	if len(removed) > 0 {
		if err := e.store(ctx, collection, models.Collection{Tests: kept}, version); err != nil {
			return err
		}

		e.clearLocks(ctx, collection, removed)
		e.notify(ctx, models.NotifyDeleted, models.CollectionKey(collection), editor, movedNames(removed))
	}

	return batchError("delete", failed)
}

// SetStatus implements Store.
func (e *Engine) SetStatus(ctx context.Context, editor, collection string, status models.TestStatus, names []string) error {
	if err := validateWrite(editor, collection); err != nil {
		return err
	}
	if _, err := models.ParseTestStatus(string(status)); err != nil {
		return err
	}

	unlock := e.lockCollection(collection)
	defer unlock()

	value, version, err := e.load(ctx, collection)
	if err != nil {
		return err
	}

	_, matched, failed := split(value, names)
	if len(matched) > 0 {
		for _, m := range matched {
			r, err := m.record.WithField("status", status)
			if err != nil {
				return err
			}
			value.Tests[m.index] = r
		}

		if err := e.store(ctx, collection, value, version); err != nil {
			return err
		}
		e.notify(ctx, models.NotifyStatus, models.CollectionKey(collection), editor, movedNames(matched))
	}

	return batchError("status", failed)
}

// Lock implements Store.
func (e *Engine) Lock(ctx context.Context, editor string, key models.ResourceKey) error {
	if err := validateKey(editor, key); err != nil {
		return err
	}

	previous, err := e.locks.Acquire(ctx, key, editor, e.now(), false)
	if err != nil {
		return err
	}

	if !previous.HeldBy(editor) {
		e.notify(ctx, models.NotifyLocked, key, editor, nil)
	}
	return nil
}

// ForceTakeover implements Store.
func (e *Engine) ForceTakeover(ctx context.Context, editor string, key models.ResourceKey) error {
	if err := validateKey(editor, key); err != nil {
		return err
	}

	previous, err := e.locks.Acquire(ctx, key, editor, e.now(), true)
	if err != nil {
		return err
	}

	switch {
	case previous.HeldBy(editor):
	case previous.Locked:
		e.logger.WithFields(map[string]any{
			"resource":        key.String(),
			"editor":          editor,
			"previous_holder": previous.Email,
		}).Info("Lock taken over")
		e.notify(ctx, models.NotifyTakenOver, key, editor, nil)
	default:
		e.notify(ctx, models.NotifyLocked, key, editor, nil)
	}
	return nil
}

// Unlock implements Store.
func (e *Engine) Unlock(ctx context.Context, editor string, key models.ResourceKey) error {
	if err := validateKey(editor, key); err != nil {
		return err
	}

	if err := e.locks.Release(ctx, key, editor); err != nil {
		return err
	}

	e.notify(ctx, models.NotifyUnlocked, key, editor, nil)
	return nil
}

// lockCollection serializes mutations of one collection.
func (e *Engine) lockCollection(collection string) func() {
	e.mu.Lock()
	lock, exists := e.keyed[collection]
	if !exists {
		lock = &sync.Mutex{}
		e.keyed[collection] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (e *Engine) load(ctx context.Context, key string) (models.Collection, string, error) {
	data, version, err := e.blobs.Get(ctx, key)
	if errors.Is(err, models.ErrNotFound) {
		return models.Collection{Tests: []models.Record{}}, "", nil
	}
	if err != nil {
		return models.Collection{}, "", fmt.Errorf("read %s: %w", key, err)
	}

	var value models.Collection
	if err := json.Unmarshal(data, &value); err != nil {
		return models.Collection{}, "", fmt.Errorf("decode %s: %w: %w", key, models.ErrStoreUnavailable, err)
	}
	if value.Tests == nil {
		value.Tests = []models.Record{}
	}
	return value, version, nil
}

func (e *Engine) store(ctx context.Context, key string, value models.Collection, version string) error {
	if value.Tests == nil {
		value.Tests = []models.Record{}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	newVersion, err := e.blobs.Put(ctx, key, data, version)
	if err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("write %s: %w", key, err)
	}

	e.logger.WithFields(map[string]any{
		"key":         key,
		"items":       len(value.Tests),
		"old_version": version,
		"new_version": newVersion,
	}).Debug("Stored collection")
	return nil
}

// releaseIfHeld ends the editor's lock after a write. The write already
// happened, so failures are only logged.
func (e *Engine) releaseIfHeld(ctx context.Context, key models.ResourceKey, editor string) {
	err := e.locks.Release(ctx, key, editor)
	if err != nil && !errors.Is(err, models.ErrNotHolder) {
		e.logger.WithError(err).WithField("resource", key.String()).Warn("Failed to release lock after write")
	}
}

func (e *Engine) clearLocks(ctx context.Context, collection string, items []match) {
	for _, m := range items {
		key := models.ItemKey(collection, m.name)
		if err := e.locks.Clear(ctx, key); err != nil {
			e.logger.WithError(err).WithField("resource", key.String()).Warn("Failed to clear lock")
		}
	}
}

func (e *Engine) notify(ctx context.Context, typ models.NotificationType, key models.ResourceKey, editor string, items []string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, models.Notification{
		Type:     typ,
		Resource: key,
		Editor:   editor,
		Items:    items,
		At:       e.now().UTC(),
	})
}

type match struct {
	index  int
	name   string
	record models.Record
}

// split partitions a collection by names. Unknown names end up in failed.
func split(value models.Collection, names []string) (kept []models.Record, matched []match, failed map[string]error) {
	wanted := make(map[string]bool, len(names))
	failed = make(map[string]error)
	for _, n := range names {
		wanted[n] = true
	}

	kept = make([]models.Record, 0, len(value.Tests))
	for i, r := range value.Tests {
		name, err := r.Name()
		if err == nil && wanted[name] {
			matched = append(matched, match{index: i, name: name, record: r})
			delete(wanted, name)
			continue
		}
		kept = append(kept, r)
	}

	for n := range wanted {
		failed[n] = models.ErrNotFound
	}
	return kept, matched, failed
}

func movedNames(items []match) []string {
	names := make([]string, len(items))
	for i, m := range items {
		names[i] = m.name
	}
	return names
}

func batchError(op string, failed map[string]error) error {
	if len(failed) == 0 {
		return nil
	}
	return &models.BatchError{Op: op, Failed: failed}
}

func validateCollection(collection string) error {
	if collection == "" || strings.Contains(collection, "/") {
		return fmt.Errorf("%w: collection name %q", models.ErrInvalidRequest, collection)
	}
	return nil
}

func validateWrite(editor, collection string) error {
	if editor == "" {
		return fmt.Errorf("%w: editor identity is required", models.ErrInvalidRequest)
	}
	return validateCollection(collection)
}

func validateKey(editor string, key models.ResourceKey) error {
	if err := validateWrite(editor, key.Collection); err != nil {
		return err
	}
	return checkName(key.Item)
}

// checkName rejects names that would not round trip as a blob key or that
// could differ from an equal-looking name only in Unicode composition.
func checkName(name string) error {
	if strings.Contains(name, "/") {
		return fmt.Errorf("%w: item name %q", models.ErrInvalidRequest, name)
	}
	if !norm.NFC.IsNormalString(name) {
		return fmt.Errorf("%w: item name %q is not NFC normalized", models.ErrInvalidRequest, name)
	}
	return nil
}

func itemName(item models.Record) (string, error) {
	name, err := item.Name()
	if err != nil {
		return "", err
	}
	if err := checkName(name); err != nil {
		return "", err
	}
	return name, nil
}

// validateItems checks that every item is named and names are unique.
func validateItems(value models.Collection) error {
	seen := make(map[string]bool, len(value.Tests))
	for _, r := range value.Tests {
		name, err := itemName(r)
		if err != nil {
			return err
		}
		if seen[name] {
			return fmt.Errorf("%w: %s appears twice", models.ErrAlreadyExists, name)
		}
		seen[name] = true
	}
	return nil
}
