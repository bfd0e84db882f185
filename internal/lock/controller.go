// Package lock tracks which resources an editor holds and talks to the
// store to acquire, take over and release them.
package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
)

// Locker is the part of the store the controller needs.
type Locker interface {
	Lock(ctx context.Context, editor string, key models.ResourceKey) error
	ForceTakeover(ctx context.Context, editor string, key models.ResourceKey) error
	Unlock(ctx context.Context, editor string, key models.ResourceKey) error
}

// Controller is one editor's view of lock state. The cache is replaced
// from every fetch, so it is only as fresh as the last Sync.
type Controller struct {
	store  Locker
	editor string
	logger *events.Logger
	now    func() time.Time

	mu       sync.RWMutex
	statuses map[models.ResourceKey]models.LockStatus
	granted  map[models.ResourceKey]time.Time
}

// NewController creates a controller acting as editor.
func NewController(store Locker, editor string, logger *events.Logger) *Controller {
	return &Controller{
		store:    store,
		editor:   editor,
		logger:   logger.WithFields(map[string]any{"component": "lock_controller", "editor": editor}),
		now:      time.Now,
		statuses: make(map[models.ResourceKey]models.LockStatus),
		granted:  make(map[models.ResourceKey]time.Time),
	}
}

// Editor returns the identity the controller acts as.
func (c *Controller) Editor() string {
	return c.editor
}

// Acquire locks key. When another editor holds it the error is a
// *models.LockedError and the cache records that holder.
func (c *Controller) Acquire(ctx context.Context, key models.ResourceKey) error {
	err := c.store.Lock(ctx, c.editor, key)
	if err != nil {
		var locked *models.LockedError
		if errors.As(err, &locked) {
			c.set(key, locked.Status.Normalize())
			c.logger.WithFields(map[string]any{
				"resource": key.String(),
				"holder":   locked.Holder(),
			}).Info("Lock held by another editor")
		}
		return err
	}

	c.set(key, models.LockedBy(c.editor, c.now()))
	c.logger.WithField("resource", key.String()).Debug("Lock acquired")
	return nil
}

// ForceTakeover moves key to this editor whoever holds it.
func (c *Controller) ForceTakeover(ctx context.Context, key models.ResourceKey) error {
	previous := c.Status(key)

	if err := c.store.ForceTakeover(ctx, c.editor, key); err != nil {
		return err
	}

	c.set(key, models.LockedBy(c.editor, c.now()))
	c.logger.WithFields(map[string]any{
		"resource":        key.String(),
		"previous_holder": previous.Email,
	}).Info("Took control of lock")
	return nil
}

// Release unlocks key. A models.ErrNotHolder result still clears this
// editor's claim from the cache.
func (c *Controller) Release(ctx context.Context, key models.ResourceKey) error {
	err := c.store.Unlock(ctx, c.editor, key)
	if err != nil && !errors.Is(err, models.ErrNotHolder) {
		return err
	}

	c.mu.Lock()
	if c.statuses[key].HeldBy(c.editor) {
		c.statuses[key] = models.Unlocked()
	}
	delete(c.granted, key)
	c.mu.Unlock()

	if err == nil {
		c.logger.WithField("resource", key.String()).Debug("Lock released")
	}
	return err
}

// IsHeldBy reports whether identity holds key according to the cache.
func (c *Controller) IsHeldBy(key models.ResourceKey, identity string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.granted[key]; ok && identity == c.editor {
		return true
	}
	return c.statuses[key].HeldBy(identity)
}

// Held reports whether this editor holds key.
func (c *Controller) Held(key models.ResourceKey) bool {
	return c.IsHeldBy(key, c.editor)
}

// Status returns the cached status of key.
func (c *Controller) Status(key models.ResourceKey) models.LockStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if at, ok := c.granted[key]; ok {
		return models.LockedBy(c.editor, at)
	}
	if s, ok := c.statuses[key]; ok {
		return s
	}
	return models.Unlocked()
}

// HeldKeys returns every resource this editor holds, sorted.
func (c *Controller) HeldKeys() []models.ResourceKey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var keys []models.ResourceKey
	for k := range c.granted {
		keys = append(keys, k)
	}
	for k, s := range c.statuses {
		if _, granted := c.granted[k]; !granted && s.HeldBy(c.editor) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Sync replaces the cached statuses of one collection with those of a
// fresh snapshot. Local grants survive.
func (c *Controller) Sync(collection string, snap *models.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.statuses {
		if k.Collection == collection {
			delete(c.statuses, k)
		}
	}

	c.statuses[models.CollectionKey(collection)] = snap.Status.Normalize()
	for item, s := range snap.ItemStatus {
		c.statuses[models.ItemKey(collection, item)] = s.Normalize()
	}
}

// Grant records a local claim on a resource that does not exist in the
// store yet, such as a new unsaved item.
func (c *Controller) Grant(key models.ResourceKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.granted[key] = c.now().UTC()
}

// Granted reports whether key is held by a local grant.
func (c *Controller) Granted(key models.ResourceKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.granted[key]
	return ok
}

// Forget drops the local grant on key. Statuses learned from the store
// are kept.
func (c *Controller) Forget(key models.ResourceKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.granted, key)
}

func (c *Controller) set(key models.ResourceKey, s models.LockStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[key] = s
}
