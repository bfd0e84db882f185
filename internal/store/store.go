// Package store implements the versioned collection store that editor
// sessions talk to, on top of the blob and lock primitives of package state.
package store

import (
	"context"

	"github.com/guardian/support-admin-console-sub001/internal/models"
)

// Store is the storage-agnostic surface consumed by editor sessions and
// served by the HTTP API. Every call is one remote round trip; none is
// retried.
type Store interface {
	// Fetch returns the collection, its version and the lock status of the
	// collection and of each locked item. A collection that was never saved
	// is empty with an empty version.
	Fetch(ctx context.Context, editor, collection string) (*models.Snapshot, error)

	// Save replaces the whole collection if version is current, then
	// releases the editor's collection lock.
	Save(ctx context.Context, editor, collection, version string, value models.Collection) error

	// Archived returns the items archived from a collection, oldest first.
	Archived(ctx context.Context, collection string) ([]models.Record, error)

	// Reorder permutes the collection if version is current. names must
	// contain each current item exactly once.
	Reorder(ctx context.Context, editor, collection, version string, names []string) error

	// Create appends a new item if version is current, then releases the
	// editor's lock on it.
	Create(ctx context.Context, editor, collection, version string, item models.Record) error

	// UpdateItem replaces an existing item if version is current, then
	// releases the editor's lock on it.
	UpdateItem(ctx context.Context, editor, collection, version string, item models.Record) error

	// Archive moves items to the collection's archive and clears their
	// locks. Missing names are reported in a *models.BatchError; the rest
	// are still archived.
	Archive(ctx context.Context, editor, collection string, names []string) error

	// Delete removes items and clears their locks, with the same partial
	// failure reporting as Archive.
	Delete(ctx context.Context, editor, collection string, names []string) error

	// SetStatus changes the status field of items, with the same partial
	// failure reporting as Archive.
	SetStatus(ctx context.Context, editor, collection string, status models.TestStatus, names []string) error

	// Lock acquires a resource for editor or fails with *models.LockedError.
	Lock(ctx context.Context, editor string, key models.ResourceKey) error

	// ForceTakeover moves a resource to editor whoever holds it.
	ForceTakeover(ctx context.Context, editor string, key models.ResourceKey) error

	// Unlock releases a resource held by editor or fails with
	// models.ErrNotHolder.
	Unlock(ctx context.Context, editor string, key models.ResourceKey) error
}

// Notifier is told about every successful mutation.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n models.Notification)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n models.Notification) {
	f(ctx, n)
}

// ArchiveKey names the blob holding archived items of a collection.
func ArchiveKey(collection string) string {
	return collection + "/archived"
}
