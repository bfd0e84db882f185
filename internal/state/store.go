package state

import (
	"context"
	"time"

	"github.com/guardian/support-admin-console-sub001/internal/models"
)

// Blobs persists opaque documents under string keys with compare-and-swap
// writes. Versions are issued by the backend and never interpreted by
// callers.
type Blobs interface {
	// Get returns the document and its current version, or
	// models.ErrNotFound when the key has never been written.
	Get(ctx context.Context, key string) ([]byte, string, error)

	// Put stores data if the current version equals ifVersion and returns
	// the new version. An empty ifVersion means the key must not exist yet.
	// A mismatch fails with models.ErrVersionConflict and writes nothing.
	Put(ctx context.Context, key string, data []byte, ifVersion string) (string, error)
}

// Locks records advisory editing locks.
type Locks interface {
	// Status returns the lock status of one resource.
	Status(ctx context.Context, key models.ResourceKey) (models.LockStatus, error)

	// List returns every held lock of a collection keyed by item name; the
	// collection-level lock, if held, is under the empty name.
	List(ctx context.Context, collection string) (map[string]models.LockStatus, error)

	// Acquire takes the lock for editor. It is idempotent for the holder.
	// When another editor holds it, Acquire fails with *models.LockedError
	// unless force is set, in which case ownership moves to editor. The
	// returned status is the one in effect before the call.
	Acquire(ctx context.Context, key models.ResourceKey, editor string, at time.Time, force bool) (models.LockStatus, error)

	// Release drops the lock if editor holds it, otherwise it fails with
	// models.ErrNotHolder.
	Release(ctx context.Context, key models.ResourceKey, editor string) error

	// Clear drops the lock whoever holds it. Clearing an unlocked
	// resource is not an error.
	Clear(ctx context.Context, key models.ResourceKey) error
}

// Backend is a storage that provides both primitives.
type Backend interface {
	Blobs
	Locks
	Close() error
}
