package state

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guardian/support-admin-console-sub001/internal/models"
)

type memoryBlob struct {
	data    []byte
	version string
}

// MemoryStore keeps blobs and locks in process memory. It is the default
// backend for local runs and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
	locks map[models.ResourceKey]models.LockStatus
}

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string]memoryBlob),
		locks: make(map[models.ResourceKey]models.LockStatus),
	}
}

// Get returns a copy of the stored blob.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.blobs[key]
	if !ok {
		return nil, "", models.ErrNotFound
	}
	return append([]byte(nil), b.data...), b.version, nil
}

// Put stores a copy of data if ifVersion is current.
func (m *MemoryStore) Put(_ context.Context, key string, data []byte, ifVersion string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.blobs[key].version != ifVersion {
		return "", models.ErrVersionConflict
	}

	version := uuid.NewString()
	m.blobs[key] = memoryBlob{data: append([]byte(nil), data...), version: version}
	return version, nil
}

// Status returns the lock status of key.
func (m *MemoryStore) Status(_ context.Context, key models.ResourceKey) (models.LockStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.locks[key].Normalize(), nil
}

// List returns the held locks of a collection.
func (m *MemoryStore) List(_ context.Context, collection string) (map[string]models.LockStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	held := make(map[string]models.LockStatus)
	for key, status := range m.locks {
		if key.Collection == collection && status.Locked {
			held[key.Item] = status
		}
	}
	return held, nil
}

// Acquire takes or force-takes a lock.
func (m *MemoryStore) Acquire(_ context.Context, key models.ResourceKey, editor string, at time.Time, force bool) (models.LockStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.locks[key].Normalize()
	switch {
	case previous.HeldBy(editor):
		return previous, nil
	case previous.Locked && !force:
		return previous, &models.LockedError{Resource: key, Status: previous}
	}

	m.locks[key] = models.LockedBy(editor, at)
	return previous, nil
}

// Release drops a lock held by editor.
func (m *MemoryStore) Release(_ context.Context, key models.ResourceKey, editor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.locks[key].HeldBy(editor) {
		return models.ErrNotHolder
	}
	delete(m.locks, key)
	return nil
}

// Clear drops a lock unconditionally.
func (m *MemoryStore) Clear(_ context.Context, key models.ResourceKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.locks, key)
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// Helper methods for testing

// Version returns the current version of key without copying data.
func (m *MemoryStore) Version(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blobs[key].version
}

// Keys returns how many blobs are stored.
func (m *MemoryStore) Keys() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
