package transport

import (
	"context"
	"sync"

	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/store"
)

// MockTransport is an in-memory Transport for tests. Calls go to a memory
// engine unless an error is injected for the operation.
type MockTransport struct {
	*store.Engine

	mu       sync.Mutex
	errors   map[string]error
	calls    []string
	watchers []chan models.Notification
	closed   bool
}

// NewMockTransport creates a mock transport.
func NewMockTransport(logger *events.Logger) *MockTransport {
	m := &MockTransport{errors: make(map[string]error)}
	m.Engine = store.NewMemory(logger, store.WithNotifier(store.NotifierFunc(m.publish)))
	return m
}

// FailNext makes the next call of op return err. Operation names are the
// Store method names.
func (m *MockTransport) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[op] = err
}

// Calls returns the operations invoked so far, in order.
func (m *MockTransport) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Count returns how many times op was invoked.
func (m *MockTransport) Count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (m *MockTransport) track(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op)
	if err, ok := m.errors[op]; ok {
		delete(m.errors, op)
		return err
	}
	return nil
}

// Fetch mocks store.Store.
func (m *MockTransport) Fetch(ctx context.Context, editor, collection string) (*models.Snapshot, error) {
	if err := m.track("Fetch"); err != nil {
		return nil, err
	}
	return m.Engine.Fetch(ctx, editor, collection)
}

// Save mocks store.Store.
func (m *MockTransport) Save(ctx context.Context, editor, collection, version string, value models.Collection) error {
	if err := m.track("Save"); err != nil {
		return err
	}
	return m.Engine.Save(ctx, editor, collection, version, value)
}

// Reorder mocks store.Store.
func (m *MockTransport) Reorder(ctx context.Context, editor, collection, version string, names []string) error {
	if err := m.track("Reorder"); err != nil {
		return err
	}
	return m.Engine.Reorder(ctx, editor, collection, version, names)
}

// Create mocks store.Store.
func (m *MockTransport) Create(ctx context.Context, editor, collection, version string, item models.Record) error {
	if err := m.track("Create"); err != nil {
		return err
	}
	return m.Engine.Create(ctx, editor, collection, version, item)
}

// UpdateItem mocks store.Store.
func (m *MockTransport) UpdateItem(ctx context.Context, editor, collection, version string, item models.Record) error {
	if err := m.track("UpdateItem"); err != nil {
		return err
	}
	return m.Engine.UpdateItem(ctx, editor, collection, version, item)
}

// Archive mocks store.Store.
func (m *MockTransport) Archive(ctx context.Context, editor, collection string, names []string) error {
	if err := m.track("Archive"); err != nil {
		return err
	}
	return m.Engine.Archive(ctx, editor, collection, names)
}

// Delete mocks store.Store.
func (m *MockTransport) Delete(ctx context.Context, editor, collection string, names []string) error {
	if err := m.track("Delete"); err != nil {
		return err
	}
	return m.Engine.Delete(ctx, editor, collection, names)
}

// SetStatus mocks store.Store.
func (m *MockTransport) SetStatus(ctx context.Context, editor, collection string, status models.TestStatus, names []string) error {
	if err := m.track("SetStatus"); err != nil {
		return err
	}
	return m.Engine.SetStatus(ctx, editor, collection, status, names)
}

// Lock mocks store.Store.
func (m *MockTransport) Lock(ctx context.Context, editor string, key models.ResourceKey) error {
	if err := m.track("Lock"); err != nil {
		return err
	}
	return m.Engine.Lock(ctx, editor, key)
}

// ForceTakeover mocks store.Store.
func (m *MockTransport) ForceTakeover(ctx context.Context, editor string, key models.ResourceKey) error {
	if err := m.track("ForceTakeover"); err != nil {
		return err
	}
	return m.Engine.ForceTakeover(ctx, editor, key)
}

// Unlock mocks store.Store.
func (m *MockTransport) Unlock(ctx context.Context, editor string, key models.ResourceKey) error {
	if err := m.track("Unlock"); err != nil {
		return err
	}
	return m.Engine.Unlock(ctx, editor, key)
}

// Watch mocks Transport. Notifications of every collection are delivered.
func (m *MockTransport) Watch(ctx context.Context, _ string, _ ...string) (<-chan models.Notification, error) {
	if err := m.track("Watch"); err != nil {
		return nil, err
	}

	ch := make(chan models.Notification, 100)
	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()
	return ch, nil
}

// Close mocks connection closing.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		for _, ch := range m.watchers {
			close(ch)
		}
		m.watchers = nil
	}
	return nil
}

func (m *MockTransport) publish(_ context.Context, n models.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.watchers {
		select {
		case ch <- n:
		default:
		}
	}
}
