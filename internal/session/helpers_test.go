package session_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/session"
	"github.com/guardian/support-admin-console-sub001/internal/store"
	"github.com/guardian/support-admin-console-sub001/internal/store/storetest"
	"github.com/guardian/support-admin-console-sub001/internal/transport"
)

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"

	collection = "banner-tests"
)

func testLogger() *events.Logger {
	return events.NewTestLogger(events.DebugLevel, "json", &bytes.Buffer{})
}

// newStore returns a mock transport seeded with names.
func newStore(t *testing.T, names ...string) *transport.MockTransport {
	t.Helper()
	mt := transport.NewMockTransport(testLogger())
	t.Cleanup(func() { _ = mt.Close() })
	if len(names) > 0 {
		storetest.Seed(t, mt, collection, names...)
	}
	return mt
}

func open(t *testing.T, st store.Store, editor string, policy session.LockingPolicy, opts ...session.Option) *session.EditorSession[models.Test] {
	t.Helper()
	opts = append([]session.Option{session.WithLogger(testLogger())}, opts...)
	s := session.New[models.Test](st, editor, collection, policy, opts...)
	require.NoError(t, s.Load(context.Background()))
	return s
}

// stored fetches what the store currently holds.
func stored(t *testing.T, st store.Store) []models.Test {
	t.Helper()
	snap, err := st.Fetch(context.Background(), alice, collection)
	require.NoError(t, err)

	tests := make([]models.Test, 0, len(snap.Value.Tests))
	for _, r := range snap.Value.Tests {
		var test models.Test
		require.NoError(t, r.Decode(&test))
		tests = append(tests, test)
	}
	return tests
}

func storedNames(t *testing.T, st store.Store) []string {
	t.Helper()
	var names []string
	for _, test := range stored(t, st) {
		names = append(names, test.Name)
	}
	return names
}

func storedTest(t *testing.T, st store.Store, name string) models.Test {
	t.Helper()
	for _, test := range stored(t, st) {
		if test.Name == name {
			return test
		}
	}
	t.Fatalf("test %s not stored", name)
	return models.Test{}
}

func nickname(n string) func(models.Test) models.Test {
	return func(t models.Test) models.Test {
		t.Nickname = n
		return t
	}
}

func names(tests []models.Test) []string {
	out := make([]string, len(tests))
	for i, t := range tests {
		out[i] = t.Name
	}
	return out
}

// blockingStore holds Save until release is closed.
type blockingStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func newBlockingStore(st store.Store) *blockingStore {
	return &blockingStore{Store: st, entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingStore) Save(ctx context.Context, editor, collection, version string, value models.Collection) error {
	close(b.entered)
	<-b.release
	return b.Store.Save(ctx, editor, collection, version, value)
}
