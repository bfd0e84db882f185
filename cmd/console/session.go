package main

import (
	"context"
	"fmt"
	"time"

	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/session"
)

type testSession = session.EditorSession[models.Test]

// openSession loads a collection under the --policy locking policy.
func openSession(ctx context.Context, collection string) (*testSession, error) {
	p, err := policy()
	if err != nil {
		return nil, err
	}

	s := apiClient.Tests(collection, p, session.OnLockExpiryWarning(func(key models.ResourceKey) {
		printWarning("You have held %s for %s. Save or release it so others can edit.",
			key, cfg.Session.LockReminder.Round(time.Minute))
	}))
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// resources returns the lock names an operation on names needs: the items
// themselves under the item policy, the collection otherwise.
func resources(s *testSession, names []string) []string {
	if !s.Policy().PerItem() {
		return []string{""}
	}
	return names
}

// withLocks runs fn holding the locks guarding names. Locks this call
// acquired are released afterwards unless fn already released them.
func withLocks(ctx context.Context, s *testSession, names []string, fn func() error) error {
	var acquired []string
	for _, name := range names {
		if s.EditMode(name) {
			continue
		}
		if err := s.Lock(ctx, name, false); err != nil {
			release(ctx, s, acquired)
			return err
		}
		acquired = append(acquired, name)
	}

	err := fn()
	release(ctx, s, acquired)
	return err
}

func release(ctx context.Context, s *testSession, names []string) {
	for _, name := range names {
		if !s.EditMode(name) {
			continue
		}
		if err := s.Discard(ctx, name); err != nil {
			logger.WithError(err).WithField("item", name).Warn("Failed to release lock")
		}
	}
}

// describeLock renders a lock status for humans.
func describeLock(st models.LockStatus) string {
	if !st.Locked {
		return ""
	}
	if st.Timestamp == nil {
		return fmt.Sprintf("locked by %s", st.Email)
	}
	return fmt.Sprintf("locked by %s since %s", st.Email, st.Timestamp.Local().Format("Jan 2 15:04"))
}

func report(action, collection string, names []string) error {
	if jsonOutput {
		return printJSON(map[string]any{
			"success":    true,
			"action":     action,
			"collection": collection,
			"items":      names,
		})
	}
	if len(names) == 0 {
		printSuccess("%s %s", action, collection)
	} else {
		printSuccess("%s %v in %s", action, names, collection)
	}
	return nil
}

// detached returns a context that survives cancellation of ctx, for
// cleanup after an interrupt.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cfg.API.Timeout)
}
