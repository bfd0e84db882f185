package session

import (
	"time"

	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
	"github.com/guardian/support-admin-console-sub001/internal/reminder"
)

// Option configures an EditorSession.
type Option func(*options)

type options struct {
	logger        *events.Logger
	clock         reminder.Clock
	reminderDelay time.Duration
	onWarning     func(models.ResourceKey)
}

// WithLogger sets the session logger.
func WithLogger(logger *events.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the clock driving lock reminders.
func WithClock(clock reminder.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithReminderDelay sets how long a lock may be held before the warning.
func WithReminderDelay(d time.Duration) Option {
	return func(o *options) { o.reminderDelay = d }
}

// OnLockExpiryWarning is called when a lock has been held for the reminder
// delay. The lock is not released.
func OnLockExpiryWarning(fn func(models.ResourceKey)) Option {
	return func(o *options) { o.onWarning = fn }
}
