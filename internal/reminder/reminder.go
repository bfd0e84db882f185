// Package reminder warns an editor who has held a lock for too long.
package reminder

import (
	"sync"
	"time"

	"github.com/guardian/support-admin-console-sub001/internal/models"
)

// DefaultDelay is how long a lock may be held before the warning.
const DefaultDelay = 20 * time.Minute

type state int

const (
	idle state = iota
	armed
	fired
)

// Reminder fires once per armed period. Once it has fired it stays quiet
// until Disarm is called, even if Arm is called again.
type Reminder struct {
	clock  Clock
	delay  time.Duration
	onFire func()

	mu    sync.Mutex
	state state
	timer Timer
	gen   uint64
}

// New creates an idle reminder. A non-positive delay means DefaultDelay.
func New(clock Clock, delay time.Duration, onFire func()) *Reminder {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Reminder{clock: clock, delay: delay, onFire: onFire}
}

// Arm starts the timer if the reminder is idle. It reports whether a new
// timer was started.
func (r *Reminder) Arm() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != idle {
		return false
	}
	r.state = armed
	r.gen++
	gen := r.gen
	r.timer = r.clock.AfterFunc(r.delay, func() { r.fire(gen) })
	return true
}

// Disarm cancels a pending timer and returns the reminder to idle.
func (r *Reminder) Disarm() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.state = idle
	r.gen++
}

// Armed reports whether a timer is pending.
func (r *Reminder) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == armed
}

// Fired reports whether the reminder fired since it was last disarmed.
func (r *Reminder) Fired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == fired
}

func (r *Reminder) fire(gen uint64) {
	r.mu.Lock()
	if r.gen != gen || r.state != armed {
		r.mu.Unlock()
		return
	}
	r.state = fired
	r.timer = nil
	r.mu.Unlock()

	if r.onFire != nil {
		r.onFire()
	}
}

// Set keeps one reminder per held resource.
type Set struct {
	clock  Clock
	delay  time.Duration
	onFire func(models.ResourceKey)

	mu        sync.Mutex
	reminders map[models.ResourceKey]*Reminder
}

// NewSet creates an empty set. onFire receives the resource whose lock has
// been held for delay.
func NewSet(clock Clock, delay time.Duration, onFire func(models.ResourceKey)) *Set {
	if clock == nil {
		clock = RealClock()
	}
	return &Set{
		clock:     clock,
		delay:     delay,
		onFire:    onFire,
		reminders: make(map[models.ResourceKey]*Reminder),
	}
}

// Arm starts the reminder for key unless one is already running or has
// already fired.
func (s *Set) Arm(key models.ResourceKey) bool {
	s.mu.Lock()
	r, ok := s.reminders[key]
	if !ok {
		r = New(s.clock, s.delay, func() {
			if s.onFire != nil {
				s.onFire(key)
			}
		})
		s.reminders[key] = r
	}
	s.mu.Unlock()
	return r.Arm()
}

// Disarm cancels and forgets the reminder for key.
func (s *Set) Disarm(key models.ResourceKey) {
	s.mu.Lock()
	r, ok := s.reminders[key]
	delete(s.reminders, key)
	s.mu.Unlock()

	if ok {
		r.Disarm()
	}
}

// Armed reports whether the reminder for key is pending.
func (s *Set) Armed(key models.ResourceKey) bool {
	s.mu.Lock()
	r, ok := s.reminders[key]
	s.mu.Unlock()
	return ok && r.Armed()
}

// Keys returns the resources with a reminder, pending or fired.
func (s *Set) Keys() []models.ResourceKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]models.ResourceKey, 0, len(s.reminders))
	for k := range s.reminders {
		keys = append(keys, k)
	}
	return keys
}

// Reconcile arms a reminder for every held key and disarms the rest.
func (s *Set) Reconcile(held []models.ResourceKey) {
	keep := make(map[models.ResourceKey]bool, len(held))
	for _, k := range held {
		keep[k] = true
		s.Arm(k)
	}
	for _, k := range s.Keys() {
		if !keep[k] {
			s.Disarm(k)
		}
	}
}

// DisarmAll cancels every reminder.
func (s *Set) DisarmAll() {
	for _, k := range s.Keys() {
		s.Disarm(k)
	}
}
