package main

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Idle timeout bounds in minutes; requests outside the range are ignored.
const (
	MinLockTimeoutMinutes = 1
	MaxLockTimeoutMinutes = 30

	// DefaultLockTimeout applies when no setting is stored.
	DefaultLockTimeout = 5 * time.Minute

	// postponeThrottle bounds how often activity signals reset the timer.
	// The first signal in a window takes effect immediately.
	postponeThrottle = 30 * time.Second
)

// Clock abstracts time for the auto-lock so tests can drive it.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the stoppable handle AfterFunc returns.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// AutoLock relocks the wallet after a period without user activity. All
// methods are safe for concurrent use.
type AutoLock struct {
	clock  Clock
	lockFn func()
	log    zerolog.Logger

	mu           sync.Mutex
	timer        Timer
	timeout      time.Duration
	lastPostpone time.Time
}

// NewAutoLock creates an idle timer that calls lockFn when it fires. It
// starts unscheduled; call Schedule after an unlock.
func NewAutoLock(clock Clock, lockFn func(), logger zerolog.Logger) *AutoLock {
	if clock == nil {
		clock = realClock{}
	}
	return &AutoLock{
		clock:   clock,
		lockFn:  lockFn,
		log:     logger.With().Str("component", "autolock").Logger(),
		timeout: DefaultLockTimeout,
	}
}

// SetTimeout changes the idle duration. It does not reschedule a running
// timer; the new value applies from the next Schedule or Postpone.
func (a *AutoLock) SetTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timeout = d
}

// Schedule arms (or re-arms) the idle timer.
func (a *AutoLock) Schedule() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scheduleLocked()
}

// Clear disarms the timer without locking.
func (a *AutoLock) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Postpone re-arms the timer on user activity. Signals arriving within the
// throttle window of the previous effective one are dropped, so a busy UI
// does not reset the timer on every repaint.
func (a *AutoLock) Postpone() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer == nil {
		// Nothing armed; activity while locked is not a reason to arm.
		return
	}

	now := a.clock.Now()
	if !a.lastPostpone.IsZero() && now.Sub(a.lastPostpone) < postponeThrottle {
		return
	}
	a.lastPostpone = now
	a.scheduleLocked()
}

func (a *AutoLock) scheduleLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	timeout := a.timeout
	a.timer = a.clock.AfterFunc(timeout, a.fire)
	a.log.Debug().Dur("timeout", timeout).Msg("Auto-lock armed")
}

func (a *AutoLock) fire() {
	a.mu.Lock()
	a.timer = nil
	a.lastPostpone = time.Time{}
	a.mu.Unlock()

	a.lockFn()
}
