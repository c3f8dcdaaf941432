package main

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeTimer struct {
	deadline time.Time
	fn       func()
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	was := t.stopped
	t.stopped = true
	return !was
}

// fakeClock drives AfterFunc timers manually.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	armed  int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{deadline: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	c.armed++
	return t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.deadline.After(c.now) {
			t.stopped = true
			due = append(due, t.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range due {
		fn()
	}
}

func (c *fakeClock) armCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

type lockCounter struct {
	mu sync.Mutex
	n  int
}

func (l *lockCounter) lock() {
	l.mu.Lock()
	l.n++
	l.mu.Unlock()
}

func (l *lockCounter) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

func newTestAutoLock() (*AutoLock, *fakeClock, *lockCounter) {
	clock := newFakeClock()
	locks := &lockCounter{}
	a := NewAutoLock(clock, locks.lock, zerolog.Nop())
	return a, clock, locks
}

func TestAutoLockFiresAfterTimeout(t *testing.T) {
	a, clock, locks := newTestAutoLock()
	a.SetTimeout(5 * time.Minute)
	a.Schedule()

	clock.advance(4 * time.Minute)
	if locks.count() != 0 {
		t.Fatal("locked before the timeout elapsed")
	}
	clock.advance(time.Minute)
	if locks.count() != 1 {
		t.Fatalf("lock count = %d after timeout, want 1", locks.count())
	}

	// The timer is one-shot; nothing further fires.
	clock.advance(time.Hour)
	if locks.count() != 1 {
		t.Errorf("lock count = %d, want 1", locks.count())
	}
}

func TestPostponeResetsTimer(t *testing.T) {
	a, clock, locks := newTestAutoLock()
	a.SetTimeout(5 * time.Minute)
	a.Schedule()

	clock.advance(4 * time.Minute)
	a.Postpone()

	// The original deadline passes without a lock.
	clock.advance(2 * time.Minute)
	if locks.count() != 0 {
		t.Fatal("locked despite recent activity")
	}

	clock.advance(3 * time.Minute)
	if locks.count() != 1 {
		t.Fatalf("lock count = %d after postponed timeout, want 1", locks.count())
	}
}

func TestPostponeIsThrottled(t *testing.T) {
	a, clock, _ := newTestAutoLock()
	a.SetTimeout(5 * time.Minute)
	a.Schedule()

	armed := clock.armCount()
	a.Postpone()
	if clock.armCount() != armed+1 {
		t.Fatal("first postpone did not re-arm the timer")
	}

	// A burst within the throttle window is dropped.
	clock.advance(10 * time.Second)
	a.Postpone()
	clock.advance(10 * time.Second)
	a.Postpone()
	if clock.armCount() != armed+1 {
		t.Fatalf("throttled postpones re-armed the timer: %d arms", clock.armCount()-armed)
	}

	// Past the window the next signal counts again.
	clock.advance(30 * time.Second)
	a.Postpone()
	if clock.armCount() != armed+2 {
		t.Fatal("postpone after the throttle window did not re-arm")
	}
}

func TestPostponeWhileUnarmedIsNoop(t *testing.T) {
	a, clock, locks := newTestAutoLock()
	a.SetTimeout(time.Minute)

	a.Postpone()
	clock.advance(time.Hour)
	if locks.count() != 0 {
		t.Fatal("postpone armed a timer on a locked wallet")
	}
	if clock.armCount() != 0 {
		t.Fatal("unexpected timer arm")
	}
}

func TestClearDisarms(t *testing.T) {
	a, clock, locks := newTestAutoLock()
	a.SetTimeout(time.Minute)
	a.Schedule()
	a.Clear()

	clock.advance(time.Hour)
	if locks.count() != 0 {
		t.Fatal("cleared timer still fired")
	}
}
