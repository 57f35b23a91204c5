package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/tsdb2/common/pkg/syncx"
)

// epoch is the starting virtual time of a zero-value MockClock.
var epoch = time.Unix(0, 0).UTC()

// MockClock is a Clock whose time stands still until moved with AdvanceTime
// or SetTime. The zero value is valid (it can live in static storage) and
// starts at the Unix epoch.
//
// Goroutines blocked in AwaitWithDeadline register a listener with the
// clock. Moving the time notifies every listener outside the clock's
// internal lock: each notification locks the waiter's monitor, updates the
// listener's last-observed time, and unlocks, which re-evaluates the wait.
// This is what lets a deadline wait expire when only virtual time moved.
//
// MockClock is safe for concurrent use.
type MockClock struct {
	mu        sync.Mutex
	current   time.Time // zero means epoch
	listeners map[*listener]struct{}
}

// listener tracks one goroutine blocked in AwaitWithDeadline.
type listener struct {
	mon *syncx.Monitor

	// observed is the virtual time last pushed to this listener. Guarded
	// by mon, NOT by the clock's mutex, so wait predicates may read it.
	observed time.Time
}

var _ Clock = (*MockClock)(nil)

// NewMock returns a MockClock starting at the Unix epoch.
func NewMock() *MockClock { return &MockClock{} }

// NewMockAt returns a MockClock starting at t.
func NewMockAt(t time.Time) *MockClock { return &MockClock{current: t} }

func (c *MockClock) currentLocked() time.Time {
	if c.current.IsZero() {
		return epoch
	}
	return c.current
}

// Now returns the current virtual time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked()
}

// AdvanceTime moves the virtual time forward by delta and notifies all
// registered listeners. Panics if delta is negative: virtual time never
// moves backwards.
func (c *MockClock) AdvanceTime(delta time.Duration) {
	if delta < 0 {
		panic(fmt.Sprintf("clock: AdvanceTime by negative duration %v", delta))
	}
	c.mu.Lock()
	c.current = c.currentLocked().Add(delta)
	now, targets := c.current, c.snapshotLocked()
	c.mu.Unlock()
	notify(now, targets)
}

// SetTime sets the virtual time to t and notifies all registered listeners.
// Panics if t is earlier than the current virtual time.
func (c *MockClock) SetTime(t time.Time) {
	c.mu.Lock()
	if cur := c.currentLocked(); t.Before(cur) {
		c.mu.Unlock()
		panic(fmt.Sprintf("clock: SetTime to %v, before current virtual time %v", t, cur))
	}
	c.current = t
	now, targets := c.current, c.snapshotLocked()
	c.mu.Unlock()
	notify(now, targets)
}

func (c *MockClock) snapshotLocked() []*listener {
	targets := make([]*listener, 0, len(c.listeners))
	for l := range c.listeners {
		targets = append(targets, l)
	}
	return targets
}

// notify runs without the clock's lock: it acquires each waiter's monitor,
// which would invert lock order if the clock's were still held.
func notify(now time.Time, targets []*listener) {
	for _, l := range targets {
		l.mon.Lock()
		l.observed = now
		l.mon.Unlock()
	}
}

func (c *MockClock) addListener(l *listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners == nil {
		c.listeners = make(map[*listener]struct{})
	}
	c.listeners[l] = struct{}{}
}

func (c *MockClock) removeListener(l *listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, l)
}

// AwaitWithDeadline blocks until cond holds or the virtual time reaches
// deadline, and returns the final value of cond. The caller must hold m.
func (c *MockClock) AwaitWithDeadline(m *syncx.Monitor, cond syncx.Condition, deadline time.Time) bool {
	l := &listener{mon: m}
	c.addListener(l)
	defer c.removeListener(l)
	// Initialized after registration so an advance racing with it cannot
	// leave a stale observation. The caller holds m, which guards observed.
	l.observed = c.Now()
	m.Await(func() bool { return cond() || !l.observed.Before(deadline) })
	return cond()
}

// SleepFor blocks until the virtual time has advanced by d.
func (c *MockClock) SleepFor(d time.Duration) {
	c.SleepUntil(c.Now().Add(d))
}

// SleepUntil blocks until the virtual time reaches t.
func (c *MockClock) SleepUntil(t time.Time) {
	var m syncx.Monitor
	m.Lock()
	defer m.Unlock()
	c.AwaitWithDeadline(&m, func() bool { return false }, t)
}
