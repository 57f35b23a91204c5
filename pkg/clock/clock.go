// Package clock abstracts time for components that need deterministic
// virtual-time testing. Production code injects Real(); tests inject a
// MockClock and advance it explicitly.
//
// Besides the usual Now/Sleep surface, a Clock provides AwaitWithDeadline: a
// condition wait against a caller-supplied syncx.Monitor that also honors a
// deadline measured on this clock. With Real() the deadline is an ordinary
// timed wait; with a MockClock the wait is re-armed every time virtual time
// advances, so deadlines expire under test control.
package clock

import (
	"time"

	"github.com/tsdb2/common/pkg/syncx"
)

// Clock is an injectable time source.
type Clock interface {
	// Now returns the current time on this clock.
	Now() time.Time

	// SleepFor blocks the calling goroutine until d has elapsed on this
	// clock. Non-positive durations return immediately.
	SleepFor(d time.Duration)

	// SleepUntil blocks the calling goroutine until this clock reaches t.
	SleepUntil(t time.Time)

	// AwaitWithDeadline blocks until cond holds or this clock reaches
	// deadline, and returns the final value of cond. The caller must hold
	// m; it is released while blocked and reacquired before returning.
	// Wake-ups may be spurious; callers must not infer the wake cause from
	// the return value alone.
	AwaitWithDeadline(m *syncx.Monitor, cond syncx.Condition, deadline time.Time) bool
}

type realClock struct{}

var real Clock = realClock{}

// Real returns the process-wide wall-clock Clock.
func Real() Clock { return real }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) SleepFor(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

func (realClock) SleepUntil(t time.Time) {
	if d := time.Until(t); d > 0 {
		time.Sleep(d)
	}
}

func (realClock) AwaitWithDeadline(m *syncx.Monitor, cond syncx.Condition, deadline time.Time) bool {
	return m.AwaitWithDeadline(cond, deadline)
}
