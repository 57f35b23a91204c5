// Package periodic runs a single callback at a fixed period on a dedicated
// background worker. It is a convenience wrapper around pkg/scheduler for
// the common "one recurring maintenance job" case.
package periodic

import (
	"fmt"
	"sync"
	"time"

	"github.com/tsdb2/common/pkg/clock"
	"github.com/tsdb2/common/pkg/scheduler"
)

// Options configures a Closure.
type Options struct {
	// Period between consecutive run starts. Must be positive.
	Period time.Duration

	// Clock drives the schedule. nil selects clock.Real().
	Clock clock.Clock

	// StartNow makes NewClosure call Start before returning.
	StartNow bool
}

// State aliases the underlying scheduler's lifecycle states.
type State = scheduler.State

// Closure periodically runs a callback on its own single worker. The first
// run happens one period after Start. Create with NewClosure; Stop waits
// for an in-flight run to finish and is final.
type Closure struct {
	period   time.Duration
	callback func()
	sched    *scheduler.Scheduler

	mu     sync.Mutex
	handle scheduler.Handle
}

// NewClosure returns a Closure that runs callback every options.Period once
// started. Panics if the period is not positive.
func NewClosure(options Options, callback func()) *Closure {
	if options.Period <= 0 {
		panic(fmt.Sprintf("periodic: non-positive period %v", options.Period))
	}
	c := &Closure{
		period:   options.Period,
		callback: callback,
		sched: scheduler.New(scheduler.Options{
			NumWorkers: 1,
			Clock:      options.Clock,
		}),
	}
	if options.StartNow {
		c.Start()
	}
	return c
}

// State returns the lifecycle state of the underlying worker.
func (c *Closure) State() State { return c.sched.State() }

// Start begins the periodic runs. Idempotent; has no effect after Stop.
func (c *Closure) Start() {
	c.sched.Start()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == scheduler.InvalidHandle {
		c.handle = c.sched.ScheduleRecurringIn(c.callback, c.period, c.period)
	}
}

// Stop cancels the periodic runs, waiting for an in-flight run to finish.
// The Closure cannot be restarted afterwards.
func (c *Closure) Stop() {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	if handle != scheduler.InvalidHandle {
		c.sched.BlockingCancel(handle)
	}
	c.sched.Stop()
}

// WaitUntilAsleep blocks until the worker is idle and no run is due. Test
// aid; see scheduler.WaitUntilAllWorkersAsleep.
func (c *Closure) WaitUntilAsleep() error {
	return c.sched.WaitUntilAllWorkersAsleep()
}
