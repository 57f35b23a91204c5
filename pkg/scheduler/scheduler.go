package scheduler

import (
	"container/heap"
	"errors"
	"fmt"
	"time"

	"github.com/tsdb2/common/pkg/clock"
	"github.com/tsdb2/common/pkg/seqnum"
	"github.com/tsdb2/common/pkg/syncx"
)

// State describes the lifecycle phase of a Scheduler.
type State int32

const (
	// Idle: constructed, workers not yet started.
	Idle State = iota
	// Started: workers are processing tasks.
	Started
	// Stopping: Stop is in progress; no further tasks will run.
	Stopping
	// Stopped: workers joined, queue discarded. Terminal.
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrCancelled is returned by WaitUntilAllWorkersAsleep when the scheduler
// leaves the Started state before quiescence is observed.
var ErrCancelled = errors.New("scheduler: stopped while waiting for quiescence")

// errAborted makes fetchTask's shutdown signal explicit to workers.
var errAborted = errors.New("scheduler: aborted")

// DefaultNumWorkers is used when Options.NumWorkers is zero.
const DefaultNumWorkers = 2

// Options configures a Scheduler.
type Options struct {
	// NumWorkers is the number of worker goroutines. The zero value
	// selects DefaultNumWorkers.
	NumWorkers uint16

	// Clock is used for all due-time comparisons and timed waits. nil
	// selects clock.Real().
	Clock clock.Clock

	// StartNow makes New call Start before returning. Leave it false for
	// schedulers constructed in global scope so they don't spin up
	// goroutines at init time.
	StartNow bool
}

// Scheduler runs scheduled callbacks on a pool of worker goroutines. See
// the package documentation for an overview. Create with New; all methods
// are safe for concurrent use.
type Scheduler struct {
	clk        clock.Clock
	numWorkers int

	handles seqnum.SequenceNumber

	// mon guards everything below.
	mon     syncx.Monitor
	tasks   map[Handle]*task
	queue   taskQueue
	state   State
	workers []*worker

	// taskDue caches "the queue head exists, is not cancelled, and is due".
	// Wait predicates must be pure functions of monitor-guarded state, so
	// they cannot fetch the clock; this flag is their view of "a task is
	// due" and MUST be refreshed after every queue mutation.
	taskDue bool
}

// New returns a Scheduler configured by options.
func New(options Options) *Scheduler {
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	numWorkers := int(options.NumWorkers)
	if numWorkers == 0 {
		numWorkers = DefaultNumWorkers
	}
	s := &Scheduler{
		clk:        clk,
		numWorkers: numWorkers,
		tasks:      make(map[Handle]*task),
	}
	if options.StartNow {
		s.Start()
	}
	return s
}

// State returns a snapshot of the scheduler's current state.
func (s *Scheduler) State() State {
	s.mon.Lock()
	defer s.mon.Unlock()
	return s.state
}

// Start spawns the worker goroutines and moves the scheduler to Started.
// It only has an effect in the Idle state; concurrent and repeated calls
// are safe and start the workers exactly once.
func (s *Scheduler) Start() {
	s.mon.Lock()
	defer s.mon.Unlock()
	if s.state != Idle {
		return
	}
	s.workers = make([]*worker, s.numWorkers)
	for i := range s.workers {
		s.workers[i] = newWorker(s)
	}
	s.state = Started
}

// Stop wakes and joins all workers, discards every pending task, and moves
// the scheduler to Stopped. In-flight callbacks run to completion; Stop
// waits for them indefinitely. Called before Start it transitions straight
// to Stopped. Concurrent calls all block until the scheduler is Stopped.
func (s *Scheduler) Stop() {
	var workers []*worker
	s.mon.Lock()
	switch {
	case s.state < Started:
		s.state = Stopped
		s.mon.Unlock()
		return
	case s.state > Started:
		// Another Stop is already in flight; wait for it to finish.
		s.mon.Await(func() bool { return s.state == Stopped })
		s.mon.Unlock()
		return
	}
	workers = s.workers
	s.workers = nil
	s.state = Stopping
	s.mon.Unlock()

	for _, w := range workers {
		w.join()
	}

	s.mon.Lock()
	s.queue = nil
	s.tasks = make(map[Handle]*task)
	s.taskDue = false
	s.state = Stopped
	s.mon.Unlock()
}

// ScheduleNow schedules callback to run as soon as a worker is available.
func (s *Scheduler) ScheduleNow(callback Callback) Handle {
	return s.schedule(callback, s.clk.Now(), 0)
}

// ScheduleAt schedules callback to run at due.
func (s *Scheduler) ScheduleAt(callback Callback, due time.Time) Handle {
	return s.schedule(callback, due, 0)
}

// ScheduleIn schedules callback to run after delay.
func (s *Scheduler) ScheduleIn(callback Callback, delay time.Duration) Handle {
	return s.schedule(callback, s.clk.Now().Add(delay), 0)
}

// ScheduleRecurring schedules callback to run once every period, starting
// as soon as possible. Panics if period is not positive.
func (s *Scheduler) ScheduleRecurring(callback Callback, period time.Duration) Handle {
	return s.schedule(callback, s.clk.Now(), checkPeriod(period))
}

// ScheduleRecurringAt schedules callback to run once every period, starting
// at due. Panics if period is not positive.
func (s *Scheduler) ScheduleRecurringAt(callback Callback, due time.Time, period time.Duration) Handle {
	return s.schedule(callback, due, checkPeriod(period))
}

// ScheduleRecurringIn schedules callback to run once every period, starting
// after delay. Panics if period is not positive.
func (s *Scheduler) ScheduleRecurringIn(callback Callback, delay, period time.Duration) Handle {
	return s.schedule(callback, s.clk.Now().Add(delay), checkPeriod(period))
}

func checkPeriod(period time.Duration) time.Duration {
	if period <= 0 {
		panic(fmt.Sprintf("scheduler: non-positive period %v", period))
	}
	return period
}

func (s *Scheduler) schedule(callback Callback, due time.Time, period time.Duration) Handle {
	s.mon.Lock()
	defer s.mon.Unlock()
	t := &task{
		handle:     Handle(s.handles.Next()),
		callback:   callback,
		due:        due,
		period:     period,
		queueIndex: -1,
	}
	s.tasks[t.handle] = t
	heap.Push(&s.queue, t)
	if !s.taskDue {
		// The new task can only make the head due if it is itself due.
		s.taskDue = !due.After(s.clk.Now())
	}
	return t.handle
}

// Cancel cancels the task with the given handle without blocking. It
// returns true iff the task was still in the queue and will therefore never
// run. It returns false if the handle is unknown or already completed, or
// if the task is currently executing; in the latter case the current
// execution finishes normally but a recurring task will not be re-armed.
//
// A recurring callback may Cancel its own handle: during the run the task
// has no queue slot, so the call returns false and prevents re-arming.
func (s *Scheduler) Cancel(handle Handle) bool {
	return s.cancel(handle, false)
}

// BlockingCancel behaves like Cancel but, when the task is currently
// executing, additionally waits for that execution to finish before
// returning. The return value still reports whether the queued entry was
// removed, so it is false for an in-flight task.
func (s *Scheduler) BlockingCancel(handle Handle) bool {
	return s.cancel(handle, true)
}

func (s *Scheduler) cancel(handle Handle, blocking bool) bool {
	s.mon.Lock()
	defer s.mon.Unlock()
	t, ok := s.tasks[handle]
	if !ok {
		return false
	}
	t.cancelled = true
	if t.queueIndex >= 0 {
		heap.Remove(&s.queue, t.queueIndex)
		delete(s.tasks, handle)
		s.taskDue = s.isTaskDueLocked()
		return true
	}
	// The task is being executed by a worker right now.
	if blocking {
		s.mon.Await(func() bool {
			_, present := s.tasks[handle]
			return !present
		})
	}
	return false
}

// WaitUntilAllWorkersAsleep blocks until every worker is suspended waiting
// for a task and no task is due, then returns nil. It returns ErrCancelled
// if the scheduler leaves the Started state first.
//
// This is a test aid: quiescence is only a stable observation under a
// clock.MockClock, whose time moves exclusively under test control. With a
// real clock new tasks keep becoming due as time flows.
func (s *Scheduler) WaitUntilAllWorkersAsleep() error {
	s.mon.Lock()
	defer s.mon.Unlock()
	for {
		s.mon.Await(func() bool {
			if s.state != Started {
				return true
			}
			if s.taskDue {
				return false
			}
			for _, w := range s.workers {
				if !w.sleeping {
					return false
				}
			}
			return true
		})
		if s.state != Started {
			if s.state > Started {
				return ErrCancelled
			}
			return nil
		}
		// The cached flag lags a clock advance that made the head due but
		// whose worker hasn't reacquired the monitor yet. Verify against
		// the clock; refreshing the flag also re-arms our wait and
		// guarantees the worker wakes.
		if s.isTaskDueLocked() {
			s.taskDue = true
			continue
		}
		return nil
	}
}

// isTaskDueLocked recomputes the taskDue flag. It reads the clock, so it
// must only be called from plain locked code, never from a wait predicate.
func (s *Scheduler) isTaskDueLocked() bool {
	if len(s.queue) == 0 {
		return false
	}
	head := s.queue[0]
	return !head.cancelled && !head.due.After(s.clk.Now())
}
