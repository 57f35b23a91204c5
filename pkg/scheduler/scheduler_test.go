package scheduler_test

import (
	"sync"
	"testing"
	"time"

	"github.com/tsdb2/common/pkg/clock"
	"github.com/tsdb2/common/pkg/scheduler"
)

// runLog gathers callback executions in a concurrency-safe way.
type runLog struct {
	mu    sync.Mutex
	names []string
}

func (r *runLog) record(name string) scheduler.Callback {
	return func() {
		r.mu.Lock()
		r.names = append(r.names, name)
		r.mu.Unlock()
	}
}

func (r *runLog) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func (r *runLog) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

func (r *runLog) contains(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.names {
		if n == name {
			return true
		}
	}
	return false
}

func newTestScheduler(t *testing.T, workers uint16, clk *clock.MockClock) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(scheduler.Options{NumWorkers: workers, Clock: clk, StartNow: true})
	t.Cleanup(s.Stop)
	return s
}

func waitAsleep(t *testing.T, s *scheduler.Scheduler) {
	t.Helper()
	if err := s.WaitUntilAllWorkersAsleep(); err != nil {
		t.Fatalf("WaitUntilAllWorkersAsleep: %v", err)
	}
}

// poll spins until cond holds or the (real-time) timeout elapses.
func poll(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func at(sec int) time.Time { return time.Unix(int64(sec), 0).UTC() }

func TestLifecycleStates(t *testing.T) {
	clk := clock.NewMock()
	s := scheduler.New(scheduler.Options{Clock: clk})
	if got := s.State(); got != scheduler.Idle {
		t.Errorf("state after New = %v, want idle", got)
	}
	s.Start()
	if got := s.State(); got != scheduler.Started {
		t.Errorf("state after Start = %v, want started", got)
	}
	s.Start() // no-op
	if got := s.State(); got != scheduler.Started {
		t.Errorf("state after second Start = %v, want started", got)
	}
	s.Stop()
	if got := s.State(); got != scheduler.Stopped {
		t.Errorf("state after Stop = %v, want stopped", got)
	}
}

func TestStopBeforeStart(t *testing.T) {
	s := scheduler.New(scheduler.Options{Clock: clock.NewMock()})
	s.Stop()
	if got := s.State(); got != scheduler.Stopped {
		t.Errorf("state = %v, want stopped", got)
	}
	s.Start() // must not revive a stopped scheduler
	if got := s.State(); got != scheduler.Stopped {
		t.Errorf("state after Start on stopped = %v, want stopped", got)
	}
}

func TestStartNow(t *testing.T) {
	s := scheduler.New(scheduler.Options{Clock: clock.NewMock(), StartNow: true})
	defer s.Stop()
	if got := s.State(); got != scheduler.Started {
		t.Errorf("state = %v, want started", got)
	}
}

func TestConcurrentStop(t *testing.T) {
	s := scheduler.New(scheduler.Options{Clock: clock.NewMock(), StartNow: true})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()
	if got := s.State(); got != scheduler.Stopped {
		t.Errorf("state = %v, want stopped", got)
	}
}

func TestHandlesDistinctAndNonZero(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(t, 1, clk)
	seen := make(map[scheduler.Handle]bool)
	for i := 0; i < 100; i++ {
		h := s.ScheduleAt(func() {}, at(1000+i))
		if h == scheduler.InvalidHandle {
			t.Fatal("got the invalid handle from ScheduleAt")
		}
		if seen[h] {
			t.Fatalf("handle %d returned twice", h)
		}
		seen[h] = true
	}
}

// E1: a task whose due time is already past fires immediately.
func TestPastDueFiresImmediately(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(t, 2, clk)
	log := &runLog{}

	clk.AdvanceTime(12 * time.Second)
	s.ScheduleAt(log.record("a"), at(10))
	waitAsleep(t, s)
	if !log.contains("a") {
		t.Error("past-due task did not run")
	}
}

// E2: a future task does not fire early, and fires once time reaches it.
func TestFutureDoesNotFireEarly(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(t, 2, clk)
	log := &runLog{}

	clk.AdvanceTime(12 * time.Second)
	s.ScheduleAt(log.record("a"), at(34))
	waitAsleep(t, s)
	if log.count() != 0 {
		t.Fatalf("task ran %d times before its due time", log.count())
	}

	clk.AdvanceTime(22 * time.Second)
	waitAsleep(t, s)
	if !log.contains("a") {
		t.Error("task did not run after time reached its due time")
	}
}

// E3: scheduling an earlier task preempts the deadline wait on the old head.
func TestPreemption(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(t, 1, clk)
	log := &runLog{}

	clk.AdvanceTime(12 * time.Second)
	s.ScheduleAt(log.record("a"), at(56))
	waitAsleep(t, s)
	s.ScheduleAt(log.record("b"), at(34))

	clk.AdvanceTime(25 * time.Second) // to t=37
	waitAsleep(t, s)
	if !log.contains("b") {
		t.Error("earlier task did not run at its due time")
	}
	if log.contains("a") {
		t.Error("later task ran before its due time")
	}

	clk.AdvanceTime(25 * time.Second) // to t=62
	waitAsleep(t, s)
	if !log.contains("a") {
		t.Error("later task did not run after its due time")
	}
}

// E4: independent tasks run with more than one worker.
func TestParallelWorkers(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(t, 2, clk)
	log := &runLog{}

	s.ScheduleAt(log.record("late"), at(56))
	s.ScheduleAt(log.record("early"), at(34))
	clk.AdvanceTime(62 * time.Second)
	waitAsleep(t, s)
	if !log.contains("early") || !log.contains("late") {
		t.Errorf("runs = %v, want both tasks", log.snapshot())
	}
}

// One worker executes due tasks strictly in due-time order.
func TestDueTimeOrderSingleWorker(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(t, 1, clk)
	log := &runLog{}

	s.ScheduleAt(log.record("b"), at(2))
	s.ScheduleAt(log.record("a"), at(1))
	s.ScheduleAt(log.record("c"), at(3))
	clk.AdvanceTime(5 * time.Second)
	waitAsleep(t, s)

	got := log.snapshot()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("runs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("runs = %v, want %v", got, want)
		}
	}
}

// E5: cancelling a queued task prevents it from ever running.
func TestCancelBeforeFire(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(t, 2, clk)
	log := &runLog{}

	h := s.ScheduleAt(log.record("a"), at(56))
	clk.AdvanceTime(34 * time.Second)
	if !s.Cancel(h) {
		t.Fatal("Cancel on a queued task returned false")
	}
	clk.AdvanceTime(78 * time.Second) // to t=112
	waitAsleep(t, s)
	if log.count() != 0 {
		t.Error("cancelled task ran")
	}
	if s.Cancel(h) {
		t.Error("second Cancel on the same handle returned true")
	}
}

func TestCancelUnknownHandle(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(t, 1, clk)
	if s.Cancel(12345) {
		t.Error("Cancel on an unknown handle returned true")
	}
	if s.BlockingCancel(12345) {
		t.Error("BlockingCancel on an unknown handle returned true")
	}
}

// E6: cancelling an in-flight task returns false; the run completes.
func TestCancelDuringExecution(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(t, 2, clk)

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	h := s.ScheduleAt(func() {
		close(started)
		<-release
		close(finished)
	}, at(34))

	clk.AdvanceTime(56 * time.Second)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not start")
	}

	if s.Cancel(h) {
		t.Error("Cancel on an executing task returned true")
	}
	close(release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not finish after release")
	}
	waitAsleep(t, s)
}

// E7: BlockingCancel waits for the in-flight run to complete.
func TestBlockingCancelWaits(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(t, 2, clk)

	started := make(chan struct{})
	release := make(chan struct{})
	h := s.ScheduleAt(func() {
		close(started)
		<-release
	}, at(34))

	clk.AdvanceTime(56 * time.Second)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not start")
	}

	result := make(chan bool, 1)
	go func() { result <- s.BlockingCancel(h) }()

	select {
	case <-result:
		t.Fatal("BlockingCancel returned while the callback was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case got := <-result:
		if got {
			t.Error("BlockingCancel on an executing task returned true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("BlockingCancel did not return after the callback completed")
	}
}

// E8: more due tasks than workers all run after a single large advance.
func TestCapacityUnderPreemption(t *testing.T) {
	const workers = 4
	const d = 10 * time.Second
	clk := clock.NewMock()
	s := newTestScheduler(t, workers, clk)
	log := &runLog{}

	for i := 1; i <= workers+2; i++ {
		s.ScheduleAt(log.record(string(rune('a'+i-1))), at(10*i))
	}
	clk.AdvanceTime(time.Duration(workers+2) * d)
	waitAsleep(t, s)
	if got := log.count(); got != workers+2 {
		t.Errorf("ran %d tasks, want %d", got, workers+2)
	}
}

// E9: a recurring task re-arms itself once per period.
func TestRecurringReArm(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(t, 2, clk)
	log := &runLog{}

	s.ScheduleRecurringAt(log.record("tick"), at(10), 5*time.Second)
	for i := 0; i < 27; i++ {
		clk.AdvanceTime(time.Second)
		waitAsleep(t, s)
	}
	// Due at 10, 15, 20 and 25 by t=27.
	if got := log.count(); got != 4 {
		t.Errorf("recurring task ran %d times, want 4", got)
	}
}

// A recurring task that overran skips missed periods instead of firing
// back to back.
func TestRecurringOverrunSkipsMissedPeriods(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(t, 2, clk)
	log := &runLog{}

	s.ScheduleRecurringAt(log.record("tick"), at(10), 5*time.Second)
	clk.AdvanceTime(27 * time.Second)
	waitAsleep(t, s)
	// One run at t=27; the next due time is 30, not 15.
	if got := log.count(); got != 1 {
		t.Fatalf("ran %d times after one big advance, want 1", got)
	}
	clk.AdvanceTime(2 * time.Second) // t=29
	waitAsleep(t, s)
	if got := log.count(); got != 1 {
		t.Errorf("ran %d times at t=29, want still 1", got)
	}
	clk.AdvanceTime(time.Second) // t=30
	waitAsleep(t, s)
	if got := log.count(); got != 2 {
		t.Errorf("ran %d times at t=30, want 2", got)
	}
}

// Cancelling a recurring task while it runs prevents re-arming.
func TestCancelRecurringDuringExecution(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(t, 2, clk)

	var mu sync.Mutex
	runs := 0
	started := make(chan struct{}, 16)
	release := make(chan struct{})
	h := s.ScheduleRecurringAt(func() {
		mu.Lock()
		runs++
		mu.Unlock()
		started <- struct{}{}
		<-release
	}, at(10), 5*time.Second)

	clk.AdvanceTime(12 * time.Second)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("recurring callback did not start")
	}

	if s.Cancel(h) {
		t.Error("Cancel on an executing recurring task returned true")
	}
	close(release)
	waitAsleep(t, s)

	clk.AdvanceTime(30 * time.Second)
	waitAsleep(t, s)
	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Errorf("recurring task ran %d times after cancellation, want 1", runs)
	}
}

func TestScheduleAfterStopNeverRuns(t *testing.T) {
	clk := clock.NewMock()
	s := scheduler.New(scheduler.Options{Clock: clk, StartNow: true})
	s.Stop()

	ran := make(chan struct{})
	s.ScheduleNow(func() { close(ran) })
	clk.AdvanceTime(time.Hour)
	select {
	case <-ran:
		t.Error("task scheduled after Stop ran")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWaitUntilAllWorkersAsleepCancelled(t *testing.T) {
	clk := clock.NewMock()
	s := scheduler.New(scheduler.Options{NumWorkers: 1, Clock: clk, StartNow: true})

	started := make(chan struct{})
	release := make(chan struct{})
	s.ScheduleNow(func() {
		close(started)
		<-release
	})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not start")
	}

	stopDone := make(chan struct{})
	go func() {
		s.Stop()
		close(stopDone)
	}()
	if !poll(t, 2*time.Second, func() bool { return s.State() == scheduler.Stopping }) {
		t.Fatal("scheduler did not reach the stopping state")
	}

	if err := s.WaitUntilAllWorkersAsleep(); err == nil {
		t.Error("expected an error from a quiescence wait on a stopping scheduler")
	}

	close(release)
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not finish")
	}
}

func TestScheduleInAndRecurringIn(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(t, 2, clk)
	log := &runLog{}

	s.ScheduleIn(log.record("once"), 10*time.Second)
	s.ScheduleRecurringIn(log.record("tick"), 10*time.Second, 10*time.Second)
	waitAsleep(t, s)
	if log.count() != 0 {
		t.Fatalf("tasks ran before their delay elapsed: %v", log.snapshot())
	}
	clk.AdvanceTime(10 * time.Second)
	waitAsleep(t, s)
	if !log.contains("once") || !log.contains("tick") {
		t.Errorf("runs = %v, want both tasks", log.snapshot())
	}
}

func TestNonPositivePeriodPanics(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(t, 1, clk)
	defer func() {
		if recover() == nil {
			t.Error("ScheduleRecurring with period 0 did not panic")
		}
	}()
	s.ScheduleRecurring(func() {}, 0)
}
