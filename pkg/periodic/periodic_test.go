package periodic_test

import (
	"sync"
	"testing"
	"time"

	"github.com/tsdb2/common/pkg/clock"
	"github.com/tsdb2/common/pkg/periodic"
	"github.com/tsdb2/common/pkg/scheduler"
)

func TestNotStarted(t *testing.T) {
	clk := clock.NewMock()
	pc := periodic.NewClosure(periodic.Options{
		Period: 10 * time.Second,
		Clock:  clk,
	}, func() { t.Error("callback ran on a closure that was never started") })
	if got := pc.State(); got != scheduler.Idle {
		t.Errorf("state = %v, want idle", got)
	}
	clk.AdvanceTime(11 * time.Second)
	if err := pc.WaitUntilAsleep(); err != nil {
		t.Errorf("WaitUntilAsleep: %v", err)
	}
}

func TestRunsOncePerPeriod(t *testing.T) {
	clk := clock.NewMock()
	var mu sync.Mutex
	runs := 0
	pc := periodic.NewClosure(periodic.Options{
		Period:   10 * time.Second,
		Clock:    clk,
		StartNow: true,
	}, func() {
		mu.Lock()
		runs++
		mu.Unlock()
	})
	defer pc.Stop()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return runs
	}

	if err := pc.WaitUntilAsleep(); err != nil {
		t.Fatalf("WaitUntilAsleep: %v", err)
	}
	if got := count(); got != 0 {
		t.Fatalf("ran %d times before the first period elapsed", got)
	}

	for i := 1; i <= 3; i++ {
		clk.AdvanceTime(10 * time.Second)
		if err := pc.WaitUntilAsleep(); err != nil {
			t.Fatalf("WaitUntilAsleep: %v", err)
		}
		if got := count(); got != i {
			t.Fatalf("after %d periods ran %d times", i, got)
		}
	}
}

func TestStopPreventsFurtherRuns(t *testing.T) {
	clk := clock.NewMock()
	var mu sync.Mutex
	runs := 0
	pc := periodic.NewClosure(periodic.Options{
		Period:   10 * time.Second,
		Clock:    clk,
		StartNow: true,
	}, func() {
		mu.Lock()
		runs++
		mu.Unlock()
	})

	clk.AdvanceTime(10 * time.Second)
	if err := pc.WaitUntilAsleep(); err != nil {
		t.Fatalf("WaitUntilAsleep: %v", err)
	}
	pc.Stop()

	clk.AdvanceTime(time.Hour)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Errorf("ran %d times, want exactly 1", runs)
	}
}

func TestZeroPeriodPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewClosure with zero period did not panic")
		}
	}()
	periodic.NewClosure(periodic.Options{Period: 0}, func() {})
}
