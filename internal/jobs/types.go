package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tsdb2/common/pkg/clock"
	"github.com/tsdb2/common/pkg/scheduler"
)

var (
	ErrStopped     = errors.New("jobs: service not started")
	ErrUnknownJob  = errors.New("jobs: unknown job")
	ErrOverlapSkip = errors.New("jobs: run skipped due to overlap policy")
)

// Config controls the jobs service.
type Config struct {
	// Workers sizes the underlying scheduler's worker pool (0 selects the
	// scheduler default).
	Workers uint16

	// DefaultTimeout bounds each run unless the job overrides it. Zero
	// means no timeout.
	DefaultTimeout time.Duration

	// HistorySize caps the in-memory run history ring (default 200).
	HistorySize int

	// Clock drives scheduling and run timestamps. nil selects
	// clock.Real(); tests inject a clock.MockClock.
	Clock clock.Clock
}

// OverlapPolicy decides what happens when a job comes due while a previous
// run is still executing.
type OverlapPolicy int

const (
	// OverlapSkip drops the new run. The safer default.
	OverlapSkip OverlapPolicy = iota
	// OverlapAllow lets runs of the same job overlap.
	OverlapAllow
)

// Options are per-job knobs.
type Options struct {
	Timeout time.Duration
	Overlap OverlapPolicy
}

// RunFunc is the body of a job.
type RunFunc func(ctx context.Context) error

// HistoryItem is one completed (or skipped) run in the in-memory ring.
type HistoryItem struct {
	Job      string
	Started  time.Time
	Duration time.Duration
	Skipped  bool
	Error    string
}

// JobEvent is the payload of job.* events on the bus.
type JobEvent struct {
	Job      string        `json:"job"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// JobInfo describes one registered job in a Snapshot.
type JobInfo struct {
	Name     string
	Schedule string
	Next     time.Time
	Running  bool
}

// Snapshot is a diagnostics view of the service.
type Snapshot struct {
	Started bool
	Workers uint16
	Jobs    []JobInfo
	History []HistoryItem
}

// job is the registered state of one named job. The Service mutex guards
// all fields.
type job struct {
	name      string
	rawSpec   string
	spec      ParsedSpec
	cronSched cron.Schedule // nil for interval jobs
	run       RunFunc
	opt       Options
	handle    scheduler.Handle
	next      time.Time
	inflight  int
	removed   bool
}
