// Package jobs maps named, spec-driven jobs onto the scheduler core. It
// adds what the bare scheduler deliberately leaves out: cron schedules,
// overlap policies, per-run timeouts, run history, lifecycle events, and
// the persistent run journal.
package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tsdb2/common/internal/eventbus"
	"github.com/tsdb2/common/internal/storage"
	"github.com/tsdb2/common/pkg/clock"
	"github.com/tsdb2/common/pkg/logx"
	"github.com/tsdb2/common/pkg/scheduler"
)

// Service owns a scheduler and the registry of named jobs.
//
// Jobs are scheduled one activation at a time: when an activation fires it
// first schedules the next one, then runs (or skips, per the overlap
// policy). Cron occurrences are not equidistant, so they cannot ride the
// scheduler's fixed-period recurring tasks; chaining activations handles
// both kinds uniformly and keeps the cadence independent of run length.
type Service struct {
	log   logx.Logger
	bus   *eventbus.Bus
	store storage.Store
	clk   clock.Clock
	sched *scheduler.Scheduler

	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	jobs    map[string]*job
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc

	hmu     sync.Mutex
	history []HistoryItem
}

// New creates the service. bus and store may be nil.
func New(cfg Config, log logx.Logger, bus *eventbus.Bus, store storage.Store) *Service {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return &Service{
		log:   log,
		bus:   bus,
		store: store,
		clk:   clk,
		sched: scheduler.New(scheduler.Options{NumWorkers: cfg.Workers, Clock: clk}),
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom |
			cron.Month | cron.Dow | cron.Descriptor),
		cfg:  cfg,
		jobs: make(map[string]*job),
	}
}

// Start activates all registered jobs and begins executing them. Jobs
// registered while stopped are stored and activated here.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.sched.Start()
	s.started = true
	for _, j := range s.jobs {
		s.activateLocked(j)
	}
	s.log.Info("jobs service started",
		logx.Int("jobs", len(s.jobs)), logx.Uint64("workers", uint64(s.effectiveWorkers())))
}

// Stop cancels in-flight run contexts, stops the scheduler (waiting for
// in-flight runs to finish), and deactivates all jobs. The service cannot
// be restarted; build a new one.
func (s *Service) Stop() {
	start := time.Now()
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.sched.Stop()
		return
	}
	s.started = false
	cancel := s.cancel
	s.cancel = nil
	for _, j := range s.jobs {
		j.handle = scheduler.InvalidHandle
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Waits for in-flight callbacks; must not hold s.mu here.
	s.sched.Stop()
	s.log.Info("jobs service stopped", logx.Duration("took", time.Since(start)))
}

// Register adds or replaces (by name) a job. When the service is started
// the job is activated immediately.
func (s *Service) Register(name, spec string, opt Options, run RunFunc) error {
	parsed, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("job %q: %w", name, err)
	}
	var cronSched cron.Schedule
	if parsed.Kind == SpecCron {
		cronSched, err = s.parser.Parse(parsed.Cron)
		if err != nil {
			return fmt.Errorf("job %q: invalid cron spec %q: %w", name, parsed.Cron, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.jobs[name]; ok {
		s.deactivateLocked(prev)
	}
	j := &job{
		name:      name,
		rawSpec:   spec,
		spec:      parsed,
		cronSched: cronSched,
		run:       run,
		opt:       opt,
	}
	s.jobs[name] = j
	if s.started {
		s.activateLocked(j)
	}
	s.log.Debug("job registered", logx.String("job", name), logx.String("schedule", spec))
	return nil
}

// Remove deletes a job by name, cancelling its pending activation. An
// in-flight run completes normally. Returns false for unknown names.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.deactivateLocked(j)
	delete(s.jobs, name)
	s.log.Debug("job removed", logx.String("job", name))
	return true
}

// RunNow triggers one immediate run of a registered job, subject to the
// job's overlap policy.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrStopped
	}
	j, ok := s.jobs[name]
	if !ok {
		return ErrUnknownJob
	}
	s.sched.ScheduleNow(func() { s.execute(j, false) })
	return nil
}

// Snapshot returns a diagnostics view.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Started: s.started, Workers: s.effectiveWorkers()}
	for _, j := range s.jobs {
		snap.Jobs = append(snap.Jobs, JobInfo{
			Name:     j.name,
			Schedule: j.rawSpec,
			Next:     j.next,
			Running:  j.inflight > 0,
		})
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

// WaitUntilIdle blocks until every worker is asleep and no job is due.
// Only a stable observation under a mock clock; see
// scheduler.WaitUntilAllWorkersAsleep.
func (s *Service) WaitUntilIdle() error {
	return s.sched.WaitUntilAllWorkersAsleep()
}

func (s *Service) effectiveWorkers() uint16 {
	if s.cfg.Workers == 0 {
		return scheduler.DefaultNumWorkers
	}
	return s.cfg.Workers
}

// activateLocked schedules the job's first activation. Callers hold s.mu
// and have checked s.started.
func (s *Service) activateLocked(j *job) {
	j.removed = false
	j.next = time.Time{}
	s.scheduleNextLocked(j)
}

// scheduleNextLocked computes the next activation time and schedules it.
// Activations chain at run start (not completion), so a long run does not
// stall the cadence; the overlap policy decides what an activation does
// when the previous run is still going.
func (s *Service) scheduleNextLocked(j *job) {
	now := s.clk.Now()
	switch j.spec.Kind {
	case SpecInterval:
		prev := j.next
		if prev.IsZero() {
			prev = now
		}
		next := prev.Add(j.spec.Every)
		if !next.After(now) {
			// Skip activations missed while the process lagged.
			steps := now.Sub(next)/j.spec.Every + 1
			next = next.Add(time.Duration(steps) * j.spec.Every)
		}
		j.next = next
	case SpecCron:
		j.next = j.cronSched.Next(now)
		if j.next.IsZero() {
			// The spec has no future activation (possible with exotic specs).
			j.handle = scheduler.InvalidHandle
			s.log.Warn("job has no next activation", logx.String("job", j.name), logx.String("schedule", j.rawSpec))
			return
		}
	}
	j.handle = s.sched.ScheduleAt(func() { s.execute(j, true) }, j.next)
}

// deactivateLocked cancels the pending activation, if any. An in-flight
// run is not interrupted, but it will observe removed and not re-arm.
func (s *Service) deactivateLocked(j *job) {
	j.removed = true
	if j.handle != scheduler.InvalidHandle {
		s.sched.Cancel(j.handle)
		j.handle = scheduler.InvalidHandle
	}
}

// execute is the scheduler callback for one activation of j. scheduled
// distinguishes timer-driven activations (which chain the next one) from
// RunNow ones (which must not).
func (s *Service) execute(j *job, scheduled bool) {
	s.mu.Lock()
	if j.removed || !s.started {
		s.mu.Unlock()
		return
	}
	if scheduled {
		s.scheduleNextLocked(j)
	}
	if j.opt.Overlap == OverlapSkip && j.inflight > 0 {
		s.log.Debug("run skipped (overlap)", logx.String("job", j.name))
		s.publish("job.skipped", JobEvent{Job: j.name, Started: s.clk.Now()})
		s.appendHistory(HistoryItem{Job: j.name, Started: s.clk.Now(), Skipped: true, Error: ErrOverlapSkip.Error()})
		s.mu.Unlock()
		return
	}
	j.inflight++
	ctx := s.runCtx
	timeout := j.opt.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.mu.Unlock()

	start := s.clk.Now()
	s.publish("job.started", JobEvent{Job: j.name, Started: start})
	err := s.invoke(ctx, j, timeout)
	dur := s.clk.Now().Sub(start)

	item := HistoryItem{Job: j.name, Started: start, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("job failed", logx.String("job", j.name), logx.Err(err), logx.Duration("dur", dur))
		s.publish("job.failed", JobEvent{Job: j.name, Started: start, Duration: dur, Error: item.Error})
	} else {
		s.log.Debug("job ok", logx.String("job", j.name), logx.Duration("dur", dur))
		s.publish("job.finished", JobEvent{Job: j.name, Started: start, Duration: dur})
	}
	s.appendHistory(item)
	s.journal(storage.RunRecord{
		Job:      j.name,
		Started:  start,
		Duration: dur,
		OK:       err == nil,
		Error:    item.Error,
	})

	s.mu.Lock()
	j.inflight--
	s.mu.Unlock()
}

// invoke runs the job body with timeout and panic containment. A panicking
// job must not take down the scheduler worker (and with it the process).
func (s *Service) invoke(ctx context.Context, j *job, timeout time.Duration) (err error) {
	if ctx == nil {
		return ErrStopped
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("panic in job",
				logx.String("job", j.name), logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	return j.run(ctx)
}

func (s *Service) publish(typ string, e JobEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: e.Started, Data: e})
	}
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if limit := s.cfg.HistorySize; len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
}

// journal writes the run record on a short background deadline so a slow
// disk cannot stall a worker, and so records survive service shutdown.
func (s *Service) journal(r storage.RunRecord) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.AppendRun(ctx, r); err != nil {
		s.log.Warn("run journal append failed", logx.String("job", r.Job), logx.Err(err))
	}
}
