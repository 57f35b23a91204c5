// Package app wires the schedd daemon together: config, logging, event
// bus, run journal, and the jobs service.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tsdb2/common/internal/config"
	"github.com/tsdb2/common/internal/eventbus"
	"github.com/tsdb2/common/internal/jobs"
	"github.com/tsdb2/common/internal/storage"
	"github.com/tsdb2/common/pkg/logx"
	"github.com/tsdb2/common/pkg/periodic"
)

type App struct {
	mgr    *config.Manager
	logSvc *logx.Service
	log    logx.Logger
	bus    *eventbus.Bus
	store  storage.Store
	jobs   *jobs.Service
	pruner *periodic.Closure

	mu       sync.Mutex
	cfg      *config.Config
	jobNames map[string]bool

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New loads the config file and builds all services. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := mgr.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg))
	a := &App{
		mgr:      mgr,
		logSvc:   logSvc,
		log:      log,
		bus:      eventbus.New(),
		cfg:      cfg,
		jobNames: make(map[string]bool),
	}

	a.store, err = storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: 5 * time.Second,
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a.jobs = jobs.New(jobs.Config{
		Workers:        cfg.Scheduler.Workers,
		DefaultTimeout: cfg.Scheduler.DefaultTimeout.Std(),
		HistorySize:    cfg.Scheduler.HistorySize,
	}, log.With(logx.String("component", "jobs")), a.bus, a.store)

	a.pruner = periodic.NewClosure(periodic.Options{Period: time.Hour}, a.pruneJournal)
	return a, nil
}

// Start activates jobs, the journal pruner, and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.jobs.Start(ctx)
	if err := a.registerJobs(a.cfg); err != nil {
		return err
	}
	a.pruner.Start()

	watchCtx, cancel := context.WithCancel(context.Background())
	a.watchCancel = cancel
	a.watchDone = make(chan struct{})
	sub := a.mgr.Subscribe(1)
	go func() {
		defer close(a.watchDone)
		defer a.mgr.Unsubscribe(sub)
		if err := a.mgr.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()
	go func() {
		for cfg := range sub {
			a.applyConfig(cfg)
		}
	}()

	a.log.Info("schedd started", logx.Int("jobs", len(a.cfg.Jobs)))
	return nil
}

// Stop tears everything down in reverse order. In-flight job runs finish.
func (a *App) Stop() {
	if a.watchCancel != nil {
		a.watchCancel()
		<-a.watchDone
	}
	a.pruner.Stop()
	a.jobs.Stop()
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing storage", logx.Err(err))
	}
	a.log.Info("schedd stopped")
	_ = a.logSvc.Close()
}

// registerJobs upserts the config's job list and removes jobs that are no
// longer present.
func (a *App) registerJobs(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	wanted := make(map[string]bool, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		if jc.Disabled {
			continue
		}
		wanted[jc.Name] = true
		opt := jobs.Options{Timeout: jc.Timeout.Std()}
		if jc.Overlap == "allow" {
			opt.Overlap = jobs.OverlapAllow
		}
		run := jobs.Command(jc.Command, a.log.With(logx.String("job", jc.Name)))
		if err := a.jobs.Register(jc.Name, jc.Schedule, opt, run); err != nil {
			return err
		}
	}
	for name := range a.jobNames {
		if !wanted[name] {
			a.jobs.Remove(name)
		}
	}
	a.jobNames = wanted
	return nil
}

// applyConfig handles a hot reload. Worker-pool size and the storage
// backend are fixed at process start; changes there take effect on the
// next restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logConfig(cfg))
	if err := a.registerJobs(cfg); err != nil {
		a.log.Warn("applying reloaded job list", logx.Err(err))
	}

	a.mu.Lock()
	prev := a.cfg
	a.cfg = cfg
	a.mu.Unlock()
	if cfg.Scheduler.Workers != prev.Scheduler.Workers {
		a.log.Warn("scheduler.workers changed; restart to apply")
	}
	if cfg.Storage.Driver != prev.Storage.Driver || cfg.Storage.Path != prev.Storage.Path {
		a.log.Warn("storage backend changed; restart to apply")
	}
	a.log.Info("config applied", logx.Int("jobs", len(cfg.Jobs)))
}

// Jobs exposes the jobs service (diagnostics).
func (a *App) Jobs() *jobs.Service { return a.jobs }

// Bus exposes the event bus.
func (a *App) Bus() *eventbus.Bus { return a.bus }

func (a *App) pruneJournal() {
	a.mu.Lock()
	retention := a.cfg.Storage.Retention.Std()
	a.mu.Unlock()
	if retention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := a.store.PruneBefore(ctx, time.Now().Add(-retention)); err != nil {
		a.log.Warn("pruning run journal", logx.Err(err))
	}
}

func logConfig(cfg *config.Config) logx.Config {
	console := true
	if cfg.Log.Console != nil {
		console = *cfg.Log.Console
	}
	return logx.Config{
		Level:   cfg.Log.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	}
}
