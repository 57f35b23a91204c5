// Package storage persists the job run journal. The sqlite driver keeps an
// on-disk audit of every run; the disabled driver is a no-op for setups
// that only want the in-memory history ring.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tsdb2/common/pkg/logx"
)

// ErrDisabled is returned by read operations on the disabled store.
var ErrDisabled = errors.New("storage: disabled")

// RunRecord is one journaled job execution.
type RunRecord struct {
	Job      string
	Started  time.Time
	Duration time.Duration
	OK       bool
	Error    string
}

// Store is the run journal.
type Store interface {
	// AppendRun journals one finished run.
	AppendRun(ctx context.Context, r RunRecord) error

	// RecentRuns returns up to limit most recent runs of job, newest
	// first.
	RecentRuns(ctx context.Context, job string, limit int) ([]RunRecord, error)

	// PruneBefore deletes journal rows whose start time is before cutoff
	// and returns the number deleted.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// Config selects and configures the store backend.
type Config struct {
	// Driver is "sqlite" or "disabled".
	Driver string
	Path   string

	BusyTimeout time.Duration
}

// Open returns the store selected by cfg.
func Open(cfg Config, log logx.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "disabled":
		return nopStore{}, nil
	case "sqlite":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}

type nopStore struct{}

func (nopStore) AppendRun(context.Context, RunRecord) error { return nil }

func (nopStore) RecentRuns(context.Context, string, int) ([]RunRecord, error) {
	return nil, ErrDisabled
}

func (nopStore) PruneBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (nopStore) Close() error { return nil }
