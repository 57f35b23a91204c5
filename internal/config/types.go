// Package config holds the schedd configuration: types, YAML loading,
// validation, and fsnotify-based hot reload.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration of a schedd instance.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Storage   StorageConfig   `yaml:"storage"`
	Jobs      []JobConfig     `yaml:"jobs"`
}

type LogConfig struct {
	Level   string  `yaml:"level"`
	Console *bool   `yaml:"console"`
	File    LogFile `yaml:"file"`
}

type LogFile struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SchedulerConfig controls the worker pool and job defaults.
type SchedulerConfig struct {
	// Workers is the number of worker goroutines (default 2).
	Workers uint16 `yaml:"workers"`

	// DefaultTimeout bounds each job run unless the job overrides it.
	// Zero means no timeout.
	DefaultTimeout Duration `yaml:"default_timeout"`

	// HistorySize caps the in-memory run history ring (default 200).
	HistorySize int `yaml:"history_size"`
}

// StorageConfig controls the run journal.
type StorageConfig struct {
	// Driver is "sqlite" or "disabled" (default).
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`

	// Retention prunes journal rows older than this (default 720h).
	Retention Duration `yaml:"retention"`
}

// JobConfig describes one named job.
type JobConfig struct {
	Name string `yaml:"name"`

	// Schedule accepts cron expressions ("*/5 * * * *", "@hourly",
	// "@every 55m"), Go durations ("55m") and HH:MM intervals ("02:30"),
	// with optional "cron:" / "interval:" / "every:" prefixes.
	Schedule string `yaml:"schedule"`

	// Command is run through the shell on every activation.
	Command string `yaml:"command"`

	Timeout Duration `yaml:"timeout"`

	// Overlap is "skip" (default: skip a run while the previous one is
	// still going) or "allow".
	Overlap string `yaml:"overlap"`

	Disabled bool `yaml:"disabled"`
}

// Duration is a time.Duration that unmarshals from Go duration strings.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q must be >= 0", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// withDefaults returns cfg with unset fields replaced by defaults.
func (cfg Config) withDefaults() Config {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Console == nil {
		on := true
		cfg.Log.Console = &on
	}
	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = 2
	}
	if cfg.Scheduler.HistorySize == 0 {
		cfg.Scheduler.HistorySize = 200
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "disabled"
	}
	if cfg.Storage.Retention == 0 {
		cfg.Storage.Retention = Duration(720 * time.Hour)
	}
	return cfg
}

// Validate checks cross-field constraints after defaults are applied.
func (cfg Config) Validate() error {
	switch cfg.Storage.Driver {
	case "disabled":
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage: sqlite driver requires a path")
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", cfg.Storage.Driver)
	}

	seen := make(map[string]bool, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return fmt.Errorf("jobs[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("jobs[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(j.Schedule) == "" {
			return fmt.Errorf("job %q: schedule is required", name)
		}
		if strings.TrimSpace(j.Command) == "" {
			return fmt.Errorf("job %q: command is required", name)
		}
		switch j.Overlap {
		case "", "skip", "allow":
		default:
			return fmt.Errorf("job %q: overlap must be \"skip\" or \"allow\", got %q", name, j.Overlap)
		}
	}
	return nil
}
