package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tsdb2/common/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(job, started, duration_ms, ok, err) VALUES(?,?,?,?,?)`,
		r.Job, r.Started.UTC().Format(time.RFC3339Nano), r.Duration.Milliseconds(), r.OK, nullStr(r.Error),
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, job string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job, started, duration_ms, ok, err FROM runs
		 WHERE job = ? ORDER BY started DESC LIMIT ?`, job, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r       RunRecord
			started string
			durMS   int64
			errStr  sql.NullString
		)
		if err := rows.Scan(&r.Job, &started, &durMS, &r.OK, &errStr); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, started); perr == nil {
			r.Started = t
		}
		r.Duration = time.Duration(durMS) * time.Millisecond
		r.Error = errStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE started < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Debug("pruned run journal", logx.Int64("rows", n), logx.Time("cutoff", cutoff))
	}
	return n, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
