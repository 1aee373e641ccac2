package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/nomis52/goquest/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const sqliteQueryTimeout = 5 * time.Second

// SQLiteStore persists run history in a SQLite database. Completed task ids live in
// their own table so pruning old runs never forgets a completion.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	maxCount int
	logger   *slog.Logger
}

// NewSQLiteStore opens the database at path, creating it if needed, and applies the
// schema migrations.
func NewSQLiteStore(path string, maxCount int, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if maxCount <= 0 {
		return nil, fmt.Errorf("max run count must be positive, got %d", maxCount)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		path:     path,
		maxCount: maxCount,
		logger:   logger,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Save inserts the run, records a completion and prunes runs beyond the retention
// limit, all in one transaction.
func (s *SQLiteStore) Save(run Run) error {
	if run.ID == "" {
		return fmt.Errorf("cannot save run without id")
	}
	if run.StartedAt.IsZero() {
		return fmt.Errorf("cannot save run without start time")
	}
	logs := run.Logs
	if logs == nil {
		logs = []logging.LogEntry{}
	}
	encoded, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("failed to marshal run logs: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO runs
		(id, task_id, task_name, started_at, ended_at, outcome, reason, units, retries, logs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TaskID, run.TaskName, run.StartedAt.UnixNano(), unixNano(run.EndedAt),
		string(run.Outcome), run.Reason, run.Units, run.Retries, string(encoded))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if run.Outcome == OutcomeCompleted {
		_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO completed_tasks (task_id, completed_at)
			VALUES (?, ?)`, run.TaskID, unixNano(run.EndedAt))
		if err != nil {
			return fmt.Errorf("failed to record completion: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id NOT IN
		(SELECT id FROM runs ORDER BY started_at DESC LIMIT ?)`, s.maxCount)
	if err != nil {
		return fmt.Errorf("failed to prune runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("pruned old runs", "count", n)
	}
	return nil
}

// Runs returns the retained runs, most recent first, without logs.
func (s *SQLiteStore) Runs() []Run {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, task_name, started_at, ended_at,
		outcome, reason, units, retries FROM runs ORDER BY started_at DESC`)
	if err != nil {
		s.logger.Error("failed to query runs", "error", err)
		return nil
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r              Run
			started, ended int64
			outcome        string
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &r.TaskName, &started, &ended, &outcome,
			&r.Reason, &r.Units, &r.Retries); err != nil {
			s.logger.Error("failed to scan run", "error", err)
			return nil
		}
		r.StartedAt = fromUnixNano(started)
		r.EndedAt = fromUnixNano(ended)
		r.Outcome = Outcome(outcome)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("failed to read runs", "error", err)
		return nil
	}
	return runs
}

// Get returns one run including its logs.
func (s *SQLiteStore) Get(id string) (Run, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueryTimeout)
	defer cancel()

	var (
		r              Run
		started, ended int64
		outcome, logs  string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, task_id, task_name, started_at, ended_at,
		outcome, reason, units, retries, logs FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &r.TaskID, &r.TaskName, &started, &ended, &outcome, &r.Reason,
			&r.Units, &r.Retries, &logs)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false
	}
	if err != nil {
		s.logger.Error("failed to query run", "run_id", id, "error", err)
		return Run{}, false
	}
	r.StartedAt = fromUnixNano(started)
	r.EndedAt = fromUnixNano(ended)
	r.Outcome = Outcome(outcome)
	if err := json.Unmarshal([]byte(logs), &r.Logs); err != nil {
		s.logger.Warn("failed to decode run logs", "run_id", id, "error", err)
	}
	if len(r.Logs) == 0 {
		r.Logs = nil
	}
	return r, true
}

// Completed reports whether taskID has ever completed. A query failure reports false.
func (s *SQLiteStore) Completed(taskID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueryTimeout)
	defer cancel()

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM completed_tasks WHERE task_id = ?`, taskID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	if err != nil {
		s.logger.Error("failed to query completion", "task_id", taskID, "error", err)
		return false
	}
	return true
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
