// Package postgres provides the Postgres-backed run history.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/registry-scraper/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "scrape_runs"

// Config controls the Postgres connection pool used for run history.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RunStore implements store.RunRepository on a single table.
type RunStore struct {
	pool  querier
	table string
}

// NewRunStore connects a pool using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewRunStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool querier, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// Ping checks that the database is reachable.
func (s *RunStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping run store: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the runs table when missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id             TEXT PRIMARY KEY,
			folder         TEXT NOT NULL,
			tables         TEXT[] NOT NULL,
			started_at     TIMESTAMPTZ NOT NULL,
			finished_at    TIMESTAMPTZ,
			status         TEXT NOT NULL,
			rows_saved     INTEGER NOT NULL DEFAULT 0,
			tables_skipped INTEGER NOT NULL DEFAULT 0,
			error_message  TEXT
		);`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// RecordStart implements store.RunRepository.
func (s *RunStore) RecordStart(ctx context.Context, run store.Run) error {
	status := run.Status
	if status == "" {
		status = store.RunRunning
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, folder, tables, started_at, status, rows_saved, tables_skipped)
		VALUES ($1, $2, $3, $4, $5, $6, $7);`, s.table)
	_, err := s.pool.Exec(ctx, query,
		run.ID,
		run.Folder,
		run.Tables,
		run.StartedAt,
		string(status),
		run.RowsSaved,
		run.TablesSkipped,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordFinish implements store.RunRepository.
func (s *RunStore) RecordFinish(ctx context.Context, id string, outcome store.Outcome) error {
	var errMsg *string
	if outcome.Error != "" {
		msg := outcome.Error
		errMsg = &msg
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET finished_at = $1, status = $2, rows_saved = $3, tables_skipped = $4, error_message = $5
		WHERE id = $6;`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		outcome.FinishedAt,
		string(outcome.Status),
		outcome.RowsSaved,
		outcome.TablesSkipped,
		errMsg,
		id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetRun implements store.RunRepository.
func (s *RunStore) GetRun(ctx context.Context, id string) (store.Run, error) {
	query := fmt.Sprintf(`
		SELECT id, folder, tables, started_at, finished_at, status, rows_saved, tables_skipped, error_message
		FROM %s
		WHERE id = $1;`, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns implements store.RunRepository.
func (s *RunStore) ListRuns(ctx context.Context, limit, offset int) ([]store.Run, error) {
	query := fmt.Sprintf(`
		SELECT id, folder, tables, started_at, finished_at, status, rows_saved, tables_skipped, error_message
		FROM %s
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2;`, s.table)
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.Folder,
		&run.Tables,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.RowsSaved,
		&run.TablesSkipped,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.Run{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
