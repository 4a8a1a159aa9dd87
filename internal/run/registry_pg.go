package run

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const registrySchema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id          TEXT PRIMARY KEY,
	industry    TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	partial     BOOLEAN NOT NULL DEFAULT FALSE,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
)`

// PGRegistry keeps a durable index of runs in Postgres. The artifact bodies
// live in the file store and the S3 mirror; this table only answers "what
// ran, when, and how did it end".
type PGRegistry struct {
	db *sql.DB
}

// NewPGRegistry opens the database and ensures the runs table exists.
func NewPGRegistry(ctx context.Context, dsn string) (*PGRegistry, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("run: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run: ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run: ensure runs table: %w", err)
	}
	return &PGRegistry{db: db}, nil
}

func (r *PGRegistry) Insert(ctx context.Context, id, industry string, startedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, industry, started_at) VALUES ($1, $2, $3)`,
		id, industry, startedAt)
	if err != nil {
		return fmt.Errorf("run: insert %s: %w", id, err)
	}
	return nil
}

func (r *PGRegistry) Finish(ctx context.Context, id, status string, partial bool, errMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = $2, partial = $3, error = $4, finished_at = NOW() WHERE id = $1`,
		id, status, partial, errMsg)
	if err != nil {
		return fmt.Errorf("run: finish %s: %w", id, err)
	}
	return nil
}

func (r *PGRegistry) Close() error {
	return r.db.Close()
}
