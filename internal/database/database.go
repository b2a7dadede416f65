package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the file_audit table if needed. Having the migration
// in code keeps the stack self-contained so docker-compose can bootstrap
// everything.
//
// The (queue_name, status) and filename indexes back the admission checks;
// the partial unique index is the tie-break that guarantees at most one
// Processing record per queue_name even under concurrent admissions.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS file_audit (
	message_id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	queue_name TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	record_count INTEGER,
	records_succeeded INTEGER,
	records_failed INTEGER,
	error_details TEXT
);
CREATE INDEX IF NOT EXISTS idx_file_audit_queue_status ON file_audit(queue_name, status, created_at);
CREATE INDEX IF NOT EXISTS idx_file_audit_filename ON file_audit(filename);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_file_audit_processing ON file_audit(queue_name) WHERE status = 'Processing';`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
