// Package db stores batch jobs and document results in Postgres.
package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/facturaIA/document-enhancement-service/internal/logger"
)

// ErrNotConfigured is returned by Connect when no database settings are present
var ErrNotConfigured = errors.New("no database configuration")

// URLFromEnv returns DATABASE_URL, or a URL built from DB_HOST, DB_PORT, DB_USER,
// DB_PASSWORD and DB_NAME. It returns "" when neither is set.
func URLFromEnv(getenv func(string) string) string {
	if url := getenv("DATABASE_URL"); url != "" {
		return url
	}

	host := getenv("DB_HOST")
	user := getenv("DB_USER")
	dbname := getenv("DB_NAME")
	if host == "" || user == "" || dbname == "" {
		return ""
	}
	port := getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}
	sslmode := getenv("DB_SSLMODE")
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgresql://%s:%s@%s:%s/%s?sslmode=%s",
		user, getenv("DB_PASSWORD"), host, port, dbname, sslmode)
}

// Connect opens a connection pool from the environment. Without database settings it
// returns ErrNotConfigured and callers fall back to in-memory stores.
func Connect(ctx context.Context) (*pgxpool.Pool, error) {
	log := logger.WithComponent("db")

	databaseURL := URLFromEnv(os.Getenv)
	if databaseURL == "" {
		return nil, ErrNotConfigured
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Connection pool settings sized for PgBouncer
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 1 * time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("host", config.ConnConfig.Host).
		Str("database", config.ConnConfig.Database).
		Int32("max_conns", config.MaxConns).
		Msg("database connection pool initialized")
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS batch_jobs (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	name             TEXT NOT NULL,
	status           TEXT NOT NULL,
	progress         INTEGER NOT NULL DEFAULT 0,
	operations       JSONB NOT NULL,
	operation_states JSONB NOT NULL,
	result_refs      JSONB NOT NULL DEFAULT '[]',
	error_message    TEXT NOT NULL DEFAULT '',
	attempts         INTEGER NOT NULL DEFAULT 0,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	claimed_by       TEXT NOT NULL DEFAULT '',
	lease_until      TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS batch_jobs_owner_idx ON batch_jobs (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS batch_jobs_claimable_idx ON batch_jobs (status, lease_until);

CREATE TABLE IF NOT EXISTS document_results (
	id                 TEXT PRIMARY KEY,
	owner_id           TEXT NOT NULL,
	job_id             TEXT NOT NULL DEFAULT '',
	document_ref       TEXT NOT NULL,
	text_ref           TEXT NOT NULL DEFAULT '',
	method             TEXT NOT NULL,
	confidence         NUMERIC(5,4) NOT NULL,
	page_count         INTEGER NOT NULL,
	failed_pages       JSONB NOT NULL DEFAULT '[]',
	ai_enhanced        BOOLEAN NOT NULL,
	correction_outcome TEXT NOT NULL,
	document_type      TEXT NOT NULL DEFAULT '',
	detected_language  TEXT NOT NULL DEFAULT '',
	duration_seconds   DOUBLE PRECISION NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS document_results_document_idx ON document_results (document_ref, created_at DESC);
`

// Migrate creates the tables used by JobStore and ResultStore
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
