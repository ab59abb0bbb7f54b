package internal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const _schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key            TEXT PRIMARY KEY,
	value          BYTEA NOT NULL,
	source         TEXT NOT NULL DEFAULT '',
	quality_score  INT NOT NULL DEFAULT 0,
	inserted_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	ttl_seconds    INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS jobs (
	job_id      TEXT PRIMARY KEY,
	state       BYTEA NOT NULL,
	version     BIGINT NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS job_tokens (
	job_id     TEXT PRIMARY KEY REFERENCES jobs(job_id) ON DELETE CASCADE,
	token      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// newDB opens a connection pool to Postgres and ensures the schema this
// service depends on exists.
func newDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, _schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return pool, nil
}
