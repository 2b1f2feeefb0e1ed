package credstorepg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the session record table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS session_records (
    record_key TEXT PRIMARY KEY,
    record_value TEXT NOT NULL,
    updated_unix BIGINT NOT NULL
);
`)
	return err
}
