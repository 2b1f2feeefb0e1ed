package credstorepg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tailmate/sessionkit/internal/credstore"
)

// PostgresPlainStore implements the plaintext tier on PostgreSQL for
// multi-seat clinic-console deployments that already run a shared database.
type PostgresPlainStore struct {
	pool *pgxpool.Pool
}

// NewPostgresPlainStore constructs a Postgres-backed plaintext store.
func NewPostgresPlainStore(pool *pgxpool.Pool) *PostgresPlainStore {
	return &PostgresPlainStore{pool: pool}
}

// Get returns the stored value or credstore.ErrRecordNotFound.
func (store *PostgresPlainStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	row := store.pool.QueryRow(ctx, `
SELECT record_value
FROM session_records
WHERE record_key = $1
`, key)
	if scanErr := row.Scan(&value); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", credstore.ErrRecordNotFound
		}
		return "", scanErr
	}
	return value, nil
}

// Set upserts the value under the given key.
func (store *PostgresPlainStore) Set(ctx context.Context, key string, value string) error {
	_, err := store.pool.Exec(ctx, `
INSERT INTO session_records (record_key, record_value, updated_unix)
VALUES ($1, $2, $3)
ON CONFLICT (record_key)
DO UPDATE SET record_value = EXCLUDED.record_value, updated_unix = EXCLUDED.updated_unix
`, key, value, time.Now().UTC().Unix())
	return err
}

// Remove deletes the given keys. Missing keys are ignored.
func (store *PostgresPlainStore) Remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := store.pool.Exec(ctx, `
DELETE FROM session_records
WHERE record_key = ANY($1)
`, keys)
	return err
}
