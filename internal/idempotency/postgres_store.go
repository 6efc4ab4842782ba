package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps greeting write records in Postgres so several server
// processes share one replay window.
type PostgresStore struct {
	pool *pgxpool.Pool
	Now  func() time.Time
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS greeting_writes (
    idempotency_key TEXT PRIMARY KEY,
    greeting_sha256 TEXT NOT NULL,
    tx_hash TEXT NOT NULL,
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS greeting_writes_expires_at_idx ON greeting_writes (expires_at);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, Now: time.Now}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Get ignores rows past their window; Save removes them.
func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT greeting_sha256, tx_hash, status_code, response, created_at, expires_at
FROM greeting_writes
WHERE idempotency_key = $1 AND expires_at > $2
`, key, p.Now())

	var rec Record
	err := row.Scan(&rec.Fingerprint, &rec.TxHash, &rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save keeps the first live record for a key; an expired row is replaced.
func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM greeting_writes WHERE expires_at <= $1`, p.Now()); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
INSERT INTO greeting_writes (idempotency_key, greeting_sha256, tx_hash, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (idempotency_key) DO NOTHING
`, key, record.Fingerprint, record.TxHash, record.StatusCode, record.Response, record.CreatedAt, record.ExpiresAt)
		return err
	})
}

