package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is the durable tier backed by the idempotency_keys table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// TryLock acquires the (key, scope) pair in one statement: the upsert only
// fires over FAILED or expired rows, so a live record blocks acquisition
// without a race window between check and insert.
func (s *PostgresStore) TryLock(ctx context.Context, rec *Record) (*Record, bool, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (key, scope, request_hash, status, response_code, response_body, created_at, expires_at)
		VALUES ($1, $2, $3, $4, 0, '', NOW(), $5)
		ON CONFLICT (key, scope) DO UPDATE SET
			request_hash = EXCLUDED.request_hash,
			status = EXCLUDED.status,
			response_code = 0,
			response_body = '',
			created_at = NOW(),
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.status = $6 OR idempotency_keys.expires_at < NOW()
		RETURNING key`,
		rec.Key, rec.Scope, rec.RequestHash, StatusProcessing, rec.ExpiresAt, StatusFailed,
	).Scan(&key)
	if err == nil {
		return nil, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("acquire idempotency lock: %w", err)
	}

	existing, err := s.Get(ctx, rec.Key, rec.Scope)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// The blocking record expired between the upsert and the read.
		return nil, false, ErrInProgress
	}
	return existing, false, nil
}

func (s *PostgresStore) Finish(ctx context.Context, key, scope, status string, code int, body string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $3, response_code = $4, response_body = $5, expires_at = $6
		WHERE key = $1 AND scope = $2`,
		key, scope, status, code, body, expiresAt)
	if err != nil {
		return fmt.Errorf("finish idempotency record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key, scope string) (*Record, error) {
	rec := &Record{}
	err := s.db.QueryRowContext(ctx, `
		SELECT key, scope, request_hash, status, response_code, response_body, created_at, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND scope = $2 AND expires_at >= NOW()`,
		key, scope,
	).Scan(&rec.Key, &rec.Scope, &rec.RequestHash, &rec.Status,
		&rec.ResponseCode, &rec.ResponseBody, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return rec, nil
}

// Prune deletes expired terminal records. Called by the reconciliation
// timer as housekeeping.
func (s *PostgresStore) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("prune idempotency records: %w", err)
	}
	return res.RowsAffected()
}
