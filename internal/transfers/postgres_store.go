package transfers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists transfers in Postgres. Settlement writes are
// compare-and-swap UPDATEs on the current status.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateTopUp(ctx context.Context, t *TopUp) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topups (id, user_id, amount, currency, provider_ref, status, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, NULLIF($5, ''), $6, $7, $8)`,
		t.ID, t.UserID, t.Amount, t.Currency, t.ProviderRef, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert topup: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTopUp(ctx context.Context, id string) (*TopUp, error) {
	return s.scanTopUp(s.db.QueryRowContext(ctx, topupSelect+` WHERE id = $1`, id))
}

func (s *PostgresStore) GetTopUpByRef(ctx context.Context, providerRef string) (*TopUp, error) {
	return s.scanTopUp(s.db.QueryRowContext(ctx, topupSelect+` WHERE provider_ref = $1`, providerRef))
}

const topupSelect = `
	SELECT id, user_id, amount::TEXT, currency, COALESCE(provider_ref, ''),
	       status, COALESCE(fail_reason, ''), settled_at, created_at, updated_at
	FROM topups`

func (s *PostgresStore) scanTopUp(row *sql.Row) (*TopUp, error) {
	t := &TopUp{}
	var settledAt sql.NullTime
	err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.Currency, &t.ProviderRef,
		&t.Status, &t.FailReason, &settledAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTopUpNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan topup: %w", err)
	}
	if settledAt.Valid {
		t.SettledAt = settledAt.Time
	}
	return t, nil
}

func (s *PostgresStore) SettleTopUp(ctx context.Context, id string, from, to Status, failReason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE topups
		SET status = $1, fail_reason = NULLIF($2, ''), settled_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		to, failReason, id, from)
	if err != nil {
		return fmt.Errorf("settle topup: %w", err)
	}
	return s.checkSwap(ctx, res, "topups", id, ErrTopUpNotFound)
}

func (s *PostgresStore) PendingTopUps(ctx context.Context, olderThan time.Time, limit int) ([]*TopUp, error) {
	rows, err := s.db.QueryContext(ctx, topupSelect+`
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`,
		StatusPending, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending topups: %w", err)
	}
	defer rows.Close()

	var out []*TopUp
	for rows.Next() {
		t := &TopUp{}
		var settledAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Currency, &t.ProviderRef,
			&t.Status, &t.FailReason, &settledAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan topup: %w", err)
		}
		if settledAt.Valid {
			t.SettledAt = settledAt.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO withdrawals (id, user_id, amount, currency, destination, status, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5, $6, $7, $8)`,
		w.ID, w.UserID, w.Amount, w.Currency, w.Destination, w.Status, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

const withdrawalSelect = `
	SELECT id, user_id, amount::TEXT, currency, destination, COALESCE(provider_ref, ''),
	       status, COALESCE(fail_reason, ''), settled_at, created_at, updated_at
	FROM withdrawals`

func (s *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	return s.scanWithdrawal(s.db.QueryRowContext(ctx, withdrawalSelect+` WHERE id = $1`, id))
}

func (s *PostgresStore) GetWithdrawalByRef(ctx context.Context, providerRef string) (*Withdrawal, error) {
	return s.scanWithdrawal(s.db.QueryRowContext(ctx, withdrawalSelect+` WHERE provider_ref = $1`, providerRef))
}

func (s *PostgresStore) scanWithdrawal(row *sql.Row) (*Withdrawal, error) {
	w := &Withdrawal{}
	var settledAt sql.NullTime
	err := row.Scan(&w.ID, &w.UserID, &w.Amount, &w.Currency, &w.Destination, &w.ProviderRef,
		&w.Status, &w.FailReason, &settledAt, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan withdrawal: %w", err)
	}
	if settledAt.Valid {
		w.SettledAt = settledAt.Time
	}
	return w, nil
}

func (s *PostgresStore) UpdateWithdrawal(ctx context.Context, id string, from, to Status, providerRef, failReason string) error {
	settled := ""
	if to.Terminal() {
		settled = ", settled_at = NOW()"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE withdrawals
		SET status = $1,
		    provider_ref = COALESCE(NULLIF($2, ''), provider_ref),
		    fail_reason = COALESCE(NULLIF($3, ''), fail_reason),
		    updated_at = NOW()`+settled+`
		WHERE id = $4 AND status = $5`,
		to, providerRef, failReason, id, from)
	if err != nil {
		return fmt.Errorf("update withdrawal: %w", err)
	}
	return s.checkSwap(ctx, res, "withdrawals", id, ErrWithdrawalNotFound)
}

func (s *PostgresStore) PendingWithdrawals(ctx context.Context, olderThan time.Time, limit int) ([]*Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx, withdrawalSelect+`
		WHERE status IN ($1, $2) AND created_at < $3
		ORDER BY created_at
		LIMIT $4`,
		StatusPending, StatusProcessing, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending withdrawals: %w", err)
	}
	defer rows.Close()

	var out []*Withdrawal
	for rows.Next() {
		w := &Withdrawal{}
		var settledAt sql.NullTime
		if err := rows.Scan(&w.ID, &w.UserID, &w.Amount, &w.Currency, &w.Destination, &w.ProviderRef,
			&w.Status, &w.FailReason, &settledAt, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		if settledAt.Valid {
			w.SettledAt = settledAt.Time
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// checkSwap distinguishes a missing row from a lost compare-and-swap.
func (s *PostgresStore) checkSwap(ctx context.Context, res sql.Result, table, id string, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return notFound
	}
	return ErrConflict
}
