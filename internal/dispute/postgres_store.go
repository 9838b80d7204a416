package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists disputes. A partial unique index on
// disputes(order_id) WHERE status != 'RESOLVED' backs the one-active-
// dispute-per-order invariant at the storage layer.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disputes (id, order_id, opened_by, reason, evidence, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.OrderID, d.OpenedBy, d.Reason, d.Evidence, d.Status, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrActiveDispute
		}
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT id, order_id, opened_by, reason, evidence, status, assigned_to,
		       decision, release_amount::TEXT, refund_amount::TEXT, resolved_at, created_at, updated_at
		FROM disputes WHERE id = $1`, id))
}

func (s *PostgresStore) GetActiveByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	d, err := s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT id, order_id, opened_by, reason, evidence, status, assigned_to,
		       decision, release_amount::TEXT, refund_amount::TEXT, resolved_at, created_at, updated_at
		FROM disputes WHERE order_id = $1 AND status != $2`, orderID, StatusResolved))
	if errors.Is(err, ErrDisputeNotFound) {
		return nil, nil
	}
	return d, err
}

func (s *PostgresStore) scanOne(row *sql.Row) (*Dispute, error) {
	d := &Dispute{}
	var assignedTo, decision, releaseAmount, refundAmount sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.OrderID, &d.OpenedBy, &d.Reason, &d.Evidence, &d.Status,
		&assignedTo, &decision, &releaseAmount, &refundAmount, &resolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispute: %w", err)
	}
	d.AssignedTo = assignedTo.String
	d.Decision = Decision(decision.String)
	d.ReleaseAmount = releaseAmount.String
	d.RefundAmount = refundAmount.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func (s *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $2, assigned_to = NULLIF($3, ''), decision = NULLIF($4, ''),
		    release_amount = NULLIF($5, '')::NUMERIC(20,2),
		    refund_amount = NULLIF($6, '')::NUMERIC(20,2),
		    resolved_at = $7, updated_at = $8
		WHERE id = $1`,
		d.ID, d.Status, d.AssignedTo, string(d.Decision),
		d.ReleaseAmount, d.RefundAmount, d.ResolvedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	if n == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM disputes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dispute: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, opened_by, reason, evidence, status, assigned_to,
		       decision, release_amount::TEXT, refund_amount::TEXT, resolved_at, created_at, updated_at
		FROM disputes WHERE status = $1 ORDER BY created_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		d := &Dispute{}
		var assignedTo, decision, releaseAmount, refundAmount sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.OrderID, &d.OpenedBy, &d.Reason, &d.Evidence, &d.Status,
			&assignedTo, &decision, &releaseAmount, &refundAmount, &resolvedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan dispute: %w", err)
		}
		d.AssignedTo = assignedTo.String
		d.Decision = Decision(decision.String)
		d.ReleaseAmount = releaseAmount.String
		d.RefundAmount = refundAmount.String
		if resolvedAt.Valid {
			d.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
