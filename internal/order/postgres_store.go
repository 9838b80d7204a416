package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists orders in Postgres. Status writes are
// compare-and-swap UPDATEs on the current status, so the transition rules
// validated in the service cannot be bypassed by a concurrent writer.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, buyer_id, seller_id, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, $7, $8)`,
		o.ID, o.BuyerID, o.SellerID, o.Amount, o.Currency, o.Status, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, ms := range o.Milestones {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO milestones (order_id, ref, amount, completed)
			VALUES ($1, $2, $3::NUMERIC(20,2), FALSE)`,
			o.ID, ms.Ref, ms.Amount)
		if err != nil {
			return fmt.Errorf("insert milestone %s: %w", ms.Ref, err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	o := &Order{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, seller_id, amount::TEXT, currency, status, created_at, updated_at
		FROM orders WHERE id = $1`, id,
	).Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.Amount, &o.Currency, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, ref, amount::TEXT, completed, completed_at
		FROM milestones WHERE order_id = $1 ORDER BY ref`, id)
	if err != nil {
		return nil, fmt.Errorf("get milestones: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		ms := &Milestone{}
		var completedAt sql.NullTime
		if err := rows.Scan(&ms.OrderID, &ms.Ref, &ms.Amount, &ms.Completed, &completedAt); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		if completedAt.Valid {
			ms.CompletedAt = &completedAt.Time
		}
		o.Milestones = append(o.Milestones, ms)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate milestones: %w", err)
	}

	escrow, err := s.getEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Escrow = escrow
	return o, nil
}

func (s *PostgresStore) getEscrow(ctx context.Context, orderID string) (*Escrow, error) {
	e := &Escrow{}
	var fundedAt, releasedAt, refundedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT order_id, contract_id, amount::TEXT, status, funded_at, released_at, refunded_at, created_at, updated_at
		FROM escrows WHERE order_id = $1`, orderID,
	).Scan(&e.OrderID, &e.ContractID, &e.Amount, &e.Status, &fundedAt, &releasedAt, &refundedAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow: %w", err)
	}
	if fundedAt.Valid {
		e.FundedAt = &fundedAt.Time
	}
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		e.RefundedAt = &refundedAt.Time
	}
	return e, nil
}

func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, id string, from, to Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if n == 0 {
		// Either the order is gone or another writer moved it first.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, buyer_id, seller_id, amount::TEXT, currency, status, created_at, updated_at
		FROM orders
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o := &Order{}
		if err := rows.Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.Amount, &o.Currency, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateEscrow(ctx context.Context, e *Escrow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrows (order_id, contract_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5, $6)`,
		e.OrderID, e.ContractID, e.Amount, e.Status, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrEscrowExists
		}
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateEscrowStatus(ctx context.Context, orderID string, from, to EscrowStatus, at time.Time) error {
	var stamp string
	switch to {
	case EscrowFunded:
		stamp = ", funded_at = $4"
	case EscrowReleased:
		stamp = ", released_at = $4"
	case EscrowRefunded:
		stamp = ", refunded_at = $4"
	}
	query := `UPDATE escrows SET status = $3, updated_at = $4` + stamp +
		` WHERE order_id = $1 AND status = $2`
	res, err := s.db.ExecContext(ctx, query, orderID, from, to, at)
	if err != nil {
		return fmt.Errorf("update escrow status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update escrow status: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) StaleEscrows(ctx context.Context, statuses []EscrowStatus, cutoff time.Time, limit int) ([]*Escrow, error) {
	states := make([]string, len(statuses))
	for i, st := range statuses {
		states[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, contract_id, amount::TEXT, status, funded_at, released_at, refunded_at, created_at, updated_at
		FROM escrows
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`, pq.Array(states), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale escrows: %w", err)
	}
	defer rows.Close()

	var out []*Escrow
	for rows.Next() {
		e := &Escrow{}
		var fundedAt, releasedAt, refundedAt sql.NullTime
		if err := rows.Scan(&e.OrderID, &e.ContractID, &e.Amount, &e.Status,
			&fundedAt, &releasedAt, &refundedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		if fundedAt.Valid {
			e.FundedAt = &fundedAt.Time
		}
		if releasedAt.Valid {
			e.ReleasedAt = &releasedAt.Time
		}
		if refundedAt.Valid {
			e.RefundedAt = &refundedAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) OrphanedCreatingOrders(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, buyer_id, seller_id, amount::TEXT, currency, status, created_at, updated_at
		FROM orders o
		WHERE status = $1 AND updated_at < $2
		  AND NOT EXISTS (SELECT 1 FROM escrows e WHERE e.order_id = o.id)
		ORDER BY updated_at ASC
		LIMIT $3`, StatusEscrowCreating, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list orphaned creating orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o := &Order{}
		if err := rows.Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.Amount, &o.Currency,
			&o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CompleteMilestone(ctx context.Context, orderID, ref string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE milestones SET completed = TRUE, completed_at = $3
		WHERE order_id = $1 AND ref = $2 AND completed = FALSE`,
		orderID, ref, at)
	if err != nil {
		return fmt.Errorf("complete milestone: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete milestone: %w", err)
	}
	if n == 0 {
		var completed bool
		err := s.db.QueryRowContext(ctx,
			`SELECT completed FROM milestones WHERE order_id = $1 AND ref = $2`,
			orderID, ref).Scan(&completed)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMilestoneNotFound
		}
		if err != nil {
			return fmt.Errorf("complete milestone: %w", err)
		}
		return ErrMilestoneCompleted
	}
	return nil
}
