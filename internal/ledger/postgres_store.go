package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/payrail/payrail/internal/idgen"
	"github.com/payrail/payrail/internal/money"
)

// PostgresStore implements Store with PostgreSQL. All mutations run
// under serializable isolation; CHECK constraints on the balances table
// back the non-negative invariants at the database level.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// mapPQError converts driver errors into ledger sentinels.
// 40001 is serialization_failure: the transaction lost a first-committer
// race and is safe to retry.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001":
			return ErrTxConflict
		case "23514": // check_violation from chk_*_nonneg
			return ErrInsufficientFunds
		}
	}
	return err
}

func (p *PostgresStore) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, mapPQError(err)
	}
	return tx, nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID, Currency: DefaultCurrency}

	err := p.db.QueryRowContext(ctx, `
		SELECT available::TEXT, reserved::TEXT, currency, updated_at
		FROM balances WHERE user_id = $1
	`, userID).Scan(&bal.Available, &bal.Reserved, &bal.Currency, &bal.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		// Balances are created lazily; an untouched user has zeroes.
		return &Balance{
			UserID:    userID,
			Available: "0.00",
			Reserved:  "0.00",
			Currency:  DefaultCurrency,
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	bal.Available = normalize(bal.Available)
	bal.Reserved = normalize(bal.Reserved)
	return bal, nil
}

// lockRow selects one balance row FOR UPDATE, creating it lazily.
// Returns the current available/reserved as canonical strings.
func lockRow(ctx context.Context, tx *sql.Tx, userID string) (avail, reserved string, err error) {
	_, err = tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, available, reserved, currency, updated_at)
		VALUES ($1, 0, 0, $2, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID, DefaultCurrency)
	if err != nil {
		return "", "", err
	}

	err = tx.QueryRowContext(ctx, `
		SELECT available::TEXT, reserved::TEXT FROM balances
		WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&avail, &reserved)
	if err != nil {
		return "", "", err
	}
	return normalize(avail), normalize(reserved), nil
}

func journal(ctx context.Context, tx *sql.Tx, userID, typ, amount, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balance_journal (id, user_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, NOW())
	`, idgen.WithPrefix("jrn_"), userID, typ, amount, reference, description)
	if err != nil {
		return fmt.Errorf("record journal entry: %w", err)
	}
	return nil
}

// apply runs one single-account mutation: lock row, check guard, update,
// journal, commit. availDelta/resDelta are signed canonical amounts.
func (p *PostgresStore) apply(ctx context.Context, userID, amount string,
	typ, reference, description string,
	guard func(avail, reserved string) error,
	availExpr, resExpr string) (*Change, error) {

	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	prevAvail, prevRes, err := lockRow(ctx, tx, userID)
	if err != nil {
		return nil, mapPQError(err)
	}
	if err := guard(prevAvail, prevRes); err != nil {
		return nil, err
	}

	var newAvail, newRes string
	var updatedAt time.Time
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE balances SET
			available  = %s,
			reserved   = %s,
			updated_at = NOW()
		WHERE user_id = $1
		RETURNING available::TEXT, reserved::TEXT, updated_at
	`, availExpr, resExpr), userID, amount).Scan(&newAvail, &newRes, &updatedAt)
	if err != nil {
		return nil, mapPQError(err)
	}

	if err := journal(ctx, tx, userID, typ, amount, reference, description); err != nil {
		return nil, mapPQError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapPQError(err)
	}

	return &Change{
		UserID:        userID,
		PrevAvailable: prevAvail,
		NewAvailable:  normalize(newAvail),
		PrevReserved:  prevRes,
		NewReserved:   normalize(newRes),
		UpdatedAt:     updatedAt,
	}, nil
}

func noGuard(string, string) error { return nil }

func availableAtLeast(amount string) func(string, string) error {
	return func(avail, _ string) error {
		c, err := money.Cmp(avail, amount)
		if err != nil {
			return err
		}
		if c < 0 {
			return ErrInsufficientFunds
		}
		return nil
	}
}

func reservedAtLeast(amount string) func(string, string) error {
	return func(_, reserved string) error {
		c, err := money.Cmp(reserved, amount)
		if err != nil {
			return err
		}
		if c < 0 {
			return ErrInsufficientReservedFunds
		}
		return nil
	}
}

func (p *PostgresStore) CreditAvailable(ctx context.Context, userID, amount, reference, description string) (*Change, error) {
	return p.apply(ctx, userID, amount, "credit", reference, description,
		noGuard,
		"available + $2::NUMERIC(20,2)", "reserved")
}

func (p *PostgresStore) DebitAvailable(ctx context.Context, userID, amount, reference, description string) (*Change, error) {
	return p.apply(ctx, userID, amount, "debit", reference, description,
		availableAtLeast(amount),
		"available - $2::NUMERIC(20,2)", "reserved")
}

func (p *PostgresStore) Reserve(ctx context.Context, userID, amount, orderID string) (*Change, error) {
	return p.apply(ctx, userID, amount, "reserve", orderID, "funds reserved for order",
		availableAtLeast(amount),
		"available - $2::NUMERIC(20,2)", "reserved + $2::NUMERIC(20,2)")
}

func (p *PostgresStore) CancelReservation(ctx context.Context, userID, amount, orderID string) (*Change, error) {
	return p.apply(ctx, userID, amount, "cancel_reservation", orderID, "reservation cancelled",
		reservedAtLeast(amount),
		"available + $2::NUMERIC(20,2)", "reserved - $2::NUMERIC(20,2)")
}

func (p *PostgresStore) DeductReserved(ctx context.Context, userID, amount, orderID string) (*Change, error) {
	return p.apply(ctx, userID, amount, "deduct_reserved", orderID, "reserved funds moved to escrow",
		reservedAtLeast(amount),
		"available", "reserved - $2::NUMERIC(20,2)")
}

// Release moves amount from buyer.reserved to seller.available in one
// transaction. Rows are locked in sorted user-id order so two opposite
// releases between the same pair cannot deadlock; the buyer sufficiency
// check runs before either row is written.
func (p *PostgresStore) Release(ctx context.Context, buyerID, sellerID, amount, orderID string) (*ReleaseChange, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	first, second := buyerID, sellerID
	if second < first {
		first, second = second, first
	}

	balances := map[string][2]string{}
	for _, id := range []string{first, second} {
		avail, reserved, err := lockRow(ctx, tx, id)
		if err != nil {
			return nil, mapPQError(err)
		}
		balances[id] = [2]string{avail, reserved}
	}

	buyerPrev := balances[buyerID]
	sellerPrev := balances[sellerID]
	if c, err := money.Cmp(buyerPrev[1], amount); err != nil {
		return nil, err
	} else if c < 0 {
		return nil, ErrInsufficientReservedFunds
	}

	var buyerRes, sellerAvail string
	var buyerAt, sellerAt time.Time
	err = tx.QueryRowContext(ctx, `
		UPDATE balances SET reserved = reserved - $2::NUMERIC(20,2), updated_at = NOW()
		WHERE user_id = $1
		RETURNING reserved::TEXT, updated_at
	`, buyerID, amount).Scan(&buyerRes, &buyerAt)
	if err != nil {
		return nil, mapPQError(err)
	}
	err = tx.QueryRowContext(ctx, `
		UPDATE balances SET available = available + $2::NUMERIC(20,2), updated_at = NOW()
		WHERE user_id = $1
		RETURNING available::TEXT, updated_at
	`, sellerID, amount).Scan(&sellerAvail, &sellerAt)
	if err != nil {
		return nil, mapPQError(err)
	}

	if err := journal(ctx, tx, buyerID, "release_out", amount, orderID, "reserved funds released to seller"); err != nil {
		return nil, mapPQError(err)
	}
	if err := journal(ctx, tx, sellerID, "release_in", amount, orderID, "payment received from escrow release"); err != nil {
		return nil, mapPQError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapPQError(err)
	}

	return &ReleaseChange{
		Buyer: &Change{
			UserID:        buyerID,
			PrevAvailable: buyerPrev[0],
			NewAvailable:  buyerPrev[0],
			PrevReserved:  buyerPrev[1],
			NewReserved:   normalize(buyerRes),
			UpdatedAt:     buyerAt,
		},
		Seller: &Change{
			UserID:        sellerID,
			PrevAvailable: sellerPrev[0],
			NewAvailable:  normalize(sellerAvail),
			PrevReserved:  sellerPrev[1],
			NewReserved:   sellerPrev[1],
			UpdatedAt:     sellerAt,
		},
	}, nil
}

func (p *PostgresStore) SumBalances(ctx context.Context) (string, string, error) {
	var avail, reserved string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(available), 0)::TEXT, COALESCE(SUM(reserved), 0)::TEXT FROM balances
	`).Scan(&avail, &reserved)
	if err != nil {
		return "", "", err
	}
	return normalize(avail), normalize(reserved), nil
}

func (p *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*JournalEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount::TEXT, COALESCE(reference, ''), COALESCE(description, ''), created_at
		FROM balance_journal
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*JournalEntry
	for rows.Next() {
		e := &JournalEntry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount = normalize(e.Amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// normalize re-canonicalizes a NUMERIC text value ("0" → "0.00").
func normalize(s string) string {
	c, err := money.Parse(s)
	if err == nil {
		return money.Format(c)
	}
	// NUMERIC may come back without the full two decimals.
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			for len(s)-i-1 < money.Decimals {
				s += "0"
			}
			return s[:i+money.Decimals+1]
		}
	}
	return s + ".00"
}
