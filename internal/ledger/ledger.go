// Package ledger tracks per-user available and reserved funds.
//
// Flow:
//  1. A top-up credits the user's available balance
//  2. Placing an order reserves funds (available → reserved)
//  3. Funding an escrow deducts reserved funds (they leave the ledger)
//  4. Release moves reserved funds from buyer to seller's available
//
// Every mutation runs as one serializable transaction that also writes a
// journal row; a forensic audit entry is recorded for every attempt,
// including rejected ones. Amounts are exact two-decimal strings.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/payrail/payrail/internal/audit"
	"github.com/payrail/payrail/internal/events"
	"github.com/payrail/payrail/internal/money"
	"github.com/payrail/payrail/internal/traces"
)

var (
	ErrInvalidAmount             = money.ErrInvalidAmount
	ErrInsufficientFunds         = errors.New("insufficient funds")
	ErrInsufficientReservedFunds = errors.New("insufficient reserved funds")
	ErrSameUser                  = errors.New("buyer and seller must differ")
	ErrTxConflict                = errors.New("transaction conflict, retry")
)

// opTimeout bounds every ledger transaction.
const opTimeout = 10 * time.Second

// DefaultCurrency is used until multi-currency ledgers exist.
const DefaultCurrency = "USD"

// Balance is a user's current ledger position.
type Balance struct {
	UserID    string    `json:"userId"`
	Available string    `json:"available"`
	Reserved  string    `json:"reserved"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Change describes one account's committed state delta.
type Change struct {
	UserID        string
	PrevAvailable string
	NewAvailable  string
	PrevReserved  string
	NewReserved   string
	UpdatedAt     time.Time
}

// Balance converts the post-mutation side of a change to a Balance.
func (c *Change) Balance() *Balance {
	return &Balance{
		UserID:    c.UserID,
		Available: c.NewAvailable,
		Reserved:  c.NewReserved,
		Currency:  DefaultCurrency,
		UpdatedAt: c.UpdatedAt,
	}
}

// ReleaseChange carries both sides of a two-account release.
type ReleaseChange struct {
	Buyer  *Change
	Seller *Change
}

// JournalEntry is one immutable journal row, written inside the same
// transaction as the balance mutation it describes.
type JournalEntry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        string    `json:"type"` // credit, debit, reserve, cancel_reservation, deduct_reserved, release_out, release_in
	Amount      string    `json:"amount"`
	Reference   string    `json:"reference,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists balances under serializable isolation.
type Store interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	CreditAvailable(ctx context.Context, userID, amount, reference, description string) (*Change, error)
	DebitAvailable(ctx context.Context, userID, amount, reference, description string) (*Change, error)
	Reserve(ctx context.Context, userID, amount, orderID string) (*Change, error)
	CancelReservation(ctx context.Context, userID, amount, orderID string) (*Change, error)
	DeductReserved(ctx context.Context, userID, amount, orderID string) (*Change, error)
	Release(ctx context.Context, buyerID, sellerID, amount, orderID string) (*ReleaseChange, error)
	SumBalances(ctx context.Context) (available, reserved string, err error)
	History(ctx context.Context, userID string, limit int) ([]*JournalEntry, error)
}

// Publisher receives domain events after commit.
type Publisher interface {
	Publish(events.Payload)
}

// Meta carries optional bookkeeping fields for credit/debit operations.
type Meta struct {
	Reference   string
	Description string
}

// Ledger exposes the atomic balance operations.
type Ledger struct {
	store  Store
	sink   audit.Sink
	bus    Publisher
	logger *slog.Logger
}

// New creates a ledger. sink and bus may be nil in tests.
func New(store Store, sink audit.Sink, bus Publisher, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, sink: sink, bus: bus, logger: logger}
}

// GetBalance returns the user's balance, zero-valued if never touched.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return l.store.GetBalance(ctx, userID)
}

// History returns recent journal entries for a user.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, userID, limit)
}

// SumBalances returns ledger-wide totals, used by metrics and reconciliation.
func (l *Ledger) SumBalances(ctx context.Context) (available, reserved string, err error) {
	return l.store.SumBalances(ctx)
}

// CreditAvailable adds funds to available. Never fails for a valid amount.
func (l *Ledger) CreditAvailable(ctx context.Context, userID, amount string, meta Meta) (*Balance, error) {
	return l.run(ctx, "credit_available", userID, amount, meta.Reference, func(ctx context.Context) (*Change, error) {
		return l.store.CreditAvailable(ctx, userID, amount, meta.Reference, meta.Description)
	})
}

// DebitAvailable removes funds from available.
func (l *Ledger) DebitAvailable(ctx context.Context, userID, amount string, meta Meta) (*Balance, error) {
	return l.run(ctx, "debit_available", userID, amount, meta.Reference, func(ctx context.Context) (*Change, error) {
		return l.store.DebitAvailable(ctx, userID, amount, meta.Reference, meta.Description)
	})
}

// Reserve moves funds from available to reserved to back an order.
func (l *Ledger) Reserve(ctx context.Context, userID, amount, orderID string) (*Balance, error) {
	return l.run(ctx, "reserve", userID, amount, orderID, func(ctx context.Context) (*Change, error) {
		return l.store.Reserve(ctx, userID, amount, orderID)
	})
}

// CancelReservation returns reserved funds to available.
func (l *Ledger) CancelReservation(ctx context.Context, userID, amount, orderID string) (*Balance, error) {
	return l.run(ctx, "cancel_reservation", userID, amount, orderID, func(ctx context.Context) (*Change, error) {
		return l.store.CancelReservation(ctx, userID, amount, orderID)
	})
}

// DeductReserved removes reserved funds from the ledger entirely; they
// move to an external escrow contract.
func (l *Ledger) DeductReserved(ctx context.Context, userID, amount, orderID string) (*Balance, error) {
	return l.run(ctx, "deduct_reserved", userID, amount, orderID, func(ctx context.Context) (*Change, error) {
		return l.store.DeductReserved(ctx, userID, amount, orderID)
	})
}

// Release atomically moves amount from the buyer's reserved funds to the
// seller's available funds. The buyer check runs first; on insufficiency
// the seller account is never touched. Returns the seller's balance.
func (l *Ledger) Release(ctx context.Context, buyerID, sellerID, amount, orderID string) (*Balance, error) {
	if buyerID == sellerID {
		l.audit("release", buyerID, amount, orderID, nil, nil, ErrSameUser)
		return nil, ErrSameUser
	}
	if !money.Valid(amount) {
		l.audit("release", buyerID, amount, orderID, nil, nil, ErrInvalidAmount)
		return nil, ErrInvalidAmount
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	done := observeOp("release")
	rc, err := l.store.Release(ctx, buyerID, sellerID, amount, orderID)
	done()
	if err != nil {
		l.audit("release", buyerID, amount, orderID, nil, nil, err)
		return nil, err
	}

	l.audit("release", buyerID, amount, orderID, rc.Buyer, rc.Seller, nil)
	if l.bus != nil {
		l.bus.Publish(changeEvent("release_out", amount, orderID, rc.Buyer))
		l.bus.Publish(changeEvent("release_in", amount, orderID, rc.Seller))
	}
	return rc.Seller.Balance(), nil
}

// run validates, executes one single-account store operation with a
// bounded timeout, audits the attempt, and publishes the delta.
func (l *Ledger) run(ctx context.Context, op, userID, amount, reference string,
	fn func(ctx context.Context) (*Change, error)) (*Balance, error) {

	if !money.Valid(amount) {
		l.audit(op, userID, amount, reference, nil, nil, ErrInvalidAmount)
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "ledger."+op,
		traces.UserID(userID), traces.Amount(amount), traces.Reference(reference))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	done := observeOp(op)
	change, err := fn(ctx)
	done()
	if err != nil {
		traces.RecordError(span, err)
		l.audit(op, userID, amount, reference, nil, nil, err)
		return nil, err
	}

	l.audit(op, userID, amount, reference, change, nil, nil)
	if l.bus != nil {
		l.bus.Publish(changeEvent(op, amount, reference, change))
	}
	return change.Balance(), nil
}

func changeEvent(op, amount, reference string, c *Change) events.BalanceChanged {
	return events.BalanceChanged{
		UserID:        c.UserID,
		Operation:     op,
		Amount:        amount,
		PrevAvailable: c.PrevAvailable,
		NewAvailable:  c.NewAvailable,
		PrevReserved:  c.PrevReserved,
		NewReserved:   c.NewReserved,
		Reference:     reference,
	}
}

// audit records one forensic entry per attempt. Failures here are logged
// and swallowed; the committed mutation stands regardless.
func (l *Ledger) audit(op, userID, amount, reference string, before, extra *Change, opErr error) {
	if l.sink == nil {
		return
	}

	entry := &audit.Entry{
		ResourceType: "balance",
		ResourceID:   userID,
		Action:       op,
		Result:       audit.ResultSuccess,
		Detail:       fmt.Sprintf("amount=%s reference=%s", amount, reference),
	}
	if opErr != nil {
		entry.Result = audit.ResultFailure
		entry.Detail = opErr.Error()
	}
	if before != nil && extra == nil {
		entry.PayloadBefore = audit.Snapshot(map[string]string{
			"available": before.PrevAvailable, "reserved": before.PrevReserved,
		})
		entry.PayloadAfter = audit.Snapshot(map[string]string{
			"available": before.NewAvailable, "reserved": before.NewReserved,
		})
	}
	if before != nil && extra != nil {
		// Two-account release: before is the buyer side, extra the seller side.
		entry.PayloadBefore = audit.Snapshot(map[string]string{
			"buyerReserved":   before.PrevReserved,
			"sellerAvailable": extra.PrevAvailable,
		})
		entry.PayloadAfter = audit.Snapshot(map[string]string{
			"buyerReserved":   before.NewReserved,
			"sellerAvailable": extra.NewAvailable,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.sink.Append(ctx, entry); err != nil {
		l.logger.Warn("audit append failed", "op", op, "user", userID, "error", err)
	}
}
