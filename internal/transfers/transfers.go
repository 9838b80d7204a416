// Package transfers moves fiat between users' ledger balances and the
// custodial provider: top-ups in, withdrawals out.
//
// A top-up is credited only after the provider confirms the funds landed.
// A withdrawal debits the ledger up front so the money can never be spent
// twice while the payout is in flight; a failed payout re-credits it.
package transfers

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTopUpNotFound      = errors.New("top-up not found")
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrAlreadySettled     = errors.New("transfer already settled")
	ErrConflict           = errors.New("transfer was modified concurrently")
)

// Status is the lifecycle state of a top-up or withdrawal.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further settlement can change the record.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TopUp is an inbound fiat transfer awaiting custodial confirmation.
type TopUp struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	ProviderRef string    `json:"providerRef,omitempty"`
	Status      Status    `json:"status"`
	FailReason  string    `json:"failReason,omitempty"`
	SettledAt   time.Time `json:"settledAt,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Withdrawal is an outbound payout. The ledger debit happens before the
// provider call; FailReason is set when the payout could not complete.
type Withdrawal struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	Destination string    `json:"destination"`
	ProviderRef string    `json:"providerRef,omitempty"`
	Status      Status    `json:"status"`
	FailReason  string    `json:"failReason,omitempty"`
	SettledAt   time.Time `json:"settledAt,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists transfer records. Status updates are compare-and-swap on
// the current status so concurrent settlement attempts cannot both win.
type Store interface {
	CreateTopUp(ctx context.Context, t *TopUp) error
	GetTopUp(ctx context.Context, id string) (*TopUp, error)
	GetTopUpByRef(ctx context.Context, providerRef string) (*TopUp, error)
	// SettleTopUp moves a top-up from `from` to `to`, recording the
	// failure reason for FAILED settlements. Returns ErrConflict when the
	// record is no longer in `from`.
	SettleTopUp(ctx context.Context, id string, from, to Status, failReason string) error
	// PendingTopUps returns top-ups still PENDING that were created
	// before the cutoff, for reconciliation sweeps.
	PendingTopUps(ctx context.Context, olderThan time.Time, limit int) ([]*TopUp, error)

	CreateWithdrawal(ctx context.Context, w *Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	GetWithdrawalByRef(ctx context.Context, providerRef string) (*Withdrawal, error)
	// UpdateWithdrawal is the CAS transition; providerRef and failReason
	// are written only when non-empty.
	UpdateWithdrawal(ctx context.Context, id string, from, to Status, providerRef, failReason string) error
	PendingWithdrawals(ctx context.Context, olderThan time.Time, limit int) ([]*Withdrawal, error)
}

// LedgerService is the slice of the balance ledger transfers needs.
type LedgerService interface {
	CreditAvailable(ctx context.Context, userID, amount, reference string) error
	DebitAvailable(ctx context.Context, userID, amount, reference string) error
}

// TransferStatus is the provider's view of an outbound transfer.
type TransferStatus string

const (
	TransferPending TransferStatus = "pending"
	TransferPosted  TransferStatus = "posted"
	TransferFailed  TransferStatus = "failed"
)

// CustodialClient talks to the custodial money provider. Implementations
// must be safe for concurrent use.
type CustodialClient interface {
	// GetBalance returns the available custodial balance as an exact
	// two-decimal string.
	GetBalance(ctx context.Context) (string, error)
	// CreateTransferOut initiates a payout and returns the provider's
	// reference. idempotencyKey dedupes retried calls on the provider side.
	CreateTransferOut(ctx context.Context, idempotencyKey, destination, amount, currency string) (string, error)
	// RefreshTransferStatus fetches the provider's current view of a
	// previously created payout.
	RefreshTransferStatus(ctx context.Context, providerRef string) (TransferStatus, error)
}
