// Package order runs the order/escrow/milestone state machine.
//
// Flow:
//  1. Buyer creates an order → funds reserved against their balance
//  2. Escrow contract created and funded with the reserved amount
//  3. Work happens; milestones complete while the order is IN_PROGRESS
//  4. Release moves escrowed funds to the seller, refund returns them
//  5. Disputes freeze the order until the resolver settles it
//
// Every transition that spans the local store and the escrow provider
// commits the local state first, then calls the provider, so a crash in
// between leaves a stuck intermediate state that reconciliation can find
// and repair. Synchronous provider failures compensate back to the prior
// stable state.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrEscrowNotFound       = errors.New("escrow not found")
	ErrEscrowExists         = errors.New("order already has an escrow")
	ErrInvalidTransition    = errors.New("invalid order state transition")
	ErrSameParty            = errors.New("buyer and seller cannot be the same user")
	ErrMilestoneNotFound    = errors.New("milestone not found")
	ErrMilestoneCompleted   = errors.New("milestone already completed")
	ErrMilestoneSum         = errors.New("milestone amounts must sum to the order amount")
	ErrMilestonesIncomplete = errors.New("all milestones must be completed before release")
	ErrConflict             = errors.New("order was modified concurrently")
)

// Status is an order lifecycle state.
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusFundsReserved    Status = "FUNDS_RESERVED"
	StatusEscrowCreating   Status = "ESCROW_CREATING"
	StatusEscrowFunding    Status = "ESCROW_FUNDING"
	StatusInProgress       Status = "IN_PROGRESS"
	StatusReleaseRequested Status = "RELEASE_REQUESTED"
	StatusRefundRequested  Status = "REFUND_REQUESTED"
	StatusDisputed         Status = "DISPUTED"
	StatusReleased         Status = "RELEASED"
	StatusRefunded         Status = "REFUNDED"
	StatusClosed           Status = "CLOSED"
)

// transitions is the complete edge set of the order state graph. Every
// status change in this package goes through Service.transition, which
// consults this map; there is no other write path for Order.Status.
var transitions = map[Status][]Status{
	StatusCreated:          {StatusFundsReserved, StatusClosed},
	StatusFundsReserved:    {StatusEscrowCreating, StatusClosed},
	StatusEscrowCreating:   {StatusEscrowFunding, StatusFundsReserved},
	StatusEscrowFunding:    {StatusInProgress, StatusFundsReserved},
	StatusInProgress:       {StatusReleaseRequested, StatusRefundRequested, StatusDisputed},
	StatusReleaseRequested: {StatusReleased, StatusInProgress},
	StatusRefundRequested:  {StatusRefunded, StatusInProgress},
	StatusDisputed:         {StatusReleaseRequested, StatusRefundRequested, StatusReleased},
	StatusReleased:         {StatusClosed},
	StatusRefunded:         {StatusClosed},
	StatusClosed:           {},
}

// CanTransition reports whether from → to is an edge of the state graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outgoing edges.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// EscrowStatus is an escrow contract state as the order system tracks it.
type EscrowStatus string

const (
	EscrowCreated  EscrowStatus = "CREATED"
	EscrowFunding  EscrowStatus = "FUNDING"
	EscrowFunded   EscrowStatus = "FUNDED"
	EscrowReleased EscrowStatus = "RELEASED"
	EscrowRefunded EscrowStatus = "REFUNDED"
	EscrowDisputed EscrowStatus = "DISPUTED"
)

// Order is one buyer/seller engagement over a fixed amount.
type Order struct {
	ID         string       `json:"id"`
	BuyerID    string       `json:"buyerId"`
	SellerID   string       `json:"sellerId"`
	Amount     string       `json:"amount"`
	Currency   string       `json:"currency"`
	Status     Status       `json:"status"`
	Milestones []*Milestone `json:"milestones,omitempty"`
	Escrow     *Escrow      `json:"escrow,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Milestone is one completable unit of work inside an order.
type Milestone struct {
	OrderID     string     `json:"orderId"`
	Ref         string     `json:"ref"`
	Amount      string     `json:"amount"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Escrow is the order's external escrow contract record. ContractID is
// set once when the provider acknowledges creation and never changes.
type Escrow struct {
	OrderID    string       `json:"orderId"`
	ContractID string       `json:"contractId"`
	Amount     string       `json:"amount"`
	Status     EscrowStatus `json:"status"`
	FundedAt   *time.Time   `json:"fundedAt,omitempty"`
	ReleasedAt *time.Time   `json:"releasedAt,omitempty"`
	RefundedAt *time.Time   `json:"refundedAt,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Store persists orders, milestones and escrows. Status updates are
// compare-and-swap on the current status; a missed swap returns
// ErrConflict so the caller knows another writer got there first.
type Store interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrderStatus(ctx context.Context, id string, from, to Status) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error)

	CreateEscrow(ctx context.Context, e *Escrow) error
	UpdateEscrowStatus(ctx context.Context, orderID string, from, to EscrowStatus, at time.Time) error
	// StaleEscrows returns escrows in the given non-terminal states not
	// touched since the cutoff, for reconciliation sweeps.
	StaleEscrows(ctx context.Context, statuses []EscrowStatus, cutoff time.Time, limit int) ([]*Escrow, error)
	// OrphanedCreatingOrders returns orders stuck in ESCROW_CREATING past
	// the cutoff with no escrow row. A crash between the status commit
	// and the provider create leaves exactly this shape behind.
	OrphanedCreatingOrders(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error)

	CompleteMilestone(ctx context.Context, orderID, ref string, at time.Time) error
}

// LedgerService abstracts balance operations so order doesn't import ledger.
type LedgerService interface {
	Reserve(ctx context.Context, userID, amount, orderID string) error
	CancelReservation(ctx context.Context, userID, amount, orderID string) error
	DeductReserved(ctx context.Context, userID, amount, orderID string) error
	Release(ctx context.Context, buyerID, sellerID, amount, orderID string) error
	CreditAvailable(ctx context.Context, userID, amount, reference string) error
}

// ProviderStatus is the escrow state as the external provider reports it.
type ProviderStatus string

const (
	ProviderCreated  ProviderStatus = "CREATED"
	ProviderFunded   ProviderStatus = "FUNDED"
	ProviderReleased ProviderStatus = "RELEASED"
	ProviderRefunded ProviderStatus = "REFUNDED"
	ProviderDisputed ProviderStatus = "DISPUTED"
	ProviderUnknown  ProviderStatus = "UNKNOWN"
)

// EscrowProvider is the external escrow system. Calls happen outside any
// local transaction; the caller owns compensation when one fails.
type EscrowProvider interface {
	Create(ctx context.Context, orderID, buyerID, sellerID, amount string) (contractID string, err error)
	Fund(ctx context.Context, contractID, amount string) error
	Release(ctx context.Context, contractID string) error
	Refund(ctx context.Context, contractID string) error
	ResolveDispute(ctx context.Context, contractID, releaseAmount, refundAmount string) error
	Status(ctx context.Context, contractID string) (ProviderStatus, error)
}

// ProviderError wraps a failed provider call with enough context to audit
// and to decide whether reconciliation should retry it.
type ProviderError struct {
	Op         string
	ContractID string
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("escrow provider %s (contract %s): %v", e.Op, e.ContractID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
