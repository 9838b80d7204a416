// Package dispute runs the dispute state machine over orders.
//
// Opening a dispute requires the order to be IN_PROGRESS and no other
// unresolved dispute for it; it freezes the order and its escrow until a
// reviewer resolves it. FULL_RELEASE and FULL_REFUND settle through the
// provider asynchronously like the normal release/refund paths; SPLIT
// settles synchronously, crediting both parties and closing the order as
// soon as the provider call returns.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/payrail/payrail/internal/order"
)

var (
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrActiveDispute     = errors.New("order already has an active dispute")
	ErrAlreadyResolved   = errors.New("dispute already resolved")
	ErrNotUnderReview    = errors.New("dispute must be under review to resolve")
	ErrInvalidDecision   = errors.New("invalid dispute decision")
	ErrSplitAmountsEmpty = errors.New("split decision requires release and refund amounts")
)

// Status is a dispute lifecycle state.
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusResolved    Status = "RESOLVED"
)

// Decision is a resolution outcome. Immutable once set.
type Decision string

const (
	DecisionFullRelease Decision = "FULL_RELEASE"
	DecisionFullRefund  Decision = "FULL_REFUND"
	DecisionSplit       Decision = "SPLIT"
)

// Dispute is one buyer/seller disagreement over an order.
type Dispute struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"orderId"`
	OpenedBy      string     `json:"openedBy"`
	Reason        string     `json:"reason"`
	Evidence      string     `json:"evidence,omitempty"`
	Status        Status     `json:"status"`
	AssignedTo    string     `json:"assignedTo,omitempty"`
	Decision      Decision   `json:"decision,omitempty"`
	ReleaseAmount string     `json:"releaseAmount,omitempty"`
	RefundAmount  string     `json:"refundAmount,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Store persists disputes. Create enforces the at-most-one-active-per-
// order invariant and returns ErrActiveDispute when violated.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetActiveByOrder(ctx context.Context, orderID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	// Delete removes a dispute that never took effect (compensation when
	// freezing the order failed after the record was created).
	Delete(ctx context.Context, id string) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
}

// Orchestrator is the order-side surface the resolver drives. Implemented
// by *order.Service.
type Orchestrator interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	MarkDisputed(ctx context.Context, orderID string) (*order.Order, error)
	ReleaseFromDispute(ctx context.Context, orderID string) (*order.Order, error)
	RefundFromDispute(ctx context.Context, orderID string) (*order.Order, error)
	SettleSplit(ctx context.Context, orderID, releaseAmount, refundAmount string) (*order.Order, error)
}
