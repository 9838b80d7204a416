package order

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/payrail/payrail/internal/audit"
	"github.com/payrail/payrail/internal/events"
	"github.com/payrail/payrail/internal/idgen"
	"github.com/payrail/payrail/internal/money"
	"github.com/payrail/payrail/internal/traces"
)

// Publisher receives domain events after the local state committed.
type Publisher interface {
	Publish(events.Payload)
}

// CreateRequest contains the parameters for creating an order.
type CreateRequest struct {
	BuyerID    string          `json:"buyerId" binding:"required"`
	SellerID   string          `json:"sellerId" binding:"required"`
	Amount     string          `json:"amount" binding:"required"`
	Currency   string          `json:"currency"`
	Milestones []MilestoneSpec `json:"milestones"`
}

// MilestoneSpec is one milestone in a create request.
type MilestoneSpec struct {
	Ref    string `json:"ref" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// Service implements the orchestration logic.
type Service struct {
	store    Store
	ledger   LedgerService
	provider EscrowProvider
	sink     audit.Sink
	bus      Publisher
	logger   *slog.Logger
	locks    sync.Map // per-order ID locks serializing state transitions
}

// NewService creates an orchestrator. sink and bus may be nil in tests.
func NewService(store Store, ledger LedgerService, provider EscrowProvider,
	sink audit.Sink, bus Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		ledger:   ledger,
		provider: provider,
		sink:     sink,
		bus:      bus,
		logger:   logger,
	}
}

// orderLock returns a mutex for the given order ID. It serializes
// transitions so a webhook and an API call racing on the same order
// resolve in-process before hitting the store's compare-and-swap.
func (s *Service) orderLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create validates and persists a new order in CREATED. No funds move.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if req.BuyerID == req.SellerID {
		return nil, ErrSameParty
	}
	if !money.Valid(req.Amount) {
		return nil, money.ErrInvalidAmount
	}
	if err := validateMilestones(req.Amount, req.Milestones); err != nil {
		return nil, err
	}

	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	now := time.Now()
	o := &Order{
		ID:        idgen.WithPrefix("ord_"),
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		Amount:    req.Amount,
		Currency:  currency,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, ms := range req.Milestones {
		o.Milestones = append(o.Milestones, &Milestone{
			OrderID: o.ID,
			Ref:     ms.Ref,
			Amount:  ms.Amount,
		})
	}

	if err := s.store.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.audit(o.ID, "create", "", string(StatusCreated), nil)
	return o, nil
}

// validateMilestones checks refs are unique, amounts valid, and the sum
// equals the order amount.
func validateMilestones(total string, specs []MilestoneSpec) error {
	if len(specs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(specs))
	sum := new(big.Int)
	for _, ms := range specs {
		if ms.Ref == "" || seen[ms.Ref] {
			return fmt.Errorf("%w: duplicate or empty ref %q", ErrMilestoneSum, ms.Ref)
		}
		seen[ms.Ref] = true
		cents, err := money.Parse(ms.Amount)
		if err != nil {
			return err
		}
		sum.Add(sum, cents)
	}
	totalCents, err := money.Parse(total)
	if err != nil {
		return err
	}
	if sum.Cmp(totalCents) != 0 {
		return ErrMilestoneSum
	}
	return nil
}

// Get returns an order with its milestones and escrow.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.GetOrder(ctx, id)
}

// ListByUser returns orders where the user is buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ReserveFunds moves the order amount from the buyer's available balance
// into reserved and advances the order to FUNDS_RESERVED.
func (s *Service) ReserveFunds(ctx context.Context, orderID string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "order.reserve_funds", traces.OrderID(orderID))
	defer span.End()

	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.require(ctx, orderID, StatusCreated)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.Reserve(ctx, o.BuyerID, o.Amount, o.ID); err != nil {
		s.audit(o.ID, "reserve_funds", string(o.Status), string(o.Status), err)
		return nil, err
	}

	if err := s.transition(ctx, o, StatusFundsReserved, ""); err != nil {
		// The reservation committed but the status did not. Undo it so no
		// funds stay reserved against an order stuck in CREATED.
		if cerr := s.ledger.CancelReservation(ctx, o.BuyerID, o.Amount, o.ID); cerr != nil {
			s.flagManualIntervention(o.ID, "reserve_funds", cerr)
		}
		return nil, err
	}
	return o, nil
}

// Cancel closes an order that has not yet reached the escrow phase,
// returning any reserved funds.
func (s *Service) Cancel(ctx context.Context, orderID string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.require(ctx, orderID, StatusCreated, StatusFundsReserved)
	if err != nil {
		return nil, err
	}

	wasReserved := o.Status == StatusFundsReserved
	if wasReserved {
		if err := s.ledger.CancelReservation(ctx, o.BuyerID, o.Amount, o.ID); err != nil {
			s.audit(o.ID, "cancel", string(o.Status), string(o.Status), err)
			return nil, err
		}
	}

	if err := s.transition(ctx, o, StatusClosed, "cancelled"); err != nil {
		// The reservation already returned to available but the order did
		// not close. Reinstate it so a retried Cancel finds the state it
		// expects.
		if wasReserved {
			if rerr := s.ledger.Reserve(ctx, o.BuyerID, o.Amount, o.ID); rerr != nil {
				s.flagManualIntervention(o.ID, "cancel", rerr)
			}
		}
		return nil, err
	}
	return o, nil
}

// CreateEscrow commits ESCROW_CREATING first, then asks the provider for
// a contract. Provider failure compensates back to FUNDS_RESERVED.
func (s *Service) CreateEscrow(ctx context.Context, orderID string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.require(ctx, orderID, StatusFundsReserved)
	if err != nil {
		return nil, err
	}
	if o.Escrow != nil {
		return nil, ErrEscrowExists
	}

	if err := s.transition(ctx, o, StatusEscrowCreating, ""); err != nil {
		return nil, err
	}

	var contractID string
	err = s.callProvider(ctx, "create", "", func(ctx context.Context) error {
		var perr error
		contractID, perr = s.provider.Create(ctx, o.ID, o.BuyerID, o.SellerID, o.Amount)
		return perr
	})
	if err != nil {
		if terr := s.transition(ctx, o, StatusFundsReserved, "compensation"); terr != nil {
			s.flagManualIntervention(o.ID, "create_escrow", terr)
		}
		s.audit(o.ID, "create_escrow", string(StatusEscrowCreating), string(StatusFundsReserved), err)
		return nil, err
	}

	now := time.Now()
	escrow := &Escrow{
		OrderID:    o.ID,
		ContractID: contractID,
		Amount:     o.Amount,
		Status:     EscrowCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateEscrow(ctx, escrow); err != nil {
		s.flagManualIntervention(o.ID, "create_escrow", err)
		return nil, fmt.Errorf("persist escrow: %w", err)
	}
	o.Escrow = escrow

	if err := s.transition(ctx, o, StatusEscrowFunding, ""); err != nil {
		return nil, err
	}
	s.publishEscrow(o.ID, contractID, "", EscrowCreated)
	return o, nil
}

// FundEscrow deducts the reserved amount from the ledger, then funds the
// contract. A provider failure after the committed deduction re-reserves
// the same amount: saga compensation, not a rollback, because the ledger
// transaction already committed.
func (s *Service) FundEscrow(ctx context.Context, orderID string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.require(ctx, orderID, StatusEscrowFunding)
	if err != nil {
		return nil, err
	}
	if o.Escrow == nil {
		return nil, ErrEscrowNotFound
	}
	if o.Escrow.Status != EscrowCreated {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidTransition, o.Escrow.Status)
	}

	if err := s.ledger.DeductReserved(ctx, o.BuyerID, o.Amount, o.ID); err != nil {
		s.audit(o.ID, "fund_escrow", string(o.Status), string(o.Status), err)
		return nil, err
	}

	if err := s.escrowTransition(ctx, o, EscrowCreated, EscrowFunding); err != nil {
		// The deduction committed but the escrow did not advance. Put the
		// funds back as a reservation before surfacing the error.
		if cerr := s.ledger.Reserve(ctx, o.BuyerID, o.Amount, o.ID); cerr != nil {
			s.flagManualIntervention(o.ID, "fund_escrow", cerr)
		}
		s.audit(o.ID, "fund_escrow", string(EscrowCreated), string(EscrowCreated), err)
		return nil, err
	}

	err = s.callProvider(ctx, "fund", o.Escrow.ContractID, func(ctx context.Context) error {
		return s.provider.Fund(ctx, o.Escrow.ContractID, o.Amount)
	})
	if err != nil {
		// Funds already left the ledger; put them back as a reservation and
		// step the order back to its prior stable state.
		if cerr := s.ledger.Reserve(ctx, o.BuyerID, o.Amount, o.ID); cerr != nil {
			s.flagManualIntervention(o.ID, "fund_escrow", cerr)
			return nil, fmt.Errorf("fund compensation failed: %w", cerr)
		}
		if terr := s.escrowTransition(ctx, o, EscrowFunding, EscrowCreated); terr != nil {
			s.flagManualIntervention(o.ID, "fund_escrow", terr)
		}
		if terr := s.transition(ctx, o, StatusFundsReserved, "compensation"); terr != nil {
			s.flagManualIntervention(o.ID, "fund_escrow", terr)
		}
		s.audit(o.ID, "fund_escrow", string(StatusEscrowFunding), string(StatusFundsReserved), err)
		return nil, err
	}

	s.audit(o.ID, "fund_escrow", string(EscrowCreated), string(EscrowFunding), nil)
	return o, nil
}

// ConfirmEscrowFunded is the provider's funding confirmation, arriving by
// webhook or reconciliation. Advances the order to IN_PROGRESS.
func (s *Service) ConfirmEscrowFunded(ctx context.Context, orderID string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.require(ctx, orderID, StatusEscrowFunding)
	if err != nil {
		return nil, err
	}
	if o.Escrow == nil {
		return nil, ErrEscrowNotFound
	}

	if err := s.escrowTransition(ctx, o, o.Escrow.Status, EscrowFunded); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, o, StatusInProgress, ""); err != nil {
		return nil, err
	}
	return o, nil
}

// CompleteMilestone marks one milestone done. The ledger is untouched.
func (s *Service) CompleteMilestone(ctx context.Context, orderID, ref string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.require(ctx, orderID, StatusInProgress)
	if err != nil {
		return nil, err
	}

	var target *Milestone
	for _, ms := range o.Milestones {
		if ms.Ref == ref {
			target = ms
			break
		}
	}
	if target == nil {
		return nil, ErrMilestoneNotFound
	}
	if target.Completed {
		return nil, ErrMilestoneCompleted
	}

	now := time.Now()
	if err := s.store.CompleteMilestone(ctx, orderID, ref, now); err != nil {
		return nil, err
	}
	target.Completed = true
	target.CompletedAt = &now

	s.audit(o.ID, "complete_milestone", ref, "COMPLETED", nil)
	if s.bus != nil {
		s.bus.Publish(events.MilestoneCompleted{OrderID: o.ID, Ref: ref, Amount: target.Amount})
	}
	return o, nil
}

// RequestRelease asks the provider to release the escrow to the seller.
// Requires a funded escrow and every milestone completed.
func (s *Service) RequestRelease(ctx context.Context, orderID string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.require(ctx, orderID, StatusInProgress)
	if err != nil {
		return nil, err
	}
	if o.Escrow == nil || o.Escrow.Status != EscrowFunded {
		return nil, fmt.Errorf("%w: escrow not funded", ErrInvalidTransition)
	}
	for _, ms := range o.Milestones {
		if !ms.Completed {
			return nil, ErrMilestonesIncomplete
		}
	}
	return s.requestSettlement(ctx, o, StatusReleaseRequested, "release")
}

// RequestRefund asks the provider to refund the escrow to the buyer.
func (s *Service) RequestRefund(ctx context.Context, orderID string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.require(ctx, orderID, StatusInProgress)
	if err != nil {
		return nil, err
	}
	if o.Escrow == nil || o.Escrow.Status != EscrowFunded {
		return nil, fmt.Errorf("%w: escrow not funded", ErrInvalidTransition)
	}
	return s.requestSettlement(ctx, o, StatusRefundRequested, "refund")
}

// ReleaseFromDispute and RefundFromDispute are the resolver's FULL_RELEASE
// and FULL_REFUND paths: same provider calls, starting from DISPUTED, no
// milestone gate.
func (s *Service) ReleaseFromDispute(ctx context.Context, orderID string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.require(ctx, orderID, StatusDisputed)
	if err != nil {
		return nil, err
	}
	return s.requestSettlement(ctx, o, StatusReleaseRequested, "release")
}

func (s *Service) RefundFromDispute(ctx context.Context, orderID string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.require(ctx, orderID, StatusDisputed)
	if err != nil {
		return nil, err
	}
	return s.requestSettlement(ctx, o, StatusRefundRequested, "refund")
}

// requestSettlement commits the requested state, then calls the provider.
// Provider failure reverts to the prior state. Caller holds the lock.
func (s *Service) requestSettlement(ctx context.Context, o *Order, to Status, op string) (*Order, error) {
	prior := o.Status
	if err := s.transition(ctx, o, to, ""); err != nil {
		return nil, err
	}

	err := s.callProvider(ctx, op, o.Escrow.ContractID, func(ctx context.Context) error {
		if op == "release" {
			return s.provider.Release(ctx, o.Escrow.ContractID)
		}
		return s.provider.Refund(ctx, o.Escrow.ContractID)
	})
	if err != nil {
		if terr := s.transition(ctx, o, prior, "compensation"); terr != nil {
			s.flagManualIntervention(o.ID, op, terr)
		}
		s.audit(o.ID, "request_"+op, string(to), string(prior), err)
		return nil, err
	}

	s.audit(o.ID, "request_"+op, string(prior), string(to), nil)
	return o, nil
}

// ConfirmRelease is the provider's release confirmation. It moves the
// buyer's reserved funds to the seller and closes the order. A ledger
// failure here is an inconsistency between the provider and our books; it
// is flagged for manual remediation, never silently retried.
func (s *Service) ConfirmRelease(ctx context.Context, orderID string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.require(ctx, orderID, StatusReleaseRequested)
	if err != nil {
		return nil, err
	}
	if o.Escrow == nil {
		return nil, ErrEscrowNotFound
	}

	if err := s.ledger.CreditAvailable(ctx, o.SellerID, o.Amount, o.ID); err != nil {
		s.flagManualIntervention(o.ID, "confirm_release", err)
		return nil, fmt.Errorf("release settlement failed, manual reconciliation required: %w", err)
	}

	if err := s.escrowTransition(ctx, o, o.Escrow.Status, EscrowReleased); err != nil {
		s.flagManualIntervention(o.ID, "confirm_release", err)
		return nil, err
	}
	if err := s.transition(ctx, o, StatusReleased, ""); err != nil {
		s.flagManualIntervention(o.ID, "confirm_release", err)
		return nil, err
	}
	if err := s.transition(ctx, o, StatusClosed, ""); err != nil {
		return nil, err
	}
	return o, nil
}

// ConfirmRefund mirrors ConfirmRelease, crediting the buyer instead.
func (s *Service) ConfirmRefund(ctx context.Context, orderID string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.require(ctx, orderID, StatusRefundRequested)
	if err != nil {
		return nil, err
	}
	if o.Escrow == nil {
		return nil, ErrEscrowNotFound
	}

	if err := s.ledger.CreditAvailable(ctx, o.BuyerID, o.Amount, o.ID); err != nil {
		s.flagManualIntervention(o.ID, "confirm_refund", err)
		return nil, fmt.Errorf("refund settlement failed, manual reconciliation required: %w", err)
	}

	if err := s.escrowTransition(ctx, o, o.Escrow.Status, EscrowRefunded); err != nil {
		s.flagManualIntervention(o.ID, "confirm_refund", err)
		return nil, err
	}
	if err := s.transition(ctx, o, StatusRefunded, ""); err != nil {
		s.flagManualIntervention(o.ID, "confirm_refund", err)
		return nil, err
	}
	if err := s.transition(ctx, o, StatusClosed, ""); err != nil {
		return nil, err
	}
	return o, nil
}

// MarkDisputed freezes the order and its escrow. Called by the dispute
// resolver; requires IN_PROGRESS.
func (s *Service) MarkDisputed(ctx context.Context, orderID string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.require(ctx, orderID, StatusInProgress)
	if err != nil {
		return nil, err
	}

	if err := s.transition(ctx, o, StatusDisputed, "dispute"); err != nil {
		return nil, err
	}
	if o.Escrow != nil {
		if err := s.escrowTransition(ctx, o, o.Escrow.Status, EscrowDisputed); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// SettleSplit executes a split dispute settlement: provider call first,
// then both credits, then RELEASED → CLOSED immediately. Unlike the FULL_*
// paths the provider's synchronous response is treated as final.
func (s *Service) SettleSplit(ctx context.Context, orderID, releaseAmount, refundAmount string) (*Order, error) {
	mu := s.orderLock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.require(ctx, orderID, StatusDisputed)
	if err != nil {
		return nil, err
	}
	if o.Escrow == nil {
		return nil, ErrEscrowNotFound
	}
	ok, err := money.SplitsTotal(releaseAmount, refundAmount, o.Amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: split %s + %s != %s", money.ErrInvalidAmount, releaseAmount, refundAmount, o.Amount)
	}

	err = s.callProvider(ctx, "resolve_dispute", o.Escrow.ContractID, func(ctx context.Context) error {
		return s.provider.ResolveDispute(ctx, o.Escrow.ContractID, releaseAmount, refundAmount)
	})
	if err != nil {
		s.audit(o.ID, "settle_split", string(StatusDisputed), string(StatusDisputed), err)
		return nil, err
	}

	if err := s.ledger.CreditAvailable(ctx, o.SellerID, releaseAmount, o.ID); err != nil {
		s.flagManualIntervention(o.ID, "settle_split", err)
		return nil, fmt.Errorf("split settlement failed, manual reconciliation required: %w", err)
	}
	if err := s.ledger.CreditAvailable(ctx, o.BuyerID, refundAmount, o.ID); err != nil {
		s.flagManualIntervention(o.ID, "settle_split", err)
		return nil, fmt.Errorf("split settlement failed, manual reconciliation required: %w", err)
	}

	if err := s.escrowTransition(ctx, o, o.Escrow.Status, EscrowReleased); err != nil {
		s.flagManualIntervention(o.ID, "settle_split", err)
		return nil, err
	}
	if err := s.transition(ctx, o, StatusReleased, "split"); err != nil {
		s.flagManualIntervention(o.ID, "settle_split", err)
		return nil, err
	}
	if err := s.transition(ctx, o, StatusClosed, "split"); err != nil {
		return nil, err
	}

	s.audit(o.ID, "settle_split", string(StatusDisputed), string(StatusClosed), nil)
	return o, nil
}

// ApplyProviderState feeds an externally-observed escrow status through
// the same transition rules as the API paths. Provider state wins: an
// invalid local transition is logged and skipped, not fatal, because the
// provider is authoritative for escrow money movement. Used by webhook
// intake and reconciliation.
func (s *Service) ApplyProviderState(ctx context.Context, orderID string, provider ProviderStatus) (*Order, bool, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if o.Escrow == nil {
		return nil, false, ErrEscrowNotFound
	}

	switch provider {
	case ProviderFunded:
		if o.Status == StatusEscrowFunding {
			o, err := s.ConfirmEscrowFunded(ctx, orderID)
			return o, err == nil, err
		}
	case ProviderReleased:
		if o.Status == StatusReleaseRequested {
			o, err := s.ConfirmRelease(ctx, orderID)
			return o, err == nil, err
		}
	case ProviderRefunded:
		if o.Status == StatusRefundRequested {
			o, err := s.ConfirmRefund(ctx, orderID)
			return o, err == nil, err
		}
	}

	s.logger.Info("provider state needs no local transition",
		"order", orderID, "provider", provider, "local", o.Status)
	return o, false, nil
}

// require loads the order and checks it is in one of the given states.
func (s *Service) require(ctx context.Context, orderID string, states ...Status) (*Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, st := range states {
		if o.Status == st {
			return o, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, orderID, o.Status)
}

// transition is the single choke point for order status changes: graph
// validation, compare-and-swap write, audit, event.
func (s *Service) transition(ctx context.Context, o *Order, to Status, reason string) error {
	from := o.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	if err := s.store.UpdateOrderStatus(ctx, o.ID, from, to); err != nil {
		return err
	}
	o.Status = to
	o.UpdatedAt = time.Now()

	OrderTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.audit(o.ID, "status_change", string(from), string(to), nil)
	if s.bus != nil {
		s.bus.Publish(events.OrderStatusChanged{
			OrderID: o.ID, From: string(from), To: string(to), Reason: reason,
		})
	}
	return nil
}

func (s *Service) escrowTransition(ctx context.Context, o *Order, from, to EscrowStatus) error {
	now := time.Now()
	if err := s.store.UpdateEscrowStatus(ctx, o.ID, from, to, now); err != nil {
		return err
	}
	prev := o.Escrow.Status
	o.Escrow.Status = to
	o.Escrow.UpdatedAt = now
	switch to {
	case EscrowFunded:
		o.Escrow.FundedAt = &now
	case EscrowReleased:
		o.Escrow.ReleasedAt = &now
	case EscrowRefunded:
		o.Escrow.RefundedAt = &now
	}
	s.publishEscrow(o.ID, o.Escrow.ContractID, prev, to)
	return nil
}

func (s *Service) publishEscrow(orderID, contractID string, from, to EscrowStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.EscrowStatusChanged{
		OrderID: orderID, ContractID: contractID, From: string(from), To: string(to),
	})
}

// callProvider wraps one provider call with metrics and a typed error.
func (s *Service) callProvider(ctx context.Context, op, contractID string, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "escrow.provider."+op, traces.EscrowID(contractID))
	defer span.End()

	done := observeProviderCall(op)
	err := fn(ctx)
	done(err == nil)
	if err != nil {
		traces.RecordError(span, err)
		return &ProviderError{Op: op, ContractID: contractID, Retryable: true, Err: err}
	}
	return nil
}

func (s *Service) flagManualIntervention(orderID, op string, err error) {
	ManualInterventionTotal.WithLabelValues(op).Inc()
	s.logger.Error("MANUAL INTERVENTION REQUIRED", "order", orderID, "op", op, "error", err)
	s.audit(orderID, op+"_manual_intervention", "", "", err)
}

// audit records one forensic entry per attempt; failures are swallowed.
func (s *Service) audit(orderID, action, before, after string, opErr error) {
	if s.sink == nil {
		return
	}
	entry := &audit.Entry{
		ResourceType: "order",
		ResourceID:   orderID,
		Action:       action,
		Result:       audit.ResultSuccess,
	}
	if before != "" {
		entry.PayloadBefore = audit.Snapshot(map[string]string{"status": before})
	}
	if after != "" {
		entry.PayloadAfter = audit.Snapshot(map[string]string{"status": after})
	}
	if opErr != nil {
		entry.Result = audit.ResultFailure
		entry.Detail = opErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sink.Append(ctx, entry); err != nil {
		s.logger.Warn("audit append failed", "order", orderID, "action", action, "error", err)
	}
}
