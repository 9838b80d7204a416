package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/payrail/payrail/internal/audit"
	"github.com/payrail/payrail/internal/events"
	"github.com/payrail/payrail/internal/idgen"
	"github.com/payrail/payrail/internal/traces"
)

// Publisher receives domain events after the local state committed.
type Publisher interface {
	Publish(events.Payload)
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	OrderID  string `json:"orderId" binding:"required"`
	OpenedBy string `json:"openedBy" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
	Evidence string `json:"evidence"`
}

// ResolveRequest contains the resolution decision.
type ResolveRequest struct {
	Decision      Decision `json:"decision" binding:"required"`
	ReleaseAmount string   `json:"releaseAmount"`
	RefundAmount  string   `json:"refundAmount"`
}

// Service implements dispute resolution.
type Service struct {
	store  Store
	orders Orchestrator
	sink   audit.Sink
	bus    Publisher
	logger *slog.Logger
	locks  sync.Map // per-dispute ID locks
}

// NewService creates a dispute resolver. sink and bus may be nil in tests.
func NewService(store Store, orders Orchestrator, sink audit.Sink, bus Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, orders: orders, sink: sink, bus: bus, logger: logger}
}

func (s *Service) disputeLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Open creates a dispute and freezes the order. The dispute record is
// created first so the one-active-per-order invariant is enforced by the
// store; if freezing the order then fails, the record is removed again.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Dispute, error) {
	if active, err := s.store.GetActiveByOrder(ctx, req.OrderID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, ErrActiveDispute
	}

	now := time.Now()
	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		OrderID:   req.OrderID,
		OpenedBy:  req.OpenedBy,
		Reason:    req.Reason,
		Evidence:  req.Evidence,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}

	if _, err := s.orders.MarkDisputed(ctx, req.OrderID); err != nil {
		if derr := s.store.Delete(ctx, d.ID); derr != nil {
			s.logger.Error("failed to remove dispute after freeze failure",
				"dispute", d.ID, "order", req.OrderID, "error", derr)
		}
		s.audit(d.ID, req.OrderID, "open", err)
		return nil, err
	}

	DisputesOpenedTotal.Inc()
	s.audit(d.ID, req.OrderID, "open", nil)
	if s.bus != nil {
		s.bus.Publish(events.DisputeOpened{DisputeID: d.ID, OrderID: d.OrderID, OpenedBy: d.OpenedBy})
	}
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// Assign moves an open dispute to UNDER_REVIEW with a reviewer.
func (s *Service) Assign(ctx context.Context, id, reviewer string) (*Dispute, error) {
	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: dispute is %s", ErrNotUnderReview, d.Status)
	}

	d.Status = StatusUnderReview
	d.AssignedTo = reviewer
	d.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.audit(d.ID, d.OrderID, "assign", nil)
	return d, nil
}

// Resolve applies the reviewer's decision. FULL_RELEASE and FULL_REFUND
// initiate the provider settlement and leave crediting to the async
// confirm path; SPLIT credits both parties synchronously and the order is
// already CLOSED when this returns. The decision is immutable afterwards.
func (s *Service) Resolve(ctx context.Context, id string, req ResolveRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.resolve", traces.DisputeID(id))
	defer span.End()

	mu := s.disputeLock(id)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	if d.Status != StatusUnderReview {
		return nil, ErrNotUnderReview
	}

	switch req.Decision {
	case DecisionFullRelease:
		_, err = s.orders.ReleaseFromDispute(ctx, d.OrderID)
	case DecisionFullRefund:
		_, err = s.orders.RefundFromDispute(ctx, d.OrderID)
	case DecisionSplit:
		if req.ReleaseAmount == "" || req.RefundAmount == "" {
			return nil, ErrSplitAmountsEmpty
		}
		_, err = s.orders.SettleSplit(ctx, d.OrderID, req.ReleaseAmount, req.RefundAmount)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, req.Decision)
	}
	if err != nil {
		// Settlement did not take; the dispute stays open for another try.
		traces.RecordError(span, err)
		s.audit(d.ID, d.OrderID, "resolve_"+string(req.Decision), err)
		return nil, err
	}

	now := time.Now()
	d.Status = StatusResolved
	d.Decision = req.Decision
	d.ReleaseAmount = req.ReleaseAmount
	d.RefundAmount = req.RefundAmount
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("persist resolution: %w", err)
	}

	DisputesResolvedTotal.WithLabelValues(string(req.Decision)).Inc()
	s.audit(d.ID, d.OrderID, "resolve_"+string(req.Decision), nil)
	if s.bus != nil {
		s.bus.Publish(events.DisputeResolved{
			DisputeID: d.ID, OrderID: d.OrderID, Decision: string(req.Decision),
			ReleaseAmount: req.ReleaseAmount, RefundAmount: req.RefundAmount,
		})
	}
	return d, nil
}

func (s *Service) audit(disputeID, orderID, action string, opErr error) {
	if s.sink == nil {
		return
	}
	entry := &audit.Entry{
		ResourceType: "dispute",
		ResourceID:   disputeID,
		Action:       action,
		Result:       audit.ResultSuccess,
		Detail:       "order=" + orderID,
	}
	if opErr != nil {
		entry.Result = audit.ResultFailure
		entry.Detail = opErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sink.Append(ctx, entry); err != nil {
		s.logger.Warn("audit append failed", "dispute", disputeID, "action", action, "error", err)
	}
}
