package dispute

import (
	"context"
	"errors"
	"testing"

	"github.com/payrail/payrail/internal/ledger"
	"github.com/payrail/payrail/internal/order"
)

// ledgerAdapter exposes *ledger.Ledger under order.LedgerService.
type ledgerAdapter struct {
	ledger *ledger.Ledger
}

func (a *ledgerAdapter) Reserve(ctx context.Context, userID, amount, orderID string) error {
	_, err := a.ledger.Reserve(ctx, userID, amount, orderID)
	return err
}

func (a *ledgerAdapter) CancelReservation(ctx context.Context, userID, amount, orderID string) error {
	_, err := a.ledger.CancelReservation(ctx, userID, amount, orderID)
	return err
}

func (a *ledgerAdapter) DeductReserved(ctx context.Context, userID, amount, orderID string) error {
	_, err := a.ledger.DeductReserved(ctx, userID, amount, orderID)
	return err
}

func (a *ledgerAdapter) Release(ctx context.Context, buyerID, sellerID, amount, orderID string) error {
	_, err := a.ledger.Release(ctx, buyerID, sellerID, amount, orderID)
	return err
}

func (a *ledgerAdapter) CreditAvailable(ctx context.Context, userID, amount, reference string) error {
	_, err := a.ledger.CreditAvailable(ctx, userID, amount, ledger.Meta{Reference: reference})
	return err
}

// okProvider accepts every call.
type okProvider struct{}

func (okProvider) Create(_ context.Context, orderID, _, _, _ string) (string, error) {
	return "ct_" + orderID, nil
}
func (okProvider) Fund(context.Context, string, string) error    { return nil }
func (okProvider) Release(context.Context, string) error         { return nil }
func (okProvider) Refund(context.Context, string) error          { return nil }
func (okProvider) ResolveDispute(context.Context, string, string, string) error {
	return nil
}
func (okProvider) Status(context.Context, string) (order.ProviderStatus, error) {
	return order.ProviderFunded, nil
}

type fixture struct {
	disputes *Service
	orders   *order.Service
	ledger   *ledger.Ledger
}

// newFixture wires ledger, orchestrator and resolver over memory stores
// and walks one 100.00 order to IN_PROGRESS.
func newFixture(t *testing.T) (*fixture, *order.Order) {
	t.Helper()
	ctx := context.Background()

	led := ledger.New(ledger.NewMemoryStore(), nil, nil, nil)
	orders := order.NewService(order.NewMemoryStore(), &ledgerAdapter{ledger: led}, okProvider{}, nil, nil, nil)
	disputes := NewService(NewMemoryStore(), orders, nil, nil, nil)

	if _, err := led.CreditAvailable(ctx, "buyer", "100.00", ledger.Meta{}); err != nil {
		t.Fatalf("seed buyer: %v", err)
	}
	o, err := orders.Create(ctx, order.CreateRequest{BuyerID: "buyer", SellerID: "seller", Amount: "100.00"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	for _, step := range []func(context.Context, string) (*order.Order, error){
		orders.ReserveFunds, orders.CreateEscrow, orders.FundEscrow, orders.ConfirmEscrowFunded,
	} {
		if _, err := step(ctx, o.ID); err != nil {
			t.Fatalf("advance order: %v", err)
		}
	}
	return &fixture{disputes: disputes, orders: orders, ledger: led}, o
}

func open(t *testing.T, f *fixture, orderID string) *Dispute {
	t.Helper()
	d, err := f.disputes.Open(context.Background(), OpenRequest{
		OrderID: orderID, OpenedBy: "buyer", Reason: "work not delivered",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return d
}

func TestOpenFreezesOrder(t *testing.T) {
	f, o := newFixture(t)
	d := open(t, f, o.ID)

	if d.Status != StatusOpen {
		t.Errorf("dispute status = %s", d.Status)
	}
	got, _ := f.orders.Get(context.Background(), o.ID)
	if got.Status != order.StatusDisputed {
		t.Errorf("order status = %s, want DISPUTED", got.Status)
	}
	if got.Escrow.Status != order.EscrowDisputed {
		t.Errorf("escrow status = %s, want DISPUTED", got.Escrow.Status)
	}
}

func TestOpenRequiresInProgressOrder(t *testing.T) {
	f, _ := newFixture(t)
	ctx := context.Background()

	o2, err := f.orders.Create(ctx, order.CreateRequest{BuyerID: "buyer2", SellerID: "seller", Amount: "10.00"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.disputes.Open(ctx, OpenRequest{OrderID: o2.ID, OpenedBy: "buyer2", Reason: "x"}); !errors.Is(err, order.ErrInvalidTransition) {
		t.Fatalf("error = %v, want ErrInvalidTransition", err)
	}
	// The dispute record left no trace.
	if active, _ := f.disputes.store.GetActiveByOrder(ctx, o2.ID); active != nil {
		t.Error("failed open left an active dispute behind")
	}
}

func TestSecondDisputeRejected(t *testing.T) {
	f, o := newFixture(t)
	open(t, f, o.ID)

	_, err := f.disputes.Open(context.Background(), OpenRequest{
		OrderID: o.ID, OpenedBy: "seller", Reason: "counter",
	})
	if !errors.Is(err, ErrActiveDispute) {
		t.Fatalf("error = %v, want ErrActiveDispute", err)
	}
}

func TestResolveRequiresAssignment(t *testing.T) {
	f, o := newFixture(t)
	d := open(t, f, o.ID)
	ctx := context.Background()

	if _, err := f.disputes.Resolve(ctx, d.ID, ResolveRequest{Decision: DecisionFullRefund}); !errors.Is(err, ErrNotUnderReview) {
		t.Fatalf("resolve before assign: %v", err)
	}
	if _, err := f.disputes.Assign(ctx, d.ID, "reviewer-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	got, _ := f.disputes.Get(ctx, d.ID)
	if got.Status != StatusUnderReview || got.AssignedTo != "reviewer-1" {
		t.Errorf("dispute = %+v", got)
	}
}

func TestResolveSplit(t *testing.T) {
	f, o := newFixture(t)
	d := open(t, f, o.ID)
	ctx := context.Background()

	if _, err := f.disputes.Assign(ctx, d.ID, "reviewer-1"); err != nil {
		t.Fatal(err)
	}

	resolved, err := f.disputes.Resolve(ctx, d.ID, ResolveRequest{
		Decision: DecisionSplit, ReleaseAmount: "60.00", RefundAmount: "40.00",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusResolved || resolved.Decision != DecisionSplit {
		t.Errorf("dispute = %+v", resolved)
	}

	// Split settles synchronously: both parties credited, order closed.
	sellerBal, _ := f.ledger.GetBalance(ctx, "seller")
	if sellerBal.Available != "60.00" {
		t.Errorf("seller available = %s, want 60.00", sellerBal.Available)
	}
	buyerBal, _ := f.ledger.GetBalance(ctx, "buyer")
	if buyerBal.Available != "40.00" {
		t.Errorf("buyer available = %s, want 40.00", buyerBal.Available)
	}
	got, _ := f.orders.Get(ctx, o.ID)
	if got.Status != order.StatusClosed {
		t.Errorf("order status = %s, want CLOSED", got.Status)
	}
}

func TestResolveSplitBadSumKeepsDisputeOpen(t *testing.T) {
	f, o := newFixture(t)
	d := open(t, f, o.ID)
	ctx := context.Background()

	if _, err := f.disputes.Assign(ctx, d.ID, "reviewer-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.disputes.Resolve(ctx, d.ID, ResolveRequest{
		Decision: DecisionSplit, ReleaseAmount: "60.00", RefundAmount: "50.00",
	}); err == nil {
		t.Fatal("bad split sum accepted")
	}

	got, _ := f.disputes.Get(ctx, d.ID)
	if got.Status != StatusUnderReview {
		t.Errorf("dispute status = %s, want UNDER_REVIEW", got.Status)
	}
}

func TestResolveFullReleaseIsAsync(t *testing.T) {
	f, o := newFixture(t)
	d := open(t, f, o.ID)
	ctx := context.Background()

	if _, err := f.disputes.Assign(ctx, d.ID, "reviewer-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.disputes.Resolve(ctx, d.ID, ResolveRequest{Decision: DecisionFullRelease}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// FULL_RELEASE only initiates; crediting waits for the provider's
	// confirmation.
	got, _ := f.orders.Get(ctx, o.ID)
	if got.Status != order.StatusReleaseRequested {
		t.Errorf("order status = %s, want RELEASE_REQUESTED", got.Status)
	}
	sellerBal, _ := f.ledger.GetBalance(ctx, "seller")
	if sellerBal.Available != "0.00" {
		t.Errorf("seller credited early: %s", sellerBal.Available)
	}

	if _, err := f.orders.ConfirmRelease(ctx, o.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	sellerBal, _ = f.ledger.GetBalance(ctx, "seller")
	if sellerBal.Available != "100.00" {
		t.Errorf("seller available = %s, want 100.00", sellerBal.Available)
	}
}

func TestResolveTwiceRejected(t *testing.T) {
	f, o := newFixture(t)
	d := open(t, f, o.ID)
	ctx := context.Background()

	if _, err := f.disputes.Assign(ctx, d.ID, "reviewer-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.disputes.Resolve(ctx, d.ID, ResolveRequest{
		Decision: DecisionSplit, ReleaseAmount: "60.00", RefundAmount: "40.00",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.disputes.Resolve(ctx, d.ID, ResolveRequest{Decision: DecisionFullRefund}); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second resolve: %v", err)
	}
}

func TestInvalidDecisionRejected(t *testing.T) {
	f, o := newFixture(t)
	d := open(t, f, o.ID)
	ctx := context.Background()

	if _, err := f.disputes.Assign(ctx, d.ID, "reviewer-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.disputes.Resolve(ctx, d.ID, ResolveRequest{Decision: "PARTIAL"}); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("error = %v, want ErrInvalidDecision", err)
	}
	if _, err := f.disputes.Resolve(ctx, d.ID, ResolveRequest{Decision: DecisionSplit}); !errors.Is(err, ErrSplitAmountsEmpty) {
		t.Fatalf("error = %v, want ErrSplitAmountsEmpty", err)
	}
}
