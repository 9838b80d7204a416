package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/payrail/payrail/internal/audit"
	"github.com/payrail/payrail/internal/events"
)

type capturedEvents struct {
	mu     sync.Mutex
	events []events.Payload
}

func (c *capturedEvents) Publish(p events.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, p)
}

func (c *capturedEvents) balanceChanges() []events.BalanceChanged {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.BalanceChanged
	for _, p := range c.events {
		if bc, ok := p.(events.BalanceChanged); ok {
			out = append(out, bc)
		}
	}
	return out
}

func newTestLedger() (*Ledger, *MemoryStore, *audit.MemorySink, *capturedEvents) {
	store := NewMemoryStore()
	sink := audit.NewMemorySink()
	bus := &capturedEvents{}
	return New(store, sink, bus, nil), store, sink, bus
}

func TestCreditAvailable(t *testing.T) {
	l, _, _, _ := newTestLedger()
	ctx := context.Background()

	if _, err := l.CreditAvailable(ctx, "u1", "100.00", Meta{}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	bal, err := l.CreditAvailable(ctx, "u1", "50.00", Meta{})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if bal.Available != "150.00" {
		t.Errorf("available = %s, want 150.00", bal.Available)
	}
}

func TestDebitInsufficientFundsLeavesBalanceUntouched(t *testing.T) {
	l, _, _, _ := newTestLedger()
	ctx := context.Background()

	if _, err := l.CreditAvailable(ctx, "u1", "30.00", Meta{}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := l.DebitAvailable(ctx, "u1", "50.00", Meta{}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("debit error = %v, want ErrInsufficientFunds", err)
	}

	bal, _ := l.GetBalance(ctx, "u1")
	if bal.Available != "30.00" || bal.Reserved != "0.00" {
		t.Errorf("balance = %s/%s, want 30.00/0.00", bal.Available, bal.Reserved)
	}
}

func TestReserveInsufficientFunds(t *testing.T) {
	l, _, _, _ := newTestLedger()
	ctx := context.Background()

	if _, err := l.CreditAvailable(ctx, "u1", "30.00", Meta{}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := l.Reserve(ctx, "u1", "50.00", "ord_1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("reserve error = %v, want ErrInsufficientFunds", err)
	}

	bal, _ := l.GetBalance(ctx, "u1")
	if bal.Available != "30.00" || bal.Reserved != "0.00" {
		t.Errorf("balance unchanged check failed: %s/%s", bal.Available, bal.Reserved)
	}
}

func TestReserveThenCancelRestoresExactState(t *testing.T) {
	l, _, _, _ := newTestLedger()
	ctx := context.Background()

	if _, err := l.CreditAvailable(ctx, "u1", "100.00", Meta{}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	before, _ := l.GetBalance(ctx, "u1")
	if _, err := l.Reserve(ctx, "u1", "40.00", "ord_1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	mid, _ := l.GetBalance(ctx, "u1")
	if mid.Available != "60.00" || mid.Reserved != "40.00" {
		t.Fatalf("after reserve = %s/%s", mid.Available, mid.Reserved)
	}
	if _, err := l.CancelReservation(ctx, "u1", "40.00", "ord_1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	after, _ := l.GetBalance(ctx, "u1")
	if after.Available != before.Available || after.Reserved != before.Reserved {
		t.Errorf("state not restored: %s/%s vs %s/%s",
			after.Available, after.Reserved, before.Available, before.Reserved)
	}
}

func TestConcurrentReserveOnlyOneSucceeds(t *testing.T) {
	l, _, _, _ := newTestLedger()
	ctx := context.Background()

	if _, err := l.CreditAvailable(ctx, "u1", "100.00", Meta{}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Reserve(ctx, "u1", "80.00", "ord_1")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrInsufficientFunds) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("succeeded = %d, want exactly 1", succeeded)
	}

	bal, _ := l.GetBalance(ctx, "u1")
	if bal.Available != "20.00" || bal.Reserved != "80.00" {
		t.Errorf("final balance = %s/%s, want 20.00/80.00", bal.Available, bal.Reserved)
	}
}

func TestReleaseMovesReservedToSeller(t *testing.T) {
	l, _, _, _ := newTestLedger()
	ctx := context.Background()

	if _, err := l.CreditAvailable(ctx, "buyer", "100.00", Meta{}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := l.Reserve(ctx, "buyer", "100.00", "ord_1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	sellerBal, err := l.Release(ctx, "buyer", "seller", "100.00", "ord_1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if sellerBal.Available != "100.00" {
		t.Errorf("seller available = %s", sellerBal.Available)
	}

	buyerBal, _ := l.GetBalance(ctx, "buyer")
	if buyerBal.Reserved != "0.00" || buyerBal.Available != "0.00" {
		t.Errorf("buyer = %s/%s", buyerBal.Available, buyerBal.Reserved)
	}
}

func TestReleaseInsufficientReservedNeverTouchesSeller(t *testing.T) {
	l, _, _, _ := newTestLedger()
	ctx := context.Background()

	if _, err := l.CreditAvailable(ctx, "seller", "5.00", Meta{}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := l.Release(ctx, "buyer", "seller", "10.00", "ord_1"); !errors.Is(err, ErrInsufficientReservedFunds) {
		t.Fatalf("release error = %v", err)
	}

	sellerBal, _ := l.GetBalance(ctx, "seller")
	if sellerBal.Available != "5.00" {
		t.Errorf("seller touched: %s", sellerBal.Available)
	}
}

func TestReleaseSameUserRejected(t *testing.T) {
	l, _, _, _ := newTestLedger()
	if _, err := l.Release(context.Background(), "u1", "u1", "10.00", "ord_1"); !errors.Is(err, ErrSameUser) {
		t.Fatalf("error = %v, want ErrSameUser", err)
	}
}

func TestInvalidAmountRejectedBeforeStore(t *testing.T) {
	l, store, _, _ := newTestLedger()
	ctx := context.Background()

	for _, amount := range []string{"", "10", "10.0", "10.000", "-10.00", "0.00", "abc"} {
		if _, err := l.CreditAvailable(ctx, "u1", amount, Meta{}); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %q: error = %v, want ErrInvalidAmount", amount, err)
		}
	}

	entries, _ := store.History(ctx, "u1", 10)
	if len(entries) != 0 {
		t.Errorf("journal has %d entries, want 0 (validation before any transaction)", len(entries))
	}
}

func TestFailedOperationStillWritesAuditEntry(t *testing.T) {
	l, _, sink, _ := newTestLedger()
	ctx := context.Background()

	_, _ = l.DebitAvailable(ctx, "u1", "50.00", Meta{})

	entries := sink.Entries()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].Result != audit.ResultFailure {
		t.Errorf("result = %s, want FAILURE", entries[0].Result)
	}
	if entries[0].Action != "debit_available" {
		t.Errorf("action = %s", entries[0].Action)
	}
}

func TestEventCarriesStateDelta(t *testing.T) {
	l, _, _, bus := newTestLedger()
	ctx := context.Background()

	if _, err := l.CreditAvailable(ctx, "u1", "100.00", Meta{}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := l.Reserve(ctx, "u1", "40.00", "ord_1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	changes := bus.balanceChanges()
	if len(changes) != 2 {
		t.Fatalf("events = %d, want 2", len(changes))
	}
	reserve := changes[1]
	if reserve.PrevAvailable != "100.00" || reserve.NewAvailable != "60.00" {
		t.Errorf("available delta = %s → %s", reserve.PrevAvailable, reserve.NewAvailable)
	}
	if reserve.PrevReserved != "0.00" || reserve.NewReserved != "40.00" {
		t.Errorf("reserved delta = %s → %s", reserve.PrevReserved, reserve.NewReserved)
	}
}

func TestNonNegativeInvariantHolds(t *testing.T) {
	l, _, _, _ := newTestLedger()
	ctx := context.Background()

	_, _ = l.CreditAvailable(ctx, "u1", "10.00", Meta{})
	ops := []func() error{
		func() error { _, err := l.DebitAvailable(ctx, "u1", "20.00", Meta{}); return err },
		func() error { _, err := l.Reserve(ctx, "u1", "20.00", "o"); return err },
		func() error { _, err := l.CancelReservation(ctx, "u1", "20.00", "o"); return err },
		func() error { _, err := l.DeductReserved(ctx, "u1", "20.00", "o"); return err },
	}
	for i, op := range ops {
		if err := op(); err == nil {
			t.Errorf("op %d should have failed", i)
		}
		bal, _ := l.GetBalance(ctx, "u1")
		if bal.Available[0] == '-' || bal.Reserved[0] == '-' {
			t.Fatalf("negative balance after op %d: %s/%s", i, bal.Available, bal.Reserved)
		}
	}
}
