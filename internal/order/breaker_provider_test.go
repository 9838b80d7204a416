package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/payrail/payrail/internal/circuitbreaker"
)

type flakyProvider struct {
	err   error
	calls int
}

func (p *flakyProvider) Create(ctx context.Context, orderID, buyerID, sellerID, amount string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return "esc_1", nil
}
func (p *flakyProvider) Fund(ctx context.Context, contractID, amount string) error {
	p.calls++
	return p.err
}
func (p *flakyProvider) Release(ctx context.Context, contractID string) error {
	p.calls++
	return p.err
}
func (p *flakyProvider) Refund(ctx context.Context, contractID string) error {
	p.calls++
	return p.err
}
func (p *flakyProvider) ResolveDispute(ctx context.Context, contractID, releaseAmount, refundAmount string) error {
	p.calls++
	return p.err
}
func (p *flakyProvider) Status(ctx context.Context, contractID string) (ProviderStatus, error) {
	p.calls++
	if p.err != nil {
		return ProviderUnknown, p.err
	}
	return ProviderFunded, nil
}

func TestBreakerProvider_OpensAfterFailures(t *testing.T) {
	ctx := context.Background()
	inner := &flakyProvider{err: errors.New("provider down")}
	bp := WithBreaker(inner, circuitbreaker.New(3, time.Minute))

	for i := 0; i < 3; i++ {
		if err := bp.Fund(ctx, "esc_1", "5.00"); err == nil {
			t.Fatal("expected provider error")
		}
	}

	// Circuit is open now; the provider must not be reached.
	before := inner.calls
	err := bp.Fund(ctx, "esc_1", "5.00")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if inner.calls != before {
		t.Errorf("open circuit should not call the provider (calls %d -> %d)", before, inner.calls)
	}
}

func TestBreakerProvider_SuccessKeepsCircuitClosed(t *testing.T) {
	ctx := context.Background()
	inner := &flakyProvider{}
	bp := WithBreaker(inner, circuitbreaker.New(3, time.Minute))

	for i := 0; i < 10; i++ {
		if _, err := bp.Create(ctx, "ord_1", "usr_b", "usr_s", "5.00"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	status, err := bp.Status(ctx, "esc_1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != ProviderFunded {
		t.Errorf("expected FUNDED, got %s", status)
	}
}
