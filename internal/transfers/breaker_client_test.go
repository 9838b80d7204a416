package transfers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/payrail/payrail/internal/circuitbreaker"
)

func TestBreakerClient_OpensAfterFailures(t *testing.T) {
	ctx := context.Background()
	inner := &fakeCustodial{transferErr: errors.New("stripe down")}
	bc := WithBreaker(inner, circuitbreaker.New(2, time.Minute))

	for i := 0; i < 2; i++ {
		if _, err := bc.CreateTransferOut(ctx, "wdr_1", "acct_1", "5.00", "USD"); err == nil {
			t.Fatal("expected provider error")
		}
	}

	before := len(inner.calls)
	_, err := bc.CreateTransferOut(ctx, "wdr_1", "acct_1", "5.00", "USD")
	if !errors.Is(err, ErrCustodialUnavailable) {
		t.Fatalf("expected ErrCustodialUnavailable, got %v", err)
	}
	if len(inner.calls) != before {
		t.Errorf("open circuit should not call the provider (calls %d -> %d)", before, len(inner.calls))
	}
}

func TestBreakerClient_PassesThroughOnSuccess(t *testing.T) {
	ctx := context.Background()
	inner := &fakeCustodial{status: TransferPosted}
	bc := WithBreaker(inner, circuitbreaker.New(2, time.Minute))

	ref, err := bc.CreateTransferOut(ctx, "wdr_1", "acct_1", "5.00", "USD")
	if err != nil {
		t.Fatalf("CreateTransferOut failed: %v", err)
	}
	if ref == "" {
		t.Error("expected a provider reference")
	}

	status, err := bc.RefreshTransferStatus(ctx, ref)
	if err != nil {
		t.Fatalf("RefreshTransferStatus failed: %v", err)
	}
	if status != TransferPosted {
		t.Errorf("expected posted, got %s", status)
	}
}
