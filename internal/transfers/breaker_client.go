package transfers

import (
	"context"
	"errors"

	"github.com/payrail/payrail/internal/circuitbreaker"
)

// ErrCustodialUnavailable is returned when the custodial circuit is open
// and the call was rejected without reaching the provider.
var ErrCustodialUnavailable = errors.New("custodial provider unavailable")

const custodialBreakerKey = "custodial"

// BreakerClient wraps a CustodialClient with a circuit breaker. A rejected
// withdrawal fails fast and compensates before any money leaves the ledger.
type BreakerClient struct {
	inner   CustodialClient
	breaker *circuitbreaker.Breaker
}

// WithBreaker decorates client with the given circuit breaker.
func WithBreaker(client CustodialClient, breaker *circuitbreaker.Breaker) *BreakerClient {
	return &BreakerClient{inner: client, breaker: breaker}
}

func (b *BreakerClient) call(fn func() error) error {
	if !b.breaker.Allow(custodialBreakerKey) {
		return ErrCustodialUnavailable
	}
	err := fn()
	if err != nil {
		b.breaker.RecordFailure(custodialBreakerKey)
		return err
	}
	b.breaker.RecordSuccess(custodialBreakerKey)
	return nil
}

func (b *BreakerClient) GetBalance(ctx context.Context) (string, error) {
	var balance string
	err := b.call(func() error {
		var err error
		balance, err = b.inner.GetBalance(ctx)
		return err
	})
	return balance, err
}

func (b *BreakerClient) CreateTransferOut(ctx context.Context, idempotencyKey, destination, amount, currency string) (string, error) {
	var ref string
	err := b.call(func() error {
		var err error
		ref, err = b.inner.CreateTransferOut(ctx, idempotencyKey, destination, amount, currency)
		return err
	})
	return ref, err
}

func (b *BreakerClient) RefreshTransferStatus(ctx context.Context, providerRef string) (TransferStatus, error) {
	var status TransferStatus
	err := b.call(func() error {
		var err error
		status, err = b.inner.RefreshTransferStatus(ctx, providerRef)
		return err
	})
	if err != nil {
		return TransferPending, err
	}
	return status, nil
}
