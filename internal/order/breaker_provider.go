package order

import (
	"context"
	"errors"

	"github.com/payrail/payrail/internal/circuitbreaker"
)

// ErrProviderUnavailable is returned when the escrow provider circuit is
// open and the call was rejected without reaching the provider.
var ErrProviderUnavailable = errors.New("escrow provider unavailable")

const breakerKey = "escrow"

// BreakerProvider wraps an EscrowProvider with a circuit breaker so a
// failing provider sheds load fast instead of stalling every order.
type BreakerProvider struct {
	inner   EscrowProvider
	breaker *circuitbreaker.Breaker
}

// WithBreaker decorates provider with the given circuit breaker.
func WithBreaker(provider EscrowProvider, breaker *circuitbreaker.Breaker) *BreakerProvider {
	return &BreakerProvider{inner: provider, breaker: breaker}
}

func (b *BreakerProvider) call(fn func() error) error {
	if !b.breaker.Allow(breakerKey) {
		return ErrProviderUnavailable
	}
	err := fn()
	if err != nil {
		b.breaker.RecordFailure(breakerKey)
		return err
	}
	b.breaker.RecordSuccess(breakerKey)
	return nil
}

func (b *BreakerProvider) Create(ctx context.Context, orderID, buyerID, sellerID, amount string) (string, error) {
	var contractID string
	err := b.call(func() error {
		var err error
		contractID, err = b.inner.Create(ctx, orderID, buyerID, sellerID, amount)
		return err
	})
	return contractID, err
}

func (b *BreakerProvider) Fund(ctx context.Context, contractID, amount string) error {
	return b.call(func() error { return b.inner.Fund(ctx, contractID, amount) })
}

func (b *BreakerProvider) Release(ctx context.Context, contractID string) error {
	return b.call(func() error { return b.inner.Release(ctx, contractID) })
}

func (b *BreakerProvider) Refund(ctx context.Context, contractID string) error {
	return b.call(func() error { return b.inner.Refund(ctx, contractID) })
}

func (b *BreakerProvider) ResolveDispute(ctx context.Context, contractID, releaseAmount, refundAmount string) error {
	return b.call(func() error {
		return b.inner.ResolveDispute(ctx, contractID, releaseAmount, refundAmount)
	})
}

func (b *BreakerProvider) Status(ctx context.Context, contractID string) (ProviderStatus, error) {
	var status ProviderStatus
	err := b.call(func() error {
		var err error
		status, err = b.inner.Status(ctx, contractID)
		return err
	})
	if err != nil {
		return ProviderUnknown, err
	}
	return status, nil
}
