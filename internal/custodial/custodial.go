// Package custodial implements the money-provider client over Stripe.
// It is the only package that talks to Stripe; the ledger's own writes
// never depend on it.
package custodial

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/payrail/payrail/internal/money"
	"github.com/payrail/payrail/internal/retry"
	"github.com/payrail/payrail/internal/transfers"
)

const (
	maxAttempts = 3
	baseDelay   = 200 * time.Millisecond
)

// Client implements transfers.CustodialClient against the Stripe API.
type Client struct {
	api      *client.API
	currency string
}

// New creates a client with its own API handle so it never touches the
// package-global Stripe key.
func New(apiKey, currency string) *Client {
	api := &client.API{}
	api.Init(apiKey, nil)
	if currency == "" {
		currency = "usd"
	}
	return &Client{api: api, currency: currency}
}

// GetBalance returns the available custodial balance in the client's
// currency as an exact two-decimal string.
func (c *Client) GetBalance(ctx context.Context) (string, error) {
	var bal *stripe.Balance
	err := retry.Do(ctx, maxAttempts, baseDelay, func() error {
		var err error
		bal, err = c.api.Balance.Get(&stripe.BalanceParams{
			Params: stripe.Params{Context: ctx},
		})
		return classify(err)
	})
	if err != nil {
		return "", fmt.Errorf("stripe balance: %w", err)
	}
	for _, avail := range bal.Available {
		if string(avail.Currency) == c.currency {
			return money.Format(big.NewInt(avail.Amount)), nil
		}
	}
	return "0.00", nil
}

// CreateTransferOut creates a payout to an external account and returns
// the payout ID. The caller's idempotency key dedupes retries on the
// Stripe side.
func (c *Client) CreateTransferOut(ctx context.Context, idempotencyKey, destination, amount, currency string) (string, error) {
	cents, err := money.Parse(amount)
	if err != nil {
		return "", err
	}
	if currency == "" {
		currency = c.currency
	}

	params := &stripe.PayoutParams{
		Params:      stripe.Params{Context: ctx},
		Amount:      stripe.Int64(cents.Int64()),
		Currency:    stripe.String(currency),
		Destination: stripe.String(destination),
	}
	params.SetIdempotencyKey(idempotencyKey)

	// Safe to retry: the idempotency key dedupes on the Stripe side.
	var payout *stripe.Payout
	err = retry.Do(ctx, maxAttempts, baseDelay, func() error {
		var err error
		payout, err = c.api.Payouts.New(params)
		return classify(err)
	})
	if err != nil {
		return "", fmt.Errorf("stripe payout: %w", err)
	}
	return payout.ID, nil
}

// RefreshTransferStatus maps the payout's Stripe status onto the transfer
// status the settlement flows understand.
func (c *Client) RefreshTransferStatus(ctx context.Context, providerRef string) (transfers.TransferStatus, error) {
	var payout *stripe.Payout
	err := retry.Do(ctx, maxAttempts, baseDelay, func() error {
		var err error
		payout, err = c.api.Payouts.Get(providerRef, &stripe.PayoutParams{
			Params: stripe.Params{Context: ctx},
		})
		return classify(err)
	})
	if err != nil {
		return "", fmt.Errorf("stripe payout status: %w", err)
	}

	switch payout.Status {
	case stripe.PayoutStatusPaid:
		return transfers.TransferPosted, nil
	case stripe.PayoutStatusFailed, stripe.PayoutStatusCanceled:
		return transfers.TransferFailed, nil
	default:
		// pending and in_transit stay open.
		return transfers.TransferPending, nil
	}
}

// classify marks Stripe client errors permanent so only rate limits and
// server-side failures are retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		if sErr.HTTPStatusCode == http.StatusTooManyRequests || sErr.HTTPStatusCode >= http.StatusInternalServerError {
			return err
		}
		return retry.Permanent(err)
	}
	// Transport errors never reached Stripe; retry them.
	return err
}
