package server

import (
	"context"

	"github.com/payrail/payrail/internal/ledger"
)

// orderLedgerAdapter narrows *ledger.Ledger to the error-only interface
// the order orchestrator consumes.
type orderLedgerAdapter struct {
	ledger *ledger.Ledger
}

func (a *orderLedgerAdapter) Reserve(ctx context.Context, userID, amount, orderID string) error {
	_, err := a.ledger.Reserve(ctx, userID, amount, orderID)
	return err
}

func (a *orderLedgerAdapter) CancelReservation(ctx context.Context, userID, amount, orderID string) error {
	_, err := a.ledger.CancelReservation(ctx, userID, amount, orderID)
	return err
}

func (a *orderLedgerAdapter) DeductReserved(ctx context.Context, userID, amount, orderID string) error {
	_, err := a.ledger.DeductReserved(ctx, userID, amount, orderID)
	return err
}

func (a *orderLedgerAdapter) Release(ctx context.Context, buyerID, sellerID, amount, orderID string) error {
	_, err := a.ledger.Release(ctx, buyerID, sellerID, amount, orderID)
	return err
}

func (a *orderLedgerAdapter) CreditAvailable(ctx context.Context, userID, amount, reference string) error {
	_, err := a.ledger.CreditAvailable(ctx, userID, amount, ledger.Meta{Reference: reference})
	return err
}

// transferLedgerAdapter narrows *ledger.Ledger for the transfers service.
type transferLedgerAdapter struct {
	ledger *ledger.Ledger
}

func (a *transferLedgerAdapter) CreditAvailable(ctx context.Context, userID, amount, reference string) error {
	_, err := a.ledger.CreditAvailable(ctx, userID, amount, ledger.Meta{Reference: reference})
	return err
}

func (a *transferLedgerAdapter) DebitAvailable(ctx context.Context, userID, amount, reference string) error {
	_, err := a.ledger.DebitAvailable(ctx, userID, amount, ledger.Meta{Reference: reference})
	return err
}
