package reconciliation

import (
	"context"
	"log/slog"
	"time"

	"github.com/payrail/payrail/internal/order"
	"github.com/payrail/payrail/internal/ratelimit"
	"github.com/payrail/payrail/internal/transfers"
)

// Staleness defaults. An escrow still CREATED or FUNDING after the stuck
// threshold means a saga died between the ledger write and the provider
// confirmation; those count as discrepancies rather than being retried
// blindly.
const (
	defaultStaleAfter = 10 * time.Minute
	defaultStuckAfter = time.Hour
	defaultBatchSize  = 100
)

// EscrowOrchestrator is the slice of the order service escrow
// reconciliation needs.
type EscrowOrchestrator interface {
	ApplyProviderState(ctx context.Context, orderID string, provider order.ProviderStatus) (*order.Order, bool, error)
}

// EscrowStatusClient reads the provider's view of an escrow.
type EscrowStatusClient interface {
	Status(ctx context.Context, contractID string) (order.ProviderStatus, error)
}

// EscrowJob sweeps non-terminal escrows: it asks the provider for each
// one's current state and applies it through the same transition
// validation the webhook path uses.
type EscrowJob struct {
	store      escrowLister
	orders     EscrowOrchestrator
	provider   EscrowStatusClient
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	staleAfter time.Duration
	stuckAfter time.Duration
	batchSize  int
}

type escrowLister interface {
	StaleEscrows(ctx context.Context, statuses []order.EscrowStatus, cutoff time.Time, limit int) ([]*order.Escrow, error)
	OrphanedCreatingOrders(ctx context.Context, cutoff time.Time, limit int) ([]*order.Order, error)
}

// NewEscrowJob creates the escrow sweep.
func NewEscrowJob(store escrowLister, orders EscrowOrchestrator, provider EscrowStatusClient,
	limiter *ratelimit.Limiter, logger *slog.Logger) *EscrowJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &EscrowJob{
		store:      store,
		orders:     orders,
		provider:   provider,
		limiter:    limiter,
		logger:     logger,
		staleAfter: defaultStaleAfter,
		stuckAfter: defaultStuckAfter,
		batchSize:  defaultBatchSize,
	}
}

func (j *EscrowJob) Name() string { return "escrows" }

func (j *EscrowJob) Run(ctx context.Context) (*Stats, error) {
	cutoff := time.Now().Add(-j.staleAfter)
	escrows, err := j.store.StaleEscrows(ctx, []order.EscrowStatus{
		order.EscrowCreated, order.EscrowFunding, order.EscrowFunded, order.EscrowDisputed,
	}, cutoff, j.batchSize)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	stuckCutoff := time.Now().Add(-j.stuckAfter)
	for _, esc := range escrows {
		stats.Processed++

		// A pre-funding escrow this old will not finish on its own.
		if (esc.Status == order.EscrowCreated || esc.Status == order.EscrowFunding) &&
			esc.UpdatedAt.Before(stuckCutoff) {
			stats.Discrepancies++
			j.logger.Warn("escrow stuck before funding",
				"orderId", esc.OrderID, "status", esc.Status, "updatedAt", esc.UpdatedAt)
			continue
		}

		if err := pace(ctx, j.limiter, j.Name()); err != nil {
			return stats, err
		}
		providerState, err := j.provider.Status(ctx, esc.ContractID)
		if err != nil {
			stats.Errors++
			j.logger.Warn("provider status fetch failed", "orderId", esc.OrderID, "error", err)
			continue
		}

		_, applied, err := j.orders.ApplyProviderState(ctx, esc.OrderID, providerState)
		if err != nil {
			stats.Errors++
			j.logger.Warn("provider state not applied", "orderId", esc.OrderID,
				"providerState", providerState, "error", err)
			continue
		}
		if applied {
			stats.Synced++
			j.logger.Info("escrow state repaired from provider",
				"orderId", esc.OrderID, "providerState", providerState)
		}
	}

	// Orders that committed ESCROW_CREATING but never got an escrow row
	// are invisible to the escrow scan above; the provider has nothing to
	// report for them either, so they can only be flagged.
	orphans, err := j.store.OrphanedCreatingOrders(ctx, stuckCutoff, j.batchSize)
	if err != nil {
		return stats, err
	}
	for _, o := range orphans {
		stats.Processed++
		stats.Discrepancies++
		j.logger.Warn("order stuck in escrow creation without an escrow",
			"orderId", o.ID, "updatedAt", o.UpdatedAt)
	}
	return stats, nil
}

// transferStore is the slice of the transfers store the sweeps need.
type transferStore interface {
	PendingTopUps(ctx context.Context, olderThan time.Time, limit int) ([]*transfers.TopUp, error)
	PendingWithdrawals(ctx context.Context, olderThan time.Time, limit int) ([]*transfers.Withdrawal, error)
}

// TopUpJob flags top-ups stuck in PENDING. There is no provider pull API
// for inbound transfers, so an old pending top-up is a discrepancy for an
// operator, not something the job can settle itself.
type TopUpJob struct {
	store      transferStore
	logger     *slog.Logger
	staleAfter time.Duration
	batchSize  int
}

// NewTopUpJob creates the top-up sweep.
func NewTopUpJob(store transferStore, logger *slog.Logger) *TopUpJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopUpJob{
		store:      store,
		logger:     logger,
		staleAfter: defaultStuckAfter,
		batchSize:  defaultBatchSize,
	}
}

func (j *TopUpJob) Name() string { return "topups" }

func (j *TopUpJob) Run(ctx context.Context) (*Stats, error) {
	cutoff := time.Now().Add(-j.staleAfter)
	topups, err := j.store.PendingTopUps(ctx, cutoff, j.batchSize)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, t := range topups {
		stats.Processed++
		stats.Discrepancies++
		j.logger.Warn("top-up stuck pending",
			"topupId", t.ID, "userId", t.UserID, "createdAt", t.CreatedAt)
	}
	return stats, nil
}

// WithdrawalRefresher is the slice of the transfers service the
// withdrawal sweep needs.
type WithdrawalRefresher interface {
	RefreshWithdrawal(ctx context.Context, id string) (*transfers.Withdrawal, bool, error)
}

// WithdrawalJob refreshes in-flight withdrawals against the custodial
// provider and settles the ones that reached a terminal state there.
type WithdrawalJob struct {
	store      transferStore
	service    WithdrawalRefresher
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	staleAfter time.Duration
	stuckAfter time.Duration
	batchSize  int
}

// NewWithdrawalJob creates the withdrawal sweep.
func NewWithdrawalJob(store transferStore, service WithdrawalRefresher,
	limiter *ratelimit.Limiter, logger *slog.Logger) *WithdrawalJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &WithdrawalJob{
		store:      store,
		service:    service,
		limiter:    limiter,
		logger:     logger,
		staleAfter: defaultStaleAfter,
		stuckAfter: defaultStuckAfter,
		batchSize:  defaultBatchSize,
	}
}

func (j *WithdrawalJob) Name() string { return "withdrawals" }

func (j *WithdrawalJob) Run(ctx context.Context) (*Stats, error) {
	cutoff := time.Now().Add(-j.staleAfter)
	withdrawals, err := j.store.PendingWithdrawals(ctx, cutoff, j.batchSize)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	stuckCutoff := time.Now().Add(-j.stuckAfter)
	for _, w := range withdrawals {
		stats.Processed++

		// A withdrawal that never got a provider reference debited the
		// user but never reached the provider.
		if w.ProviderRef == "" {
			if w.CreatedAt.Before(stuckCutoff) {
				stats.Discrepancies++
				j.logger.Warn("withdrawal stuck without provider reference",
					"withdrawalId", w.ID, "createdAt", w.CreatedAt)
			}
			continue
		}

		if err := pace(ctx, j.limiter, j.Name()); err != nil {
			return stats, err
		}
		_, applied, err := j.service.RefreshWithdrawal(ctx, w.ID)
		if err != nil {
			stats.Errors++
			j.logger.Warn("withdrawal refresh failed", "withdrawalId", w.ID, "error", err)
			continue
		}
		if applied {
			stats.Synced++
			j.logger.Info("withdrawal settled from provider", "withdrawalId", w.ID)
		}
	}
	return stats, nil
}
