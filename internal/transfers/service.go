package transfers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/payrail/payrail/internal/audit"
	"github.com/payrail/payrail/internal/events"
	"github.com/payrail/payrail/internal/idgen"
	"github.com/payrail/payrail/internal/money"
)

// Publisher receives events after a transfer settles.
type Publisher interface {
	Publish(events.Payload)
}

// TopUpRequest initiates an inbound transfer.
type TopUpRequest struct {
	UserID      string `json:"userId" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Currency    string `json:"currency"`
	ProviderRef string `json:"providerRef"`
}

// WithdrawalRequest initiates an outbound payout.
type WithdrawalRequest struct {
	UserID      string `json:"userId" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Currency    string `json:"currency"`
	Destination string `json:"destination" binding:"required"`
}

// Service runs the top-up and withdrawal flows.
type Service struct {
	store     Store
	ledger    LedgerService
	custodial CustodialClient
	sink      audit.Sink
	bus       Publisher
	logger    *slog.Logger

	locks sync.Map
}

func NewService(store Store, ledger LedgerService, custodial CustodialClient,
	sink audit.Sink, bus Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		ledger:    ledger,
		custodial: custodial,
		sink:      sink,
		bus:       bus,
		logger:    logger,
	}
}

func (s *Service) transferLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// InitiateTopUp records a pending inbound transfer. The ledger is not
// touched until the provider confirms the funds arrived.
func (s *Service) InitiateTopUp(ctx context.Context, req TopUpRequest) (*TopUp, error) {
	if !money.Valid(req.Amount) {
		return nil, fmt.Errorf("%w: %q", money.ErrInvalidAmount, req.Amount)
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	now := time.Now()
	t := &TopUp{
		ID:          idgen.WithPrefix("tpu_"),
		UserID:      req.UserID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		ProviderRef: req.ProviderRef,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateTopUp(ctx, t); err != nil {
		return nil, err
	}

	TransfersInitiatedTotal.WithLabelValues("topup").Inc()
	s.audit(t.ID, "topup_initiate", "", string(StatusPending), nil)
	s.logger.Info("top-up initiated", "topupId", t.ID, "userId", t.UserID, "amount", t.Amount)
	return t, nil
}

// ConfirmTopUp settles a pending top-up and credits the user. Settling an
// already-completed top-up returns ErrAlreadySettled, so provider webhook
// retries are harmless.
func (s *Service) ConfirmTopUp(ctx context.Context, id string) (*TopUp, error) {
	mu := s.transferLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.GetTopUp(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, ErrAlreadySettled
	}

	if err := s.store.SettleTopUp(ctx, id, StatusPending, StatusCompleted, ""); err != nil {
		return nil, err
	}
	// The credit follows the committed settlement. If it fails the top-up
	// stays COMPLETED and reconciliation surfaces the missing credit.
	if err := s.ledger.CreditAvailable(ctx, t.UserID, t.Amount, t.ID); err != nil {
		s.audit(id, "topup_credit", string(StatusPending), string(StatusCompleted), err)
		return nil, fmt.Errorf("top-up %s settled but credit failed: %w", id, err)
	}

	s.settled("topup", StatusCompleted)
	s.audit(id, "topup_confirm", string(StatusPending), string(StatusCompleted), nil)
	s.publishTopUp(t, StatusCompleted)
	s.logger.Info("top-up completed", "topupId", id, "userId", t.UserID, "amount", t.Amount)
	return s.store.GetTopUp(ctx, id)
}

// FailTopUp settles a pending top-up as FAILED without touching the ledger.
func (s *Service) FailTopUp(ctx context.Context, id, reason string) (*TopUp, error) {
	mu := s.transferLock(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.GetTopUp(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, ErrAlreadySettled
	}
	if err := s.store.SettleTopUp(ctx, id, StatusPending, StatusFailed, reason); err != nil {
		return nil, err
	}

	s.settled("topup", StatusFailed)
	s.audit(id, "topup_fail", string(StatusPending), string(StatusFailed), nil)
	s.publishTopUp(t, StatusFailed)
	s.logger.Warn("top-up failed", "topupId", id, "reason", reason)
	return s.store.GetTopUp(ctx, id)
}

// GetTopUp returns one top-up.
func (s *Service) GetTopUp(ctx context.Context, id string) (*TopUp, error) {
	return s.store.GetTopUp(ctx, id)
}

// CreateWithdrawal debits the user's available balance and submits a payout.
// The debit comes first so the funds cannot be spent while the payout is in
// flight; a provider failure re-credits them and marks the record FAILED.
func (s *Service) CreateWithdrawal(ctx context.Context, req WithdrawalRequest) (*Withdrawal, error) {
	if !money.Valid(req.Amount) {
		return nil, fmt.Errorf("%w: %q", money.ErrInvalidAmount, req.Amount)
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	now := time.Now()
	w := &Withdrawal{
		ID:          idgen.WithPrefix("wdr_"),
		UserID:      req.UserID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Destination: req.Destination,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.ledger.DebitAvailable(ctx, req.UserID, req.Amount, w.ID); err != nil {
		return nil, err
	}
	if err := s.store.CreateWithdrawal(ctx, w); err != nil {
		// The debit committed but the record did not; give the money back.
		s.recredit(ctx, w, "record withdrawal")
		return nil, err
	}

	TransfersInitiatedTotal.WithLabelValues("withdrawal").Inc()
	s.audit(w.ID, "withdrawal_initiate", "", string(StatusPending), nil)

	ref, err := s.callCustodial(ctx, "create_transfer_out", func(ctx context.Context) (string, error) {
		return s.custodial.CreateTransferOut(ctx, w.ID, req.Destination, req.Amount, req.Currency)
	})
	if err != nil {
		s.recredit(ctx, w, "provider rejected payout")
		if serr := s.store.UpdateWithdrawal(ctx, w.ID, StatusPending, StatusFailed, "", err.Error()); serr != nil {
			s.logger.Error("withdrawal fail-out not recorded", "withdrawalId", w.ID, "error", serr)
		}
		s.settled("withdrawal", StatusFailed)
		s.audit(w.ID, "withdrawal_submit", string(StatusPending), string(StatusFailed), err)
		s.publishWithdrawal(w, StatusFailed)
		return nil, err
	}

	if err := s.store.UpdateWithdrawal(ctx, w.ID, StatusPending, StatusProcessing, ref, ""); err != nil {
		return nil, err
	}
	s.logger.Info("withdrawal submitted", "withdrawalId", w.ID, "providerRef", ref, "amount", w.Amount)
	return s.store.GetWithdrawal(ctx, w.ID)
}

// ConfirmWithdrawal settles a processing withdrawal as COMPLETED.
func (s *Service) ConfirmWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	mu := s.transferLock(id)
	mu.Lock()
	defer mu.Unlock()

	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status.Terminal() {
		return nil, ErrAlreadySettled
	}
	if err := s.store.UpdateWithdrawal(ctx, id, StatusProcessing, StatusCompleted, "", ""); err != nil {
		return nil, err
	}

	s.settled("withdrawal", StatusCompleted)
	s.audit(id, "withdrawal_confirm", string(StatusProcessing), string(StatusCompleted), nil)
	s.publishWithdrawal(w, StatusCompleted)
	s.logger.Info("withdrawal completed", "withdrawalId", id, "amount", w.Amount)
	return s.store.GetWithdrawal(ctx, id)
}

// FailWithdrawal settles a processing withdrawal as FAILED and returns the
// debited funds to the user.
func (s *Service) FailWithdrawal(ctx context.Context, id, reason string) (*Withdrawal, error) {
	mu := s.transferLock(id)
	mu.Lock()
	defer mu.Unlock()

	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status.Terminal() {
		return nil, ErrAlreadySettled
	}
	if err := s.store.UpdateWithdrawal(ctx, id, w.Status, StatusFailed, "", reason); err != nil {
		return nil, err
	}
	s.recredit(ctx, w, reason)

	s.settled("withdrawal", StatusFailed)
	s.audit(id, "withdrawal_fail", string(w.Status), string(StatusFailed), nil)
	s.publishWithdrawal(w, StatusFailed)
	s.logger.Warn("withdrawal failed", "withdrawalId", id, "reason", reason)
	return s.store.GetWithdrawal(ctx, id)
}

// GetWithdrawal returns one withdrawal.
func (s *Service) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	return s.store.GetWithdrawal(ctx, id)
}

// ApplyTopUpStatus applies the provider's word on an inbound transfer,
// identified by provider reference. Webhooks and reconciliation share it.
func (s *Service) ApplyTopUpStatus(ctx context.Context, providerRef string, status TransferStatus) (*TopUp, bool, error) {
	t, err := s.store.GetTopUpByRef(ctx, providerRef)
	if err != nil {
		return nil, false, err
	}
	switch status {
	case TransferPosted:
		settled, err := s.ConfirmTopUp(ctx, t.ID)
		if err == ErrAlreadySettled {
			return t, false, nil
		}
		return settled, err == nil, err
	case TransferFailed:
		settled, err := s.FailTopUp(ctx, t.ID, "provider reported failure")
		if err == ErrAlreadySettled {
			return t, false, nil
		}
		return settled, err == nil, err
	default:
		return t, false, nil
	}
}

// RefreshWithdrawal asks the provider for the payout's current status and
// settles the withdrawal when it reached a terminal state.
func (s *Service) RefreshWithdrawal(ctx context.Context, id string) (*Withdrawal, bool, error) {
	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if w.Status.Terminal() || w.ProviderRef == "" {
		return w, false, nil
	}

	status, err := func() (TransferStatus, error) {
		done := observeCustodialCall("refresh_transfer_status")
		st, err := s.custodial.RefreshTransferStatus(ctx, w.ProviderRef)
		done(err == nil)
		return st, err
	}()
	if err != nil {
		return w, false, err
	}
	return s.applyWithdrawalStatus(ctx, w, status)
}

// applyWithdrawalStatus maps the provider's view onto a local settlement.
// The provider wins; a status with no local effect is a no-op.
func (s *Service) applyWithdrawalStatus(ctx context.Context, w *Withdrawal, status TransferStatus) (*Withdrawal, bool, error) {
	switch status {
	case TransferPosted:
		settled, err := s.ConfirmWithdrawal(ctx, w.ID)
		if err == ErrAlreadySettled {
			return w, false, nil
		}
		return settled, err == nil, err
	case TransferFailed:
		settled, err := s.FailWithdrawal(ctx, w.ID, "provider reported failure")
		if err == ErrAlreadySettled {
			return w, false, nil
		}
		return settled, err == nil, err
	default:
		return w, false, nil
	}
}

func (s *Service) callCustodial(ctx context.Context, op string, fn func(ctx context.Context) (string, error)) (string, error) {
	done := observeCustodialCall(op)
	ref, err := fn(ctx)
	done(err == nil)
	if err != nil {
		return "", fmt.Errorf("custodial %s: %w", op, err)
	}
	return ref, nil
}

// recredit returns a committed debit. A failure here needs an operator:
// the money is gone from the user and the payout will not happen.
func (s *Service) recredit(ctx context.Context, w *Withdrawal, cause string) {
	if err := s.ledger.CreditAvailable(ctx, w.UserID, w.Amount, w.ID); err != nil {
		ManualInterventionTotal.Inc()
		s.logger.Error("MANUAL INTERVENTION REQUIRED: withdrawal re-credit failed",
			"withdrawalId", w.ID, "userId", w.UserID, "amount", w.Amount,
			"cause", cause, "error", err)
		s.audit(w.ID, "withdrawal_recredit", "", "", err)
	}
}

func (s *Service) settled(kind string, status Status) {
	TransfersSettledTotal.WithLabelValues(kind, string(status)).Inc()
}

func (s *Service) publishTopUp(t *TopUp, status Status) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.TopUpSettled{
		TopUpID: t.ID, UserID: t.UserID, Amount: t.Amount, Status: string(status),
	})
}

func (s *Service) publishWithdrawal(w *Withdrawal, status Status) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.WithdrawalSettled{
		WithdrawalID: w.ID, UserID: w.UserID, Amount: w.Amount, Status: string(status),
	})
}

func (s *Service) audit(id, action, before, after string, opErr error) {
	if s.sink == nil {
		return
	}
	entry := &audit.Entry{
		ResourceType: "transfer",
		ResourceID:   id,
		Action:       action,
		Result:       audit.ResultSuccess,
	}
	if before != "" {
		entry.PayloadBefore = audit.Snapshot(map[string]string{"status": before})
	}
	if after != "" {
		entry.PayloadAfter = audit.Snapshot(map[string]string{"status": after})
	}
	if opErr != nil {
		entry.Result = audit.ResultFailure
		entry.Detail = opErr.Error()
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sink.Append(sctx, entry); err != nil {
		s.logger.Warn("audit append failed", "transfer", id, "action", action, "error", err)
	}
}
