package transfers

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu          sync.RWMutex
	topups      map[string]*TopUp
	withdrawals map[string]*Withdrawal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		topups:      make(map[string]*TopUp),
		withdrawals: make(map[string]*Withdrawal),
	}
}

func copyTopUp(t *TopUp) *TopUp {
	c := *t
	return &c
}

func copyWithdrawal(w *Withdrawal) *Withdrawal {
	c := *w
	return &c
}

func (m *MemoryStore) CreateTopUp(_ context.Context, t *TopUp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topups[t.ID] = copyTopUp(t)
	return nil
}

func (m *MemoryStore) GetTopUp(_ context.Context, id string) (*TopUp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topups[id]
	if !ok {
		return nil, ErrTopUpNotFound
	}
	return copyTopUp(t), nil
}

func (m *MemoryStore) GetTopUpByRef(_ context.Context, providerRef string) (*TopUp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.topups {
		if t.ProviderRef == providerRef && providerRef != "" {
			return copyTopUp(t), nil
		}
	}
	return nil, ErrTopUpNotFound
}

func (m *MemoryStore) SettleTopUp(_ context.Context, id string, from, to Status, failReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topups[id]
	if !ok {
		return ErrTopUpNotFound
	}
	if t.Status != from {
		return ErrConflict
	}
	now := time.Now()
	t.Status = to
	t.FailReason = failReason
	t.SettledAt = now
	t.UpdatedAt = now
	return nil
}

func (m *MemoryStore) PendingTopUps(_ context.Context, olderThan time.Time, limit int) ([]*TopUp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*TopUp
	for _, t := range m.topups {
		if t.Status == StatusPending && t.CreatedAt.Before(olderThan) {
			out = append(out, copyTopUp(t))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateWithdrawal(_ context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdrawals[w.ID] = copyWithdrawal(w)
	return nil
}

func (m *MemoryStore) GetWithdrawal(_ context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return copyWithdrawal(w), nil
}

func (m *MemoryStore) GetWithdrawalByRef(_ context.Context, providerRef string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.withdrawals {
		if w.ProviderRef == providerRef && providerRef != "" {
			return copyWithdrawal(w), nil
		}
	}
	return nil, ErrWithdrawalNotFound
}

func (m *MemoryStore) UpdateWithdrawal(_ context.Context, id string, from, to Status, providerRef, failReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return ErrWithdrawalNotFound
	}
	if w.Status != from {
		return ErrConflict
	}
	now := time.Now()
	w.Status = to
	if providerRef != "" {
		w.ProviderRef = providerRef
	}
	if failReason != "" {
		w.FailReason = failReason
	}
	if to.Terminal() {
		w.SettledAt = now
	}
	w.UpdatedAt = now
	return nil
}

func (m *MemoryStore) PendingWithdrawals(_ context.Context, olderThan time.Time, limit int) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Withdrawal
	for _, w := range m.withdrawals {
		if (w.Status == StatusPending || w.Status == StatusProcessing) && w.CreatedAt.Before(olderThan) {
			out = append(out, copyWithdrawal(w))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
