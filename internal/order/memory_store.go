package order

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	orders  map[string]*Order
	escrows map[string]*Escrow // keyed by order ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:  make(map[string]*Order),
		escrows: make(map[string]*Escrow),
	}
}

func copyOrder(o *Order) *Order {
	cp := *o
	cp.Milestones = make([]*Milestone, len(o.Milestones))
	for i, ms := range o.Milestones {
		m := *ms
		cp.Milestones[i] = &m
	}
	if o.Escrow != nil {
		e := *o.Escrow
		cp.Escrow = &e
	}
	return &cp
}

func (m *MemoryStore) CreateOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := copyOrder(o)
	if e, ok := m.escrows[id]; ok {
		ecp := *e
		cp.Escrow = &ecp
	}
	return cp, nil
}

func (m *MemoryStore) UpdateOrderStatus(_ context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != from {
		return ErrConflict
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Order
	for _, o := range m.orders {
		if o.BuyerID == userID || o.SellerID == userID {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateEscrow(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[e.OrderID]; ok {
		return ErrEscrowExists
	}
	cp := *e
	m.escrows[e.OrderID] = &cp
	return nil
}

func (m *MemoryStore) UpdateEscrowStatus(_ context.Context, orderID string, from, to EscrowStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[orderID]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.Status != from {
		return ErrConflict
	}
	e.Status = to
	e.UpdatedAt = at
	switch to {
	case EscrowFunded:
		e.FundedAt = &at
	case EscrowReleased:
		e.ReleasedAt = &at
	case EscrowRefunded:
		e.RefundedAt = &at
	}
	return nil
}

func (m *MemoryStore) StaleEscrows(_ context.Context, statuses []EscrowStatus, cutoff time.Time, limit int) ([]*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[EscrowStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*Escrow
	for _, e := range m.escrows {
		if want[e.Status] && e.UpdatedAt.Before(cutoff) {
			cp := *e
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) OrphanedCreatingOrders(_ context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Order
	for _, o := range m.orders {
		if o.Status != StatusEscrowCreating || !o.UpdatedAt.Before(cutoff) {
			continue
		}
		if _, ok := m.escrows[o.ID]; ok {
			continue
		}
		out = append(out, copyOrder(o))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) CompleteMilestone(_ context.Context, orderID, ref string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	for _, ms := range o.Milestones {
		if ms.Ref == ref {
			if ms.Completed {
				return ErrMilestoneCompleted
			}
			ms.Completed = true
			ms.CompletedAt = &at
			return nil
		}
	}
	return ErrMilestoneNotFound
}
