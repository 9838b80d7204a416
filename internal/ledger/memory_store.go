package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/payrail/payrail/internal/idgen"
	"github.com/payrail/payrail/internal/money"
)

// MemoryStore implements Store for tests and db-less mode. A single
// mutex stands in for serializable isolation.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*account
	journal  []*JournalEntry
}

type account struct {
	available *big.Int
	reserved  *big.Int
	updatedAt time.Time
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*account)}
}

func (m *MemoryStore) acct(userID string) *account {
	a, ok := m.accounts[userID]
	if !ok {
		a = &account{available: big.NewInt(0), reserved: big.NewInt(0), updatedAt: time.Now()}
		m.accounts[userID] = a
	}
	return a
}

func (m *MemoryStore) changeFor(userID string, prevAvail, prevRes *big.Int) *Change {
	a := m.accounts[userID]
	return &Change{
		UserID:        userID,
		PrevAvailable: money.Format(prevAvail),
		NewAvailable:  money.Format(a.available),
		PrevReserved:  money.Format(prevRes),
		NewReserved:   money.Format(a.reserved),
		UpdatedAt:     a.updatedAt,
	}
}

func (m *MemoryStore) record(userID, typ, amount, reference, description string) {
	m.journal = append(m.journal, &JournalEntry{
		ID:          idgen.WithPrefix("jrn_"),
		UserID:      userID,
		Type:        typ,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}

func (m *MemoryStore) GetBalance(_ context.Context, userID string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[userID]
	if !ok {
		return &Balance{
			UserID:    userID,
			Available: "0.00",
			Reserved:  "0.00",
			Currency:  DefaultCurrency,
			UpdatedAt: time.Now(),
		}, nil
	}
	return &Balance{
		UserID:    userID,
		Available: money.Format(a.available),
		Reserved:  money.Format(a.reserved),
		Currency:  DefaultCurrency,
		UpdatedAt: a.updatedAt,
	}, nil
}

func (m *MemoryStore) CreditAvailable(_ context.Context, userID, amount, reference, description string) (*Change, error) {
	amt, err := money.Parse(amount)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.acct(userID)
	prevAvail := new(big.Int).Set(a.available)
	prevRes := new(big.Int).Set(a.reserved)
	a.available.Add(a.available, amt)
	a.updatedAt = time.Now()
	m.record(userID, "credit", amount, reference, description)
	return m.changeFor(userID, prevAvail, prevRes), nil
}

func (m *MemoryStore) DebitAvailable(_ context.Context, userID, amount, reference, description string) (*Change, error) {
	amt, err := money.Parse(amount)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.acct(userID)
	if a.available.Cmp(amt) < 0 {
		return nil, ErrInsufficientFunds
	}
	prevAvail := new(big.Int).Set(a.available)
	prevRes := new(big.Int).Set(a.reserved)
	a.available.Sub(a.available, amt)
	a.updatedAt = time.Now()
	m.record(userID, "debit", amount, reference, description)
	return m.changeFor(userID, prevAvail, prevRes), nil
}

func (m *MemoryStore) Reserve(_ context.Context, userID, amount, orderID string) (*Change, error) {
	amt, err := money.Parse(amount)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.acct(userID)
	if a.available.Cmp(amt) < 0 {
		return nil, ErrInsufficientFunds
	}
	prevAvail := new(big.Int).Set(a.available)
	prevRes := new(big.Int).Set(a.reserved)
	a.available.Sub(a.available, amt)
	a.reserved.Add(a.reserved, amt)
	a.updatedAt = time.Now()
	m.record(userID, "reserve", amount, orderID, "funds reserved for order")
	return m.changeFor(userID, prevAvail, prevRes), nil
}

func (m *MemoryStore) CancelReservation(_ context.Context, userID, amount, orderID string) (*Change, error) {
	amt, err := money.Parse(amount)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.acct(userID)
	if a.reserved.Cmp(amt) < 0 {
		return nil, ErrInsufficientReservedFunds
	}
	prevAvail := new(big.Int).Set(a.available)
	prevRes := new(big.Int).Set(a.reserved)
	a.reserved.Sub(a.reserved, amt)
	a.available.Add(a.available, amt)
	a.updatedAt = time.Now()
	m.record(userID, "cancel_reservation", amount, orderID, "reservation cancelled")
	return m.changeFor(userID, prevAvail, prevRes), nil
}

func (m *MemoryStore) DeductReserved(_ context.Context, userID, amount, orderID string) (*Change, error) {
	amt, err := money.Parse(amount)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.acct(userID)
	if a.reserved.Cmp(amt) < 0 {
		return nil, ErrInsufficientReservedFunds
	}
	prevAvail := new(big.Int).Set(a.available)
	prevRes := new(big.Int).Set(a.reserved)
	a.reserved.Sub(a.reserved, amt)
	a.updatedAt = time.Now()
	m.record(userID, "deduct_reserved", amount, orderID, "reserved funds moved to escrow")
	return m.changeFor(userID, prevAvail, prevRes), nil
}

func (m *MemoryStore) Release(_ context.Context, buyerID, sellerID, amount, orderID string) (*ReleaseChange, error) {
	amt, err := money.Parse(amount)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	buyer := m.acct(buyerID)
	if buyer.reserved.Cmp(amt) < 0 {
		return nil, ErrInsufficientReservedFunds
	}

	buyerPrevAvail := new(big.Int).Set(buyer.available)
	buyerPrevRes := new(big.Int).Set(buyer.reserved)
	buyer.reserved.Sub(buyer.reserved, amt)
	buyer.updatedAt = time.Now()

	seller := m.acct(sellerID)
	sellerPrevAvail := new(big.Int).Set(seller.available)
	sellerPrevRes := new(big.Int).Set(seller.reserved)
	seller.available.Add(seller.available, amt)
	seller.updatedAt = time.Now()

	m.record(buyerID, "release_out", amount, orderID, "reserved funds released to seller")
	m.record(sellerID, "release_in", amount, orderID, "payment received from escrow release")

	return &ReleaseChange{
		Buyer:  m.changeFor(buyerID, buyerPrevAvail, buyerPrevRes),
		Seller: m.changeFor(sellerID, sellerPrevAvail, sellerPrevRes),
	}, nil
}

func (m *MemoryStore) SumBalances(_ context.Context) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	avail := big.NewInt(0)
	res := big.NewInt(0)
	for _, a := range m.accounts {
		avail.Add(avail, a.available)
		res.Add(res, a.reserved)
	}
	return money.Format(avail), money.Format(res), nil
}

func (m *MemoryStore) History(_ context.Context, userID string, limit int) ([]*JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*JournalEntry
	for i := len(m.journal) - 1; i >= 0 && len(out) < limit; i-- {
		if m.journal[i].UserID == userID {
			cp := *m.journal[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
