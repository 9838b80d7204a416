package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) TryLock(_ context.Context, rec *Record) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := cacheKey(rec.Key, rec.Scope)
	now := time.Now()
	if existing, ok := m.records[k]; ok {
		reclaimable := existing.Status == StatusFailed || existing.Expired(now)
		if !reclaimable {
			cp := *existing
			return &cp, false, nil
		}
	}

	cp := *rec
	m.records[k] = &cp
	return nil, true, nil
}

func (m *MemoryStore) Finish(_ context.Context, key, scope, status string, code int, body string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[cacheKey(key, scope)]
	if !ok {
		return nil
	}
	rec.Status = status
	rec.ResponseCode = code
	rec.ResponseBody = body
	rec.ExpiresAt = expiresAt
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key, scope string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[cacheKey(key, scope)]
	if !ok || rec.Expired(time.Now()) {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}
