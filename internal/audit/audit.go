// Package audit provides an append-only trail of every mutating attempt
// against the funds core, successful or not. Entries are forensic: they
// are written fire-and-forget after the fact and never participate in
// the transaction they describe.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Result classifies the outcome of the audited attempt.
const (
	ResultSuccess = "SUCCESS"
	ResultFailure = "FAILURE"
)

// Entry is a single audit record.
type Entry struct {
	ID            int64     `json:"id"`
	ResourceType  string    `json:"resourceType"` // balance, order, escrow, dispute, topup, withdrawal
	ResourceID    string    `json:"resourceId"`
	Action        string    `json:"action"`
	ActorID       string    `json:"actorId,omitempty"`
	RequestID     string    `json:"requestId,omitempty"`
	PayloadBefore string    `json:"payloadBefore,omitempty"` // JSON snapshot
	PayloadAfter  string    `json:"payloadAfter,omitempty"`  // JSON snapshot
	Result        string    `json:"result"`
	Detail        string    `json:"detail,omitempty"` // error text on FAILURE
	CreatedAt     time.Time `json:"createdAt"`
}

// Sink persists audit entries.
type Sink interface {
	Append(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, resourceType, resourceID string, limit int) ([]*Entry, error)
}

// Snapshot marshals v into a compact JSON string for the payload fields.
func Snapshot(v interface{}) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// MemorySink stores entries in memory for tests and db-less mode.
type MemorySink struct {
	mu      sync.RWMutex
	entries []*Entry
	nextID  int64
}

// NewMemorySink creates an in-memory audit sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	cp := *entry
	cp.ID = s.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MemorySink) Query(_ context.Context, resourceType, resourceID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var out []*Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if resourceType != "" && e.ResourceType != resourceType {
			continue
		}
		if resourceID != "" && e.ResourceID != resourceID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// Entries returns all stored entries (for testing).
func (s *MemorySink) Entries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	return out
}
