// Package idempotency gives mutating endpoints exactly-once semantics over
// retried requests. A record is keyed by (key, scope); the first request
// locks the pair, finishes the real work, and stores the response for
// replay. Retries with the same key and payload get the stored response;
// retries with a different payload are rejected outright.
//
// Storage is two-tiered: a fast in-process TTL cache for low-latency
// replay, backed by a durable store for crash recovery and the long replay
// window. The cache is populated lazily on miss.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"
)

var (
	// ErrKeyReused means the key was seen before with a different payload.
	ErrKeyReused = errors.New("idempotency key reused with a different request")
	// ErrInProgress means another request holds the lock for this key.
	ErrInProgress = errors.New("request with this idempotency key is in progress")
)

// Record statuses.
const (
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

const (
	// lockTTL bounds how long a PROCESSING record blocks retries. A crashed
	// handler leaves its lock to expire rather than wedging the key.
	lockTTL = 30 * time.Second
	// replayTTL is the window during which a completed response replays.
	replayTTL = 24 * time.Hour

	checkTimeout = 5 * time.Second
)

// Record is one (key, scope) entry.
type Record struct {
	Key          string    `json:"key"`
	Scope        string    `json:"scope"`
	RequestHash  string    `json:"requestHash"`
	Status       string    `json:"status"`
	ResponseCode int       `json:"responseCode,omitempty"`
	ResponseBody string    `json:"responseBody,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Expired reports whether the record's TTL has passed.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store is the durable tier. TryLock is atomic: exactly one concurrent
// caller may acquire a given live (key, scope). FAILED and expired records
// are reclaimable, so acquiring over them starts a fresh attempt.
type Store interface {
	// TryLock inserts a PROCESSING record if no live record exists. Returns
	// (nil, true) on acquisition or (existing, false) when a live record
	// blocks it.
	TryLock(ctx context.Context, rec *Record) (*Record, bool, error)
	// Finish moves the record to a terminal status with the stored response.
	Finish(ctx context.Context, key, scope, status string, code int, body string, expiresAt time.Time) error
	Get(ctx context.Context, key, scope string) (*Record, error)
}

// Result is the outcome of CheckOrLock when no error occurred.
type Result struct {
	// Replay is true when a stored response should be returned as-is.
	Replay bool
	// Record carries the stored response when Replay is true.
	Record *Record
}

// Guard is the request-level exactly-once wrapper.
type Guard struct {
	store  Store
	cache  *ttlCache
	logger *slog.Logger
}

// New creates a guard over the given durable store.
func New(store Store, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, cache: newTTLCache(), logger: logger}
}

// Hash returns the canonical request hash over a normalized payload.
func Hash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CheckOrLock decides the fate of one request. It returns a Replay result
// when a completed record matches, ErrKeyReused on a payload mismatch,
// ErrInProgress when the key is locked, or a non-replay result meaning the
// caller now holds the lock and must run the real operation, then call
// Complete or ReleaseLock.
func (g *Guard) CheckOrLock(ctx context.Context, key, scope string, payload []byte) (*Result, error) {
	hash := Hash(payload)
	now := time.Now()

	if rec := g.cache.get(key, scope, now); rec != nil {
		if res, err, decided := decide(rec, hash); decided {
			observeCheck(res, err)
			return res, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	existing, acquired, err := g.store.TryLock(ctx, &Record{
		Key:         key,
		Scope:       scope,
		RequestHash: hash,
		Status:      StatusProcessing,
		CreatedAt:   now,
		ExpiresAt:   now.Add(lockTTL),
	})
	if err != nil {
		observeCheck(nil, err)
		return nil, err
	}
	if acquired {
		observeCheck(&Result{}, nil)
		return &Result{}, nil
	}

	res, derr, decided := decide(existing, hash)
	if !decided {
		// Live PROCESSING record raced past the cache.
		observeCheck(nil, ErrInProgress)
		return nil, ErrInProgress
	}
	if derr == nil && res.Replay {
		g.cache.set(existing)
	}
	observeCheck(res, derr)
	return res, derr
}

// decide maps a live record to an outcome. Undecided means the record is
// PROCESSING and the lock question belongs to the store.
func decide(rec *Record, hash string) (*Result, error, bool) {
	switch rec.Status {
	case StatusCompleted:
		if rec.RequestHash != hash {
			return nil, ErrKeyReused, true
		}
		return &Result{Replay: true, Record: rec}, nil, true
	case StatusProcessing:
		return nil, nil, false
	default:
		// FAILED records are reclaimable; the store handles them in TryLock.
		return nil, nil, false
	}
}

// Complete stores the final response and opens the replay window. The
// fast cache picks the record up lazily on the first replay miss.
func (g *Guard) Complete(ctx context.Context, key, scope string, code int, body []byte) error {
	g.cache.delete(key, scope)
	expires := time.Now().Add(replayTTL)
	return g.store.Finish(ctx, key, scope, StatusCompleted, code, string(body), expires)
}

// ReleaseLock marks the attempt FAILED so the same key may be retried as a
// fresh request. Used when the handler returned a server error.
func (g *Guard) ReleaseLock(ctx context.Context, key, scope string) error {
	g.cache.delete(key, scope)
	return g.store.Finish(ctx, key, scope, StatusFailed, 0, "", time.Now())
}
