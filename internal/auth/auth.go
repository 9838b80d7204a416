// Package auth issues and validates the API keys that gate mutating
// endpoints. Balance and order reads stay public; anything that moves
// funds must present a key, and the key's owner also scopes
// idempotency records.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrNotOwner      = errors.New("not authorized for this resource")
	ErrKeyNotFound   = errors.New("API key not found")
)

// Raw keys look like sk_<64 hex chars>; only the SHA-256 of the raw
// key is ever stored.
const (
	secretPrefix = "sk_"
	idPrefix     = "ak_"
)

// APIKey is the stored metadata for one issued key. The raw secret is
// returned exactly once, at issue time.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	UserID    string     `json:"userId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

func (k *APIKey) expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Store persists API key metadata.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByUser(ctx context.Context, userID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager issues, validates and revokes API keys against a Store.
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey mints a key for userID. The first return value is the
// raw secret; it is not recoverable afterwards.
func (m *Manager) GenerateKey(ctx context.Context, userID, name string) (string, *APIKey, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", nil, err
	}
	raw := secretPrefix + hex.EncodeToString(b[:])

	key := &APIKey{
		ID:        idPrefix + hex.EncodeToString(b[:8]),
		Hash:      hashKey(raw),
		UserID:    userID,
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// ValidateKey checks a presented credential, with or without the
// "Bearer " prefix, and returns its metadata. Revoked and expired keys
// fail identically to unknown ones.
func (m *Manager) ValidateKey(ctx context.Context, presented string) (*APIKey, error) {
	if presented == "" {
		return nil, ErrNoAPIKey
	}
	raw := strings.TrimSpace(strings.TrimPrefix(presented, "Bearer "))
	if !strings.HasPrefix(raw, secretPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(raw))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked || key.expired(time.Now()) {
		return nil, ErrInvalidAPIKey
	}

	m.touch(key)
	return key, nil
}

// touch records key usage off the request path. Losing an update is
// acceptable; last_used is advisory.
func (m *Manager) touch(key *APIKey) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		key.LastUsed = time.Now()
		_ = m.store.Update(ctx, key)
	}()
}

// ListKeys returns every key issued to userID, including revoked ones.
func (m *Manager) ListKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return m.store.GetByUser(ctx, userID)
}

// RevokeKey revokes keyID. The lookup goes through the owner's keys so
// one user cannot revoke another's.
func (m *Manager) RevokeKey(ctx context.Context, keyID, userID string) error {
	keys, err := m.store.GetByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// MemoryStore keeps keys in maps, indexed by both ID and hash. Used in
// tests and when the server runs without Postgres.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*APIKey
	byHash map[string]string // hash -> key ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*APIKey),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[key.ID] = key
	s.byHash[key.Hash] = key.ID
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return s.byID[id], nil
}

func (s *MemoryStore) GetByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*APIKey
	for _, k := range s.byID {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[key.ID] = key
	s.byHash[key.Hash] = key.ID
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.byID[id]; ok {
		delete(s.byHash, k.Hash)
		delete(s.byID, id)
	}
	return nil
}
