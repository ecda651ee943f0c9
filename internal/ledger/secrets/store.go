// Package secrets implements the TTL-cached secret store: resolving a
// service's current and previous MAC tokens from an external backend, with
// a grace window during which the previous key remains acceptable after
// rotation.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ledgerd/internal/ledger/signing"
)

// Record is the raw JSON shape returned by the backing secret source.
type Record struct {
	KID       string `json:"kid"`
	Token     string `json:"token"`
	PrevKID   string `json:"prev_kid,omitempty"`
	PrevToken string `json:"prev_token,omitempty"`
}

// Backend resolves the raw secret record for a service's
// bootstrap_secret_ref. The concrete backend (environment variables, a
// filesystem directory, a cloud secrets manager) is an external collaborator
// and out of scope here.
type Backend interface {
	Fetch(ctx context.Context, ref string) (Record, error)
}

// SecretObject is the decoded, cached view of a service's current key
// material, published atomically so readers never see a partially updated
// object.
type SecretObject struct {
	Token           []byte
	KID             string
	PrevToken       []byte
	PrevKID         string
	HasPrevious     bool
	RotatedAt       time.Time
	AcceptPrevUntil time.Time
}

type cacheEntry struct {
	value     atomic.Pointer[SecretObject]
	expiresAt atomic.Int64 // unix seconds; 0 means unset
}

// Store is a process-local, read-mostly cache of SecretObjects keyed by
// bootstrap_secret_ref. There is no cross-process invalidation: correctness
// relies on the cache TTL plus each SecretObject's own AcceptPrevUntil grace
// window, exactly as specified.
type Store struct {
	backend Backend
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// NewStore constructs a Store backed by the given Backend. now defaults to
// time.Now when nil, overridable in tests for deterministic TTL behavior.
func NewStore(backend Backend, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		backend: backend,
		now:     now,
		cache:   make(map[string]*cacheEntry),
	}
}

// Get resolves the SecretObject for ref, refreshing from the backend on a
// cache miss or TTL expiry. ttlSeconds governs both how long this entry is
// cached and, on refresh, the new AcceptPrevUntil grace window for the
// previous key.
func (s *Store) Get(ctx context.Context, ref string, ttlSeconds int) (*SecretObject, error) {
	entry := s.entryFor(ref)

	if cur := entry.value.Load(); cur != nil {
		if s.now().Unix() < entry.expiresAt.Load() {
			return cur, nil
		}
	}

	rec, err := s.backend.Fetch(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch secret %q: %w", ref, err)
	}

	obj, err := s.decode(rec, ttlSeconds)
	if err != nil {
		return nil, err
	}

	entry.value.Store(obj)
	entry.expiresAt.Store(s.now().Add(time.Duration(ttlSeconds) * time.Second).Unix())
	return obj, nil
}

// GetCurrent returns the current (kid, token_bytes) pair for ref.
func (s *Store) GetCurrent(ctx context.Context, ref string, ttlSeconds int) (kid string, tokenBytes []byte, err error) {
	obj, err := s.Get(ctx, ref, ttlSeconds)
	if err != nil {
		return "", nil, err
	}
	return obj.KID, obj.Token, nil
}

// GetPrevious returns the previous (kid, token_bytes) pair for ref, only
// when a previous pair exists.
func (s *Store) GetPrevious(ctx context.Context, ref string, ttlSeconds int) (kid string, tokenBytes []byte, ok bool, err error) {
	obj, err := s.Get(ctx, ref, ttlSeconds)
	if err != nil {
		return "", nil, false, err
	}
	if !obj.HasPrevious {
		return "", nil, false, nil
	}
	return obj.PrevKID, obj.PrevToken, true, nil
}

func (s *Store) entryFor(ref string) *cacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[ref]
	if !ok {
		e = &cacheEntry{}
		s.cache[ref] = e
	}
	return e
}

func (s *Store) decode(rec Record, ttlSeconds int) (*SecretObject, error) {
	token, err := signing.DecodeToken(rec.Token)
	if err != nil {
		return nil, fmt.Errorf("decode current token: %w", err)
	}
	obj := &SecretObject{
		Token:     token,
		KID:       rec.KID,
		RotatedAt: s.now(),
	}
	if rec.PrevKID != "" && rec.PrevToken != "" {
		prevToken, err := signing.DecodeToken(rec.PrevToken)
		if err != nil {
			return nil, fmt.Errorf("decode previous token: %w", err)
		}
		obj.PrevToken = prevToken
		obj.PrevKID = rec.PrevKID
		obj.HasPrevious = true
	}
	obj.AcceptPrevUntil = s.now().Add(time.Duration(ttlSeconds) * time.Second)
	return obj, nil
}

// ParseRecord decodes a raw JSON secret record, exposed for backends that
// retrieve raw bytes (filesystem, env var) rather than structured data.
func ParseRecord(raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("parse secret record: %w", err)
	}
	return rec, nil
}
