// Package nonce implements the anti-replay nonce store: two independent
// namespaces (bootstrap, keyed by service name; instance, keyed by instance
// id), backed by a persistent uniqueness constraint so replay detection is
// correct across multiple concurrent ledger writers.
package nonce

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"ledgerd/internal/ledger/models"
)

// Outcome reports whether a nonce insertion succeeded or found a duplicate.
type Outcome int

const (
	Inserted Outcome = iota
	Duplicate
)

// Store enforces nonce uniqueness through the database's unique constraint,
// fronted by a small in-process LRU so a hot, recently-seen nonce doesn't
// round-trip to the database on every check.
type Store struct {
	db  *gorm.DB
	now func() time.Time

	mu           sync.Mutex
	bootstrapLRU *lru
	instanceLRU  *lru
}

// NewStore constructs a Store. lruCapacity bounds the in-process fast-path
// cache per namespace; 0 disables the fast path (every check hits the
// database).
func NewStore(db *gorm.DB, now func() time.Time, lruCapacity int) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		db:           db,
		now:          now,
		bootstrapLRU: newLRU(lruCapacity),
		instanceLRU:  newLRU(lruCapacity),
	}
}

// RecordBootstrapNonce records a nonce in the bootstrap namespace, keyed by
// service name. A Duplicate result is itself the replay signal.
func (s *Store) RecordBootstrapNonce(ctx context.Context, serviceName, nonceValue string) (Outcome, error) {
	key := serviceName + "|" + nonceValue
	if s.bootstrapLRU.seen(key, s.now()) {
		return Duplicate, nil
	}
	rec := models.BootstrapNonce{ServiceName: serviceName, Nonce: nonceValue, CreatedAt: s.now()}
	err := s.db.WithContext(ctx).Create(&rec).Error
	if err == nil {
		s.bootstrapLRU.add(key, s.now())
		return Inserted, nil
	}
	if isUniqueViolation(err) {
		s.bootstrapLRU.add(key, s.now())
		return Duplicate, nil
	}
	return Duplicate, fmt.Errorf("record bootstrap nonce: %w", err)
}

// RecordInstanceNonce records a nonce in the instance namespace, keyed by
// instance id.
func (s *Store) RecordInstanceNonce(ctx context.Context, instanceID uuid.UUID, nonceValue string) (Outcome, error) {
	key := instanceID.String() + "|" + nonceValue
	if s.instanceLRU.seen(key, s.now()) {
		return Duplicate, nil
	}
	rec := models.InstanceNonce{InstanceID: instanceID, Nonce: nonceValue, CreatedAt: s.now()}
	err := s.db.WithContext(ctx).Create(&rec).Error
	if err == nil {
		s.instanceLRU.add(key, s.now())
		return Inserted, nil
	}
	if isUniqueViolation(err) {
		s.instanceLRU.add(key, s.now())
		return Duplicate, nil
	}
	return Duplicate, fmt.Errorf("record instance nonce: %w", err)
}

// GC deletes nonce rows older than olderThan. It is housekeeping only: the
// verification algorithm's correctness never depends on GC running.
func (s *Store) GC(ctx context.Context, olderThan time.Time) error {
	if err := s.db.WithContext(ctx).Where("created_at < ?", olderThan).Delete(&models.BootstrapNonce{}).Error; err != nil {
		return fmt.Errorf("gc bootstrap nonces: %w", err)
	}
	if err := s.db.WithContext(ctx).Where("created_at < ?", olderThan).Delete(&models.InstanceNonce{}).Error; err != nil {
		return fmt.Errorf("gc instance nonces: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// lru is a fixed-capacity, TTL-aware cache of recently seen composite keys,
// adapted from the in-memory nonce cache used for the microservice HMAC
// gateway flow: a doubly linked list ordered by recency plus a map for O(1)
// lookup, with capacity 0 meaning "no cache, always consult the source of
// truth".
type lru struct {
	capacity int
	ttl      time.Duration

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type lruEntry struct {
	key       string
	expiresAt time.Time
}

func newLRU(capacity int) *lru {
	return &lru{
		capacity: capacity,
		ttl:      5 * time.Minute,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *lru) seen(key string, now time.Time) bool {
	if c.capacity <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return false
	}
	entry := el.Value.(*lruEntry)
	if now.After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return false
	}
	return true
}

func (c *lru) add(key string, now time.Time) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*lruEntry).expiresAt = now.Add(c.ttl)
		return
	}
	el := c.order.PushFront(&lruEntry{key: key, expiresAt: now.Add(c.ttl)})
	c.entries[key] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
	}
}
