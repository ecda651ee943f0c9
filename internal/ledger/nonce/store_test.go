package nonce

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"ledgerd/internal/ledger/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestBootstrapNonceReplay(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, nil, 0)

	outcome, err := store.RecordBootstrapNonce(context.Background(), "user-svc", "abcdabcdabcdabcdabcdabcdabcdabcd")
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	if outcome != Inserted {
		t.Fatalf("expected Inserted, got %v", outcome)
	}

	outcome, err = store.RecordBootstrapNonce(context.Background(), "user-svc", "abcdabcdabcdabcdabcdabcdabcdabcd")
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if outcome != Duplicate {
		t.Fatalf("expected Duplicate on replay, got %v", outcome)
	}
}

func TestInstanceNonceReplayIsolatedPerInstance(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, nil, 0)

	a := uuid.New()
	b := uuid.New()

	if _, err := store.RecordInstanceNonce(context.Background(), a, "n1"); err != nil {
		t.Fatalf("record for a: %v", err)
	}
	outcome, err := store.RecordInstanceNonce(context.Background(), b, "n1")
	if err != nil {
		t.Fatalf("record for b: %v", err)
	}
	if outcome != Inserted {
		t.Fatalf("expected same nonce value to be independent across instances, got %v", outcome)
	}

	outcome, err = store.RecordInstanceNonce(context.Background(), a, "n1")
	if err != nil {
		t.Fatalf("replay for a: %v", err)
	}
	if outcome != Duplicate {
		t.Fatalf("expected Duplicate replay for a, got %v", outcome)
	}
}

func TestLRUFastPathAvoidsDatabaseRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, nil, 128)
	instance := uuid.New()

	if _, err := store.RecordInstanceNonce(context.Background(), instance, "n1"); err != nil {
		t.Fatalf("first record: %v", err)
	}
	// Drop the persisted row so only the in-process LRU can still report the replay.
	db.Where("instance_id = ?", instance).Delete(&models.InstanceNonce{})
	outcome, err := store.RecordInstanceNonce(context.Background(), instance, "n1")
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if outcome != Duplicate {
		t.Fatalf("expected LRU fast-path to report duplicate, got %v", outcome)
	}
}

func TestGCDeletesOldNonces(t *testing.T) {
	db := setupTestDB(t)
	clock := time.Unix(1_700_000_000, 0)
	store := NewStore(db, func() time.Time { return clock }, 0)

	if _, err := store.RecordBootstrapNonce(context.Background(), "svc", "old-nonce"); err != nil {
		t.Fatalf("record: %v", err)
	}
	clock = clock.Add(time.Hour)

	if err := store.GC(context.Background(), clock.Add(-time.Minute)); err != nil {
		t.Fatalf("gc: %v", err)
	}

	var count int64
	db.Model(&models.BootstrapNonce{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected nonce to be pruned, found %d rows", count)
	}
}
