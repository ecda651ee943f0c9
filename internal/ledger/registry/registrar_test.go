package registry

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

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestRegisterNewServiceAndInstance(t *testing.T) {
	db := setupTestDB(t)
	clock := time.Unix(1_700_000_000, 0)
	r := &Registrar{DB: db, Now: func() time.Time { return clock }}

	res, err := r.Register(context.Background(), RegisterRequest{
		ServiceName:          "test-service",
		BootstrapSecretRef:   "some-secret-ref",
		BaseURL:              "http://10.0.1.11:8080/",
		NodeID:               strPtr("node-abc"),
		TaskSlot:             intPtr(1),
		BootID:               "boot-123",
		HeartbeatIntervalSec: 10,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res.RegistryVersion != 1 {
		t.Fatalf("expected registry_version=1, got %d", res.RegistryVersion)
	}
	if res.LeaseTTLSec != 30 {
		t.Fatalf("expected lease_ttl_sec=30, got %d", res.LeaseTTLSec)
	}

	var serviceCount, instanceCount int64
	db.Model(&models.Service{}).Count(&serviceCount)
	db.Model(&models.ServiceInstance{}).Count(&instanceCount)
	if serviceCount != 1 || instanceCount != 1 {
		t.Fatalf("expected exactly one service and one instance row, got %d/%d", serviceCount, instanceCount)
	}
}

func TestReRegistrationIdempotentAndBumpsOnChange(t *testing.T) {
	db := setupTestDB(t)
	clock := time.Unix(1_700_000_000, 0)
	r := &Registrar{DB: db, Now: func() time.Time { return clock }}

	first, err := r.Register(context.Background(), RegisterRequest{
		ServiceName:          "test-service",
		BootstrapSecretRef:   "some-secret-ref",
		BaseURL:              "http://old.url/path",
		NodeID:               strPtr("node-abc"),
		TaskSlot:             intPtr(1),
		BootID:               "boot-123",
		HeartbeatIntervalSec: 10,
	})
	if err != nil {
		t.Fatalf("first register: %v", err)
	}

	identical, err := r.Register(context.Background(), RegisterRequest{
		ServiceName:          "test-service",
		BootstrapSecretRef:   "some-secret-ref",
		BaseURL:              "http://old.url/path",
		NodeID:               strPtr("node-abc"),
		TaskSlot:             intPtr(1),
		BootID:               "boot-123",
		HeartbeatIntervalSec: 10,
	})
	if err != nil {
		t.Fatalf("identical register: %v", err)
	}
	if identical.ServiceID != first.ServiceID || identical.InstanceID != first.InstanceID {
		t.Fatalf("expected identical registration to reuse service/instance ids")
	}
	if identical.RegistryVersion != first.RegistryVersion {
		t.Fatalf("expected no version bump on unchanged re-registration: first=%d identical=%d",
			first.RegistryVersion, identical.RegistryVersion)
	}

	changed, err := r.Register(context.Background(), RegisterRequest{
		ServiceName:          "test-service",
		BootstrapSecretRef:   "some-secret-ref",
		BaseURL:              "http://10.0.1.11:8080/",
		NodeID:               strPtr("node-abc"),
		TaskSlot:             intPtr(1),
		BootID:               "boot-123",
		HeartbeatIntervalSec: 10,
	})
	if err != nil {
		t.Fatalf("changed register: %v", err)
	}
	if changed.InstanceID != first.InstanceID {
		t.Fatalf("expected same instance id across base_url change")
	}
	if changed.RegistryVersion != first.RegistryVersion+1 {
		t.Fatalf("expected version bump to %d, got %d", first.RegistryVersion+1, changed.RegistryVersion)
	}

	var inst models.ServiceInstance
	if err := db.First(&inst, "instance_id = ?", changed.InstanceID).Error; err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if inst.BaseURL != "http://10.0.1.11:8080/" {
		t.Fatalf("expected base_url updated, got %s", inst.BaseURL)
	}
}

func TestRegisterWithoutNodeTaskAlwaysCreatesNewInstance(t *testing.T) {
	db := setupTestDB(t)
	r := &Registrar{DB: db, Now: time.Now}

	req := RegisterRequest{
		ServiceName:          "no-dedup-service",
		BootstrapSecretRef:   "ref",
		BaseURL:              "http://a/",
		HeartbeatIntervalSec: 10,
	}
	first, err := r.Register(context.Background(), req)
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	second, err := r.Register(context.Background(), req)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if first.InstanceID == second.InstanceID {
		t.Fatalf("expected distinct instances when node_id/task_slot are unset")
	}
}

func TestDeregisterMarksDownAndBumps(t *testing.T) {
	db := setupTestDB(t)
	r := &Registrar{DB: db, Now: time.Now}

	reg, err := r.Register(context.Background(), RegisterRequest{
		ServiceName:          "svc",
		BootstrapSecretRef:   "ref",
		BaseURL:              "http://a/",
		HeartbeatIntervalSec: 10,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	version, err := r.Deregister(context.Background(), reg.InstanceID)
	if err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if version != reg.RegistryVersion+1 {
		t.Fatalf("expected version bump on deregister")
	}

	var inst models.ServiceInstance
	db.First(&inst, "instance_id = ?", reg.InstanceID)
	if inst.Status != models.StatusDown {
		t.Fatalf("expected instance marked DOWN, got %s", inst.Status)
	}
}

func TestHeartbeatResetsConsecutiveMiss(t *testing.T) {
	db := setupTestDB(t)
	r := &Registrar{DB: db, Now: time.Now}

	reg, err := r.Register(context.Background(), RegisterRequest{
		ServiceName:          "svc",
		BootstrapSecretRef:   "ref",
		BaseURL:              "http://a/",
		HeartbeatIntervalSec: 10,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	db.Model(&models.ServiceInstance{}).Where("instance_id = ?", reg.InstanceID).Update("consecutive_miss", 3)

	if err := r.Heartbeat(context.Background(), reg.InstanceID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	var inst models.ServiceInstance
	db.First(&inst, "instance_id = ?", reg.InstanceID)
	if inst.ConsecutiveMiss != 0 {
		t.Fatalf("expected consecutive_miss reset to 0, got %d", inst.ConsecutiveMiss)
	}
	if inst.LastHeartbeatAt == nil {
		t.Fatalf("expected last_heartbeat_at to be set")
	}
}

func TestSweepLivenessMarksOverdueInstancesDown(t *testing.T) {
	db := setupTestDB(t)
	clock := time.Unix(1_700_000_000, 0)
	r := &Registrar{DB: db, Now: func() time.Time { return clock }}

	reg, err := r.Register(context.Background(), RegisterRequest{
		ServiceName:          "svc",
		BootstrapSecretRef:   "ref",
		BaseURL:              "http://a/",
		HeartbeatIntervalSec: 10,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Heartbeat(context.Background(), reg.InstanceID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	clock = clock.Add(1 * time.Hour)
	if err := r.SweepLiveness(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	var inst models.ServiceInstance
	db.First(&inst, "instance_id = ?", reg.InstanceID)
	if inst.Status != models.StatusDown {
		t.Fatalf("expected instance swept to DOWN, got %s", inst.Status)
	}
}
