package fanout

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
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

func seedServiceAndInstance(t *testing.T, db *gorm.DB, baseURL string, status models.InstanceStatus) (models.Service, models.ServiceInstance) {
	t.Helper()
	svc := models.Service{
		ServiceID:          uuid.New(),
		Name:               "test-service-" + uuid.NewString()[:8],
		BootstrapSecretRef: "ref",
		ActiveKID:          "v1",
		Region:             "eu-central-1",
		TTLSeconds:         300,
	}
	if err := db.Create(&svc).Error; err != nil {
		t.Fatalf("create service: %v", err)
	}
	inst := models.ServiceInstance{
		InstanceID:           uuid.New(),
		ServiceID:            svc.ServiceID,
		BaseURL:              baseURL,
		HealthURL:            baseURL + "/health",
		HeartbeatIntervalSec: 10,
		Status:               status,
		PushKID:              "v1",
	}
	if err := db.Create(&inst).Error; err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return svc, inst
}

func TestBuildSnapshotIncludesInstances(t *testing.T) {
	db := setupTestDB(t)
	seedServiceAndInstance(t, db, "http://10.0.0.1:8080", models.StatusUp)

	snap, err := BuildSnapshot(context.Background(), db)
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	if len(snap.Services) != 1 || len(snap.Services[0].Instances) != 1 {
		t.Fatalf("expected one service with one instance, got %+v", snap)
	}

	body, err := snap.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(body) == 0 {
		t.Fatalf("expected non-empty snapshot body")
	}
}

func TestPushOnlyTargetsUpInstances(t *testing.T) {
	db := setupTestDB(t)

	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("X-Signature") == "" {
			t.Errorf("expected signed push headers")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	seedServiceAndInstance(t, db, server.URL, models.StatusUp)
	seedServiceAndInstance(t, db, "http://unreachable.invalid:1", models.StatusDown)

	p := &Pusher{
		DB: db,
		Lookup: func(serviceID string) (string, []byte, error) {
			return "v1", []byte("some-secret"), nil
		},
		Now: func() time.Time { return time.Unix(1_700_000_000, 0) },
	}

	_, result, err := p.Push(context.Background())
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if result.TotalTargets != 1 {
		t.Fatalf("expected exactly one UP target, got %d", result.TotalTargets)
	}
	if result.OKCount != 1 {
		t.Fatalf("expected 1 ok push, got %d (failures=%+v)", result.OKCount, result.Failures)
	}
	if hits != 1 {
		t.Fatalf("expected exactly one HTTP hit, got %d", hits)
	}
}

func TestPushCapturesPerTargetFailure(t *testing.T) {
	db := setupTestDB(t)
	seedServiceAndInstance(t, db, "http://127.0.0.1:1", models.StatusUp)

	p := &Pusher{
		DB: db,
		Lookup: func(serviceID string) (string, []byte, error) {
			return "v1", []byte("some-secret"), nil
		},
		Now:     func() time.Time { return time.Unix(1_700_000_000, 0) },
		Timeout: 200 * time.Millisecond,
	}

	_, result, err := p.Push(context.Background())
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if result.OKCount != 0 || len(result.Failures) != 1 {
		t.Fatalf("expected one captured failure, got ok=%d failures=%+v", result.OKCount, result.Failures)
	}
	if result.Failures[0].HTTPStatus != 0 {
		t.Fatalf("expected http_status=0 for network error, got %d", result.Failures[0].HTTPStatus)
	}
}
