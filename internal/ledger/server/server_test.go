package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"ledgerd/internal/ledger/models"
	"ledgerd/internal/ledger/nonce"
	"ledgerd/internal/ledger/registry"
	"ledgerd/internal/ledger/secrets"
	"ledgerd/internal/ledger/signing"
	"ledgerd/internal/ledger/verify"
)

const testBootstrapToken = "bootstrap-token-for-tests"
const testPushToken = "push-token-for-tests"
const testSecretEnvPrefix = "LEDGER_TEST_SECRET_"

func setSecretEnv(t *testing.T, ref, kid, token string) {
	t.Helper()
	key := testSecretEnvPrefix + sanitizeEnvKeyForTest(ref)
	rec, err := json.Marshal(secrets.Record{KID: kid, Token: token})
	if err != nil {
		t.Fatalf("marshal secret record: %v", err)
	}
	t.Setenv(key, string(rec))
}

func sanitizeEnvKeyForTest(ref string) string {
	out := make([]byte, len(ref))
	for i := 0; i < len(ref); i++ {
		c := ref[i]
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = c - 'a' + 'A'
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

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

func newTestServer(t *testing.T, clock *time.Time) *Server {
	t.Helper()
	db := setupTestDB(t)
	now := func() time.Time { return *clock }

	secretBackend, err := secrets.NewBackend(secrets.Config{Kind: secrets.BackendEnv, EnvPrefix: "LEDGER_TEST_SECRET_"})
	if err != nil {
		t.Fatalf("new secret backend: %v", err)
	}
	secretStore := secrets.NewStore(secretBackend, now)
	nonceStore := nonce.NewStore(db, now, 128)

	bootstrap := &verify.BootstrapVerifier{Nonces: nonceStore, Now: now, TSWindow: 60 * time.Second}
	instance := &verify.InstanceVerifier{Nonces: nonceStore, Secrets: secretStore, Now: now, TSWindow: 300 * time.Second}
	registrar := &registry.Registrar{DB: db, Now: now}

	return New(Config{
		DB:        db,
		Bootstrap: bootstrap,
		Instance:  instance,
		Registrar: registrar,
		Secrets:   secretStore,
		Nonces:    nonceStore,
		Now:       now,
		Debug:     true,
	})
}

func signBootstrapRequest(t *testing.T, serviceName string, ts int64, body []byte) http.Header {
	t.Helper()
	n := uuid.NewString()
	tokenBytes, err := signing.DecodeToken(testBootstrapToken)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	msg := signing.BootstrapCanonicalString(ts, n, body)
	sig := signing.Sign(tokenBytes, msg)

	h := make(http.Header)
	h.Set("Authorization", "Bearer "+testBootstrapToken)
	h.Set("X-Timestamp", fmt.Sprintf("%d", ts))
	h.Set("X-Nonce", n)
	h.Set("X-Signature", sig)
	h.Set("Content-Type", "application/json")
	return h
}

func signInstanceRequest(t *testing.T, instanceID, kid string, tokenBytes []byte, method, pathWithQuery string, ts int64, body []byte) http.Header {
	t.Helper()
	n := uuid.NewString()
	key := signing.DeriveInstanceKey(signing.ScopeClient, tokenBytes, instanceID)
	msg := signing.InstanceCanonicalString(method, pathWithQuery, ts, n, body)
	sig := signing.Sign(key, msg)

	h := make(http.Header)
	h.Set("X-Timestamp", fmt.Sprintf("%d", ts))
	h.Set("X-Nonce", n)
	h.Set("X-Signature", sig)
	h.Set("X-Key-Id", kid)
	h.Set("Content-Type", "application/json")
	return h
}

func doRequest(t *testing.T, ts *httptest.Server, method, path string, header http.Header, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestRegisterEndToEnd(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	s := newTestServer(t, &clock)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]interface{}{
		"service_name":           "checkout-svc",
		"base_url":               "http://10.0.1.11:8080/",
		"heartbeat_interval_sec": 10,
		"bootstrap_secret_ref":   "checkout-svc-ref",
		"boot_id":                "boot-1",
	})
	header := signBootstrapRequest(t, "checkout-svc", clock.Unix(), body)

	resp := doRequest(t, ts, http.MethodPost, "/v1/services/register", header, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out registerResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.LeaseTTLSec != 30 {
		t.Fatalf("expected lease_ttl_sec=30, got %d", out.LeaseTTLSec)
	}
	if out.RegistryVersion != 1 {
		t.Fatalf("expected registry_version=1, got %d", out.RegistryVersion)
	}
}

func TestRegisterRejectsReplayedNonce(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	s := newTestServer(t, &clock)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]interface{}{
		"service_name": "checkout-svc",
		"base_url":     "http://10.0.1.11:8080/",
	})
	n := uuid.NewString()
	tokenBytes, _ := signing.DecodeToken(testBootstrapToken)
	msg := signing.BootstrapCanonicalString(clock.Unix(), n, body)
	sig := signing.Sign(tokenBytes, msg)
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+testBootstrapToken)
	header.Set("X-Timestamp", fmt.Sprintf("%d", clock.Unix()))
	header.Set("X-Nonce", n)
	header.Set("X-Signature", sig)

	first := doRequest(t, ts, http.MethodPost, "/v1/services/register", header, body)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", first.StatusCode)
	}

	second := doRequest(t, ts, http.MethodPost, "/v1/services/register", header, body)
	defer second.Body.Close()
	if second.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected replay rejected with 401, got %d", second.StatusCode)
	}
}

func registerInstance(t *testing.T, s *Server, ts *httptest.Server, clock time.Time, serviceName string) registerResponseBody {
	t.Helper()
	secretRef := serviceName + "-ref"
	setSecretEnv(t, secretRef, "v1", testPushToken)

	body, _ := json.Marshal(map[string]interface{}{
		"service_name":           serviceName,
		"base_url":               "http://10.0.1.12:8080/",
		"heartbeat_interval_sec": 10,
		"bootstrap_secret_ref":   secretRef,
	})
	header := signBootstrapRequest(t, serviceName, clock.Unix(), body)
	resp := doRequest(t, ts, http.MethodPost, "/v1/services/register", header, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: expected 200, got %d", resp.StatusCode)
	}
	var out registerResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return out
}

func TestDeregisterEndToEnd(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	s := newTestServer(t, &clock)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	reg := registerInstance(t, s, ts, clock, "payments-svc")

	tokenBytes, err := signing.DecodeToken(testPushToken)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	body, _ := json.Marshal(map[string]string{"instance_id": reg.InstanceID})
	header := signInstanceRequest(t, reg.InstanceID, reg.PushKID, tokenBytes, http.MethodPost, "/v1/services/deregister", clock.Unix(), body)

	resp := doRequest(t, ts, http.MethodPost, "/v1/services/deregister", header, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var inst models.ServiceInstance
	if err := s.DB.First(&inst, "instance_id = ?", reg.InstanceID).Error; err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if inst.Status != models.StatusDown {
		t.Fatalf("expected instance marked DOWN, got %s", inst.Status)
	}
}

func TestHeartbeatEndToEnd(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	s := newTestServer(t, &clock)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	reg := registerInstance(t, s, ts, clock, "inventory-svc")

	tokenBytes, err := signing.DecodeToken(testPushToken)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	body, _ := json.Marshal(map[string]string{"instance_id": reg.InstanceID})
	header := signInstanceRequest(t, reg.InstanceID, reg.PushKID, tokenBytes, http.MethodPost, "/v1/instances/heartbeat", clock.Unix(), body)

	resp := doRequest(t, ts, http.MethodPost, "/v1/instances/heartbeat", header, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var inst models.ServiceInstance
	if err := s.DB.First(&inst, "instance_id = ?", reg.InstanceID).Error; err != nil {
		t.Fatalf("load instance: %v", err)
	}
	if inst.LastHeartbeatAt == nil {
		t.Fatalf("expected last_heartbeat_at to be set")
	}
}

func TestSnapshotPullEndToEnd(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	s := newTestServer(t, &clock)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	reg := registerInstance(t, s, ts, clock, "catalog-svc")

	tokenBytes, err := signing.DecodeToken(testPushToken)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	path := "/v1/registry/snapshot?instance_id=" + reg.InstanceID
	header := signInstanceRequest(t, reg.InstanceID, reg.PushKID, tokenBytes, http.MethodGet, path, clock.Unix(), nil)

	resp := doRequest(t, ts, http.MethodGet, path, header, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var snap struct {
		Version  int64 `json:"version"`
		Services []struct {
			Name string `json:"name"`
		} `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Services) != 1 || snap.Services[0].Name != "catalog-svc" {
		t.Fatalf("expected snapshot to contain catalog-svc, got %+v", snap.Services)
	}
}
