package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"ledgerd/internal/ledger/registry"
	"ledgerd/internal/observability/metrics"
)

// registerRequestBody mirrors the JSON schema in spec.md §6.
type registerRequestBody struct {
	ServiceName          string                 `json:"service_name"`
	BaseURL              string                 `json:"base_url"`
	HealthURL            string                 `json:"health_url"`
	HeartbeatIntervalSec int                    `json:"heartbeat_interval_sec"`
	Capabilities         *capabilitiesBody      `json:"capabilities"`
	Meta                 map[string]interface{} `json:"meta"`
	BootstrapSecretRef   string                 `json:"bootstrap_secret_ref"`
	BootID               string                 `json:"boot_id"`
	NodeID               string                 `json:"node_id"`
	TaskSlot             *int                   `json:"task_slot"`
}

type capabilitiesBody struct {
	Publishes []string `json:"publishes"`
	Consumes  []string `json:"consumes"`
}

type registerResponseBody struct {
	ServiceID       string `json:"service_id"`
	InstanceID      string `json:"instance_id"`
	PushKID         string `json:"push_kid"`
	LeaseTTLSec     int    `json:"lease_ttl_sec"`
	RegistryVersion int64  `json:"registry_version"`
}

// Register handles POST /v1/services/register: bootstrap-verified, then
// the idempotent upsert state machine of spec.md §4.G.
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidation, "failed to read request body")
		return
	}

	var req registerRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeErrorWithDev(w, http.StatusUnprocessableEntity, codeValidation, "malformed JSON body", err.Error())
		return
	}
	if req.ServiceName == "" {
		s.writeError(w, http.StatusUnprocessableEntity, codeValidation, "service_name is required")
		return
	}

	token, ok := bearerToken(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, codeInvalidAuth, "missing or malformed Authorization header")
		return
	}
	ts := r.Header.Get("X-Timestamp")
	nonceValue := r.Header.Get("X-Nonce")
	signature := r.Header.Get("X-Signature")

	result := s.Bootstrap.Verify(r.Context(), req.ServiceName, token, ts, nonceValue, signature, body)
	if !result.OK {
		metrics.Registry().RecordVerifyFailure("bootstrap", result.Reason)
		s.writeVerifyFailure(w, result.Reason)
		return
	}

	var nodeIDPtr *string
	if req.NodeID != "" {
		nodeIDPtr = &req.NodeID
	}

	regReq := registry.RegisterRequest{
		ServiceName:          req.ServiceName,
		BootstrapSecretRef:   req.BootstrapSecretRef,
		BaseURL:              req.BaseURL,
		HealthURL:            req.HealthURL,
		HeartbeatIntervalSec: req.HeartbeatIntervalSec,
		NodeID:               nodeIDPtr,
		TaskSlot:             req.TaskSlot,
		BootID:               req.BootID,
		Meta:                 req.Meta,
	}
	if req.Capabilities != nil {
		regReq.Publishes = req.Capabilities.Publishes
		regReq.Consumes = req.Capabilities.Consumes
	}

	ctx, cancel := withTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := s.Registrar.Register(ctx, regReq)
	if err != nil {
		metrics.Registry().RecordRegistration("error")
		s.handleDomainError(w, err)
		return
	}

	outcome := "unchanged"
	if res.ChangedAny {
		outcome = "changed"
	}
	metrics.Registry().RecordRegistration(outcome)
	metrics.Registry().SetRegistryVersion(res.RegistryVersion)

	writeJSON(w, http.StatusOK, registerResponseBody{
		ServiceID:       res.ServiceID.String(),
		InstanceID:      res.InstanceID.String(),
		PushKID:         res.PushKID,
		LeaseTTLSec:     res.LeaseTTLSec,
		RegistryVersion: res.RegistryVersion,
	})
}

func bearerToken(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
