package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type deregisterRequestBody struct {
	InstanceID string `json:"instance_id"`
}

// Deregister handles POST /v1/services/deregister: instance-verified (only
// an already-registered instance can deregister itself), per
// SPEC_FULL.md §10.
func (s *Server) Deregister(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidation, "failed to read request body")
		return
	}
	var req deregisterRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeErrorWithDev(w, http.StatusUnprocessableEntity, codeValidation, "malformed JSON body", err.Error())
		return
	}
	if req.InstanceID == "" {
		s.writeError(w, http.StatusBadRequest, codeInvalidInstance, "instance_id is required")
		return
	}

	result, err := s.verifyInstanceRequest(r.Context(), req.InstanceID, r.Method, r.URL.RequestURI(),
		r.Header.Get("X-Timestamp"), r.Header.Get("X-Nonce"), r.Header.Get("X-Signature"), r.Header.Get("X-Key-Id"), body)
	if err != nil {
		s.writeErrorWithDev(w, http.StatusBadRequest, codeInvalidInstance, "instance not found", err.Error())
		return
	}
	if !result.OK {
		s.writeVerifyFailure(w, result.Reason)
		return
	}

	instanceID, err := uuid.Parse(req.InstanceID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeInvalidInstance, "invalid instance id")
		return
	}

	ctx, cancel := withTimeout(r.Context(), 5*time.Second)
	defer cancel()

	version, err := s.Registrar.Deregister(ctx, instanceID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"registry_version": version})
}
