package server

import (
	"net/http"
	"time"

	"ledgerd/internal/ledger/fanout"
)

// SnapshotPull handles GET /v1/registry/snapshot: instance-verified, so any
// already-registered instance can pull the current fleet document on
// demand rather than waiting on the next push (SPEC_FULL.md §10). A GET
// carries no body, so the signed canonical string covers an empty body and
// the instance id travels as a query parameter instead of a JSON field.
func (s *Server) SnapshotPull(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instance_id")
	if instanceID == "" {
		s.writeError(w, http.StatusBadRequest, codeInvalidInstance, "instance_id query parameter is required")
		return
	}

	result, err := s.verifyInstanceRequest(r.Context(), instanceID, r.Method, r.URL.RequestURI(),
		r.Header.Get("X-Timestamp"), r.Header.Get("X-Nonce"), r.Header.Get("X-Signature"), r.Header.Get("X-Key-Id"), nil)
	if err != nil {
		s.writeErrorWithDev(w, http.StatusBadRequest, codeInvalidInstance, "instance not found", err.Error())
		return
	}
	if !result.OK {
		s.writeVerifyFailure(w, result.Reason)
		return
	}

	ctx, cancel := withTimeout(r.Context(), 5*time.Second)
	defer cancel()

	snap, err := fanout.BuildSnapshot(ctx, s.DB)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}
