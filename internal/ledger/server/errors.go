package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"ledgerd/internal/ledger/ledgererr"
)

// errorEnvelope is the JSON error shape from spec.md §6: { code, message, dev }.
// dev is blank unless debug mode is enabled.
type errorEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Dev     string `json:"dev"`
}

// Stable numeric error codes from spec.md §6's error code registry.
const (
	codeInvalidAuth         = 40001
	codeInvalidTimestamp    = 40002
	codeInvalidNonce        = 40003
	codeInvalidSignature    = 40004
	codeInvalidKID          = 40005
	codeInvalidInstance     = 40006
	codeInstanceNotFound    = 40007
	codeValidation          = 42200
	codeInternal            = 50000
)

func reasonToCode(reason string) (status int, code int, message string) {
	switch reason {
	case "missing timestamp", "timestamp window":
		return http.StatusBadRequest, codeInvalidTimestamp, "invalid or expired timestamp"
	case "missing nonce":
		return http.StatusBadRequest, codeInvalidNonce, "missing nonce"
	case "missing kid":
		return http.StatusBadRequest, codeInvalidKID, "missing key id"
	case "bad signature format":
		return http.StatusBadRequest, codeInvalidSignature, "malformed signature"
	case "replay":
		return http.StatusUnauthorized, codeInvalidSignature, "replayed request"
	case "bad signature":
		return http.StatusUnauthorized, codeInvalidSignature, "signature verification failed"
	case "unknown kid":
		return http.StatusUnauthorized, codeInvalidKID, "unknown key id"
	case "prev key expired":
		return http.StatusUnauthorized, codeInvalidKID, "previous key acceptance window has elapsed"
	case "no current secret":
		return http.StatusUnauthorized, codeInvalidAuth, "no signing secret configured for service"
	default:
		return http.StatusUnauthorized, codeInvalidAuth, "authentication failed"
	}
}

// writeJSON mirrors the teacher's writeJSON helper: set content type, write
// the status, encode the body, swallowing encode errors (the response is
// already committed by the time encoding could fail).
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the spec.md §6 error envelope for a given status/code
// pair with dev left blank; writeErrorWithDev fills dev when debug is true.
func (s *Server) writeError(w http.ResponseWriter, status, code int, message string) {
	env := errorEnvelope{Code: code, Message: message}
	writeJSON(w, status, env)
}

func (s *Server) writeErrorWithDev(w http.ResponseWriter, status, code int, message, devDetail string) {
	env := errorEnvelope{Code: code, Message: message}
	if s.Debug {
		env.Dev = devDetail
	}
	writeJSON(w, status, env)
}

// writeVerifyFailure maps a verify.Result failure reason to the HTTP
// envelope per spec.md §6.
func (s *Server) writeVerifyFailure(w http.ResponseWriter, reason string) {
	status, code, message := reasonToCode(reason)
	s.writeErrorWithDev(w, status, code, message, reason)
}

// handleDomainError classifies a domain error via ledgererr and writes the
// matching envelope, following server/partners.go's
// errors.Is(err, gorm.ErrRecordNotFound)-style classification rather than a
// bespoke error-code hierarchy.
func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledgererr.ErrValidation):
		s.writeErrorWithDev(w, http.StatusUnprocessableEntity, codeValidation, "request failed validation", err.Error())
	case errors.Is(err, ledgererr.ErrAuthn):
		s.writeErrorWithDev(w, http.StatusUnauthorized, codeInvalidAuth, "authentication failed", err.Error())
	case errors.Is(err, ledgererr.ErrNotFound):
		s.writeErrorWithDev(w, http.StatusBadRequest, codeInstanceNotFound, "instance not found", err.Error())
	case errors.Is(err, ledgererr.ErrRace):
		s.writeErrorWithDev(w, http.StatusInternalServerError, codeInternal, "registration race could not be resolved", err.Error())
	default:
		s.writeErrorWithDev(w, http.StatusInternalServerError, codeInternal, "internal error", err.Error())
	}
}
