package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"ledgerd/internal/ledger/fanout"
	"ledgerd/internal/ledger/registry"
)

// Server exposes the read-only fleet inspection surface.
type Server struct {
	DB       *gorm.DB
	Verifier *Verifier
}

// Handler builds the admin router: every route requires a valid admin
// bearer token carrying the viewer or admin role; no route mutates fleet
// state.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.Verifier.Middleware)
	r.Use(RequireRole(RoleViewer, RoleAdmin))

	r.Get("/fleet/snapshot", s.Snapshot)
	r.Get("/fleet/version", s.Version)
	return r
}

// Snapshot returns the current fleet snapshot document, identical in shape
// to the one pushed to instances, for operators inspecting fleet state.
func (s *Server) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := fanout.BuildSnapshot(r.Context(), s.DB)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "failed to build snapshot"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Version returns the current registry version counter alone, for a
// lightweight polling check.
func (s *Server) Version(w http.ResponseWriter, r *http.Request) {
	version, err := registry.CurrentVersion(s.DB)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "failed to read registry version"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"registry_version": version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
