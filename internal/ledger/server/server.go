// Package server provides the (non-normative, per spec.md §1) HTTP
// transport for the registry: registration, deregistration, heartbeat, and
// snapshot-pull routes, wired with bootstrap/instance authentication.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"ledgerd/internal/ledger/fanout"
	"ledgerd/internal/ledger/nonce"
	"ledgerd/internal/ledger/registry"
	"ledgerd/internal/ledger/secrets"
	"ledgerd/internal/ledger/verify"
)

// Config captures the dependencies required to construct the server,
// mirroring server/server.go's Config/New split in the teacher.
type Config struct {
	DB         *gorm.DB
	Bootstrap  *verify.BootstrapVerifier
	Instance   *verify.InstanceVerifier
	Registrar  *registry.Registrar
	Secrets    *secrets.Store
	Nonces     *nonce.Store
	Pusher     *fanout.Pusher
	Now        func() time.Time
	Debug      bool
	BootstrapRatePerMinute float64
}

// Server encapsulates the ledger's HTTP dependencies.
type Server struct {
	DB        *gorm.DB
	Bootstrap *verify.BootstrapVerifier
	Instance  *verify.InstanceVerifier
	Registrar *registry.Registrar
	Secrets   *secrets.Store
	Nonces    *nonce.Store
	Pusher    *fanout.Pusher
	Now       func() time.Time
	Debug     bool

	bootstrapLimiter *rate.Limiter
	router           http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	s := &Server{
		DB:        cfg.DB,
		Bootstrap: cfg.Bootstrap,
		Instance:  cfg.Instance,
		Registrar: cfg.Registrar,
		Secrets:   cfg.Secrets,
		Nonces:    cfg.Nonces,
		Pusher:    cfg.Pusher,
		Now:       cfg.Now,
		Debug:     cfg.Debug,
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	perMinute := cfg.BootstrapRatePerMinute
	if perMinute <= 0 {
		perMinute = 120
	}
	s.bootstrapLimiter = rate.NewLimiter(rate.Limit(perMinute/60.0), int(perMinute))
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(g chi.Router) {
			g.Use(s.rateLimitBootstrap)
			g.Post("/services/register", s.Register)
		})
		v1.Post("/services/deregister", s.Deregister)
		v1.Post("/instances/heartbeat", s.Heartbeat)
		v1.Get("/registry/snapshot", s.SnapshotPull)
	})

	return r
}

// rateLimitBootstrap throttles the untrusted bootstrap registration
// endpoint, a real operational concern for a registry accepting calls from
// callers it has not yet authenticated, grounded on
// gateway/middleware/ratelimit.go's token-bucket-per-identity shape but
// applied globally to this single endpoint rather than per caller, since a
// bootstrap caller has no stable identity prior to verification.
func (s *Server) rateLimitBootstrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.bootstrapLimiter.AllowN(s.Now(), 1) {
			s.writeError(w, http.StatusTooManyRequests, codeValidation, "too many bootstrap requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withTimeout bounds a handler's work to the given duration, used around
// the persistent-store calls of the register, deregister, heartbeat, and
// snapshot-pull handlers.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}
