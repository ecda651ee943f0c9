package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"ledgerd/internal/admin"
	"ledgerd/internal/ledger/config"
	"ledgerd/internal/ledger/fanout"
	"ledgerd/internal/ledger/models"
	"ledgerd/internal/ledger/nonce"
	"ledgerd/internal/ledger/registry"
	"ledgerd/internal/ledger/secrets"
	"ledgerd/internal/ledger/seed"
	"ledgerd/internal/ledger/server"
	"ledgerd/internal/ledger/verify"
	"ledgerd/internal/observability/logging"
	telemetry "ledgerd/internal/observability/otel"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logging.Setup("ledgerd", cfg.Region)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "ledgerd",
		Region:      cfg.Region,
		Endpoint:    cfg.OTel.Endpoint,
		Insecure:    cfg.OTel.Insecure,
		Headers:     cfg.OTel.Headers,
		Metrics:     cfg.OTel.Enabled && cfg.OTel.Metrics,
		Traces:      cfg.OTel.Enabled && cfg.OTel.Traces,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	secretBackend, err := secrets.NewBackend(secrets.Config{
		Kind:      cfg.SecretBackend,
		EnvPrefix: cfg.SecretEnvPrefix,
		BaseDir:   cfg.SecretDir,
	})
	if err != nil {
		log.Fatalf("secret backend error: %v", err)
	}
	secretStore := secrets.NewStore(secretBackend, time.Now)
	nonceStore := nonce.NewStore(db, time.Now, cfg.NonceLRUCapacity)

	bootstrapVerifier := &verify.BootstrapVerifier{
		Nonces:   nonceStore,
		Now:      time.Now,
		TSWindow: time.Duration(cfg.BootstrapTSWindowSeconds) * time.Second,
	}
	instanceVerifier := &verify.InstanceVerifier{
		Nonces:   nonceStore,
		Secrets:  secretStore,
		Now:      time.Now,
		TSWindow: time.Duration(cfg.InstanceTSWindowSeconds) * time.Second,
	}

	pusher := &fanout.Pusher{
		DB:      db,
		Now:     time.Now,
		Timeout: time.Duration(cfg.FanoutTimeoutSeconds) * time.Second,
		Lookup: func(serviceID string) (string, []byte, error) {
			id, err := uuid.Parse(serviceID)
			if err != nil {
				return "", nil, err
			}
			var svc models.Service
			if err := db.First(&svc, "service_id = ?", id).Error; err != nil {
				return "", nil, err
			}
			return secretStore.GetCurrent(context.Background(), svc.BootstrapSecretRef, svc.TTLSeconds)
		},
	}

	registrar := &registry.Registrar{
		DB:  db,
		Now: time.Now,
		OnChange: func(ctx context.Context, version int64) {
			if _, _, err := pusher.Push(ctx); err != nil {
				log.Printf("fanout push for version %d failed: %v", version, err)
			}
		},
	}

	if cfg.SeedFile != "" {
		seedDoc, err := seed.Load(cfg.SeedFile)
		if err != nil {
			log.Fatalf("load seed file: %v", err)
		}
		if err := seed.Apply(db, seedDoc); err != nil {
			log.Fatalf("apply seed file: %v", err)
		}
		log.Printf("applied fleet seed from %s", cfg.SeedFile)
	}

	srv := server.New(server.Config{
		DB:                     db,
		Bootstrap:              bootstrapVerifier,
		Instance:               instanceVerifier,
		Registrar:              registrar,
		Secrets:                secretStore,
		Nonces:                 nonceStore,
		Pusher:                 pusher,
		Now:                    time.Now,
		Debug:                  cfg.Debug,
		BootstrapRatePerMinute: cfg.BootstrapRatePerMinute,
	})

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	go runLivenessSweeper(bgCtx, registrar)
	go runNonceGC(bgCtx, nonceStore)

	if cfg.AdminEnabled {
		go startAdminServer(cfg, db)
	}

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	handler := otelhttp.NewHandler(mux, "ledgerd")

	addr := ":" + cfg.Port
	log.Printf("starting ledgerd on %s", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// runLivenessSweeper periodically marks overdue instances DOWN, feeding the
// fanout contract without requiring a caller-initiated deregistration.
func runLivenessSweeper(ctx context.Context, registrar *registry.Registrar) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := registrar.SweepLiveness(ctx); err != nil {
				log.Printf("liveness sweep: %v", err)
			}
		}
	}
}

// runNonceGC periodically prunes consumed nonces recorded more than one hour
// ago, keeping both nonce tables bounded. The cutoff is fixed and does not
// follow the configured timestamp windows.
func runNonceGC(ctx context.Context, nonces *nonce.Store) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := nonces.GC(ctx, time.Now().Add(-1*time.Hour)); err != nil {
				log.Printf("nonce gc: %v", err)
			}
		}
	}
}

// startAdminServer runs the read-only fleet inspection surface on its own
// port, kept separate from the HMAC-authenticated ledger API so an admin
// token never substitutes for a service's own signing key.
func startAdminServer(cfg *config.Config, db *gorm.DB) {
	verifier, err := admin.NewVerifier(cfg.AdminJWTSecret, cfg.AdminJWTIssuer, cfg.AdminJWTAudience)
	if err != nil {
		log.Fatalf("admin verifier error: %v", err)
	}
	adminSrv := &admin.Server{DB: db, Verifier: verifier}
	addr := ":" + strings.TrimPrefix(cfg.AdminPort, ":")
	log.Printf("starting ledgerd admin surface on %s", addr)
	if err := http.ListenAndServe(addr, adminSrv.Handler()); err != nil {
		log.Fatalf("admin server error: %v", err)
	}
}
