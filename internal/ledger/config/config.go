// Package config loads ledgerd's runtime configuration from environment
// variables, following the fleet's FromEnv() convention: required
// variables fail fast, everything else carries a documented default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"ledgerd/internal/ledger/secrets"
	"ledgerd/internal/observability/otel"
)

// Config is the fully resolved runtime configuration for ledgerd.
type Config struct {
	Port    string
	DBURL   string
	Debug   bool
	Region  string

	BootstrapTSWindowSeconds int
	InstanceTSWindowSeconds  int
	DefaultTTLSeconds        int
	DefaultHeartbeatSeconds  int
	FanoutTimeoutSeconds     int
	NonceLRUCapacity         int
	BootstrapRatePerMinute   float64

	SecretBackend secrets.BackendKind
	SecretDir     string
	SecretEnvPrefix string

	SeedFile string

	AdminEnabled     bool
	AdminPort        string
	AdminJWTSecret   string
	AdminJWTIssuer   string
	AdminJWTAudience string

	OTel OTelConfig
}

// OTelConfig mirrors otel.Config, resolved from environment variables.
type OTelConfig struct {
	Enabled  bool
	Endpoint string
	Insecure bool
	Headers  map[string]string
	Metrics  bool
	Traces   bool
}

// FromEnv loads the configuration required to run ledgerd.
func FromEnv() (*Config, error) {
	port := getEnvDefault("LEDGER_PORT", "8080")

	dbURL := os.Getenv("LEDGER_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("LEDGER_DB_URL is required")
	}

	debug := parseBoolEnv("LEDGER_DEBUG", false)
	region := getEnvDefault("LEDGER_REGION", "eu-central-1")

	bootstrapWindow := parseIntEnv("LEDGER_BOOTSTRAP_TS_WINDOW_SECONDS", 60)
	instanceWindow := parseIntEnv("LEDGER_INSTANCE_TS_WINDOW_SECONDS", 300)
	defaultTTL := parseIntEnv("LEDGER_DEFAULT_TTL_SECONDS", 300)
	defaultHeartbeat := parseIntEnv("LEDGER_DEFAULT_HEARTBEAT_SECONDS", 10)
	fanoutTimeout := parseIntEnv("LEDGER_FANOUT_TIMEOUT_SECONDS", 10)
	nonceLRU := parseIntEnv("LEDGER_NONCE_LRU_CAPACITY", 4096)
	bootstrapRate := parseFloatEnv("LEDGER_BOOTSTRAP_RATE_PER_MINUTE", 120)

	secretBackend := secrets.BackendKind(strings.ToLower(getEnvDefault("LEDGER_SECRET_BACKEND", "env")))
	secretDir := os.Getenv("LEDGER_SECRET_DIR")
	if secretBackend == secrets.BackendFilesystem && secretDir == "" {
		return nil, fmt.Errorf("LEDGER_SECRET_DIR is required when LEDGER_SECRET_BACKEND=filesystem")
	}
	secretEnvPrefix := getEnvDefault("LEDGER_SECRET_ENV_PREFIX", "LEDGER_SECRET_")

	seedFile := os.Getenv("LEDGER_SEED_FILE")

	adminSecret := os.Getenv("LEDGER_ADMIN_JWT_SECRET")

	otelCfg := OTelConfig{
		Enabled:  parseBoolEnv("LEDGER_OTEL_ENABLE", false),
		Endpoint: getEnvDefault("LEDGER_OTEL_ENDPOINT", "localhost:4318"),
		Insecure: parseBoolEnv("LEDGER_OTEL_INSECURE", true),
		Headers:  otel.ParseHeaders(os.Getenv("LEDGER_OTEL_HEADERS")),
		Metrics:  parseBoolEnv("LEDGER_OTEL_METRICS", true),
		Traces:   parseBoolEnv("LEDGER_OTEL_TRACES", true),
	}

	return &Config{
		Port:                     normalizePort(port),
		DBURL:                    dbURL,
		Debug:                    debug,
		Region:                   region,
		BootstrapTSWindowSeconds: bootstrapWindow,
		InstanceTSWindowSeconds:  instanceWindow,
		DefaultTTLSeconds:        defaultTTL,
		DefaultHeartbeatSeconds:  defaultHeartbeat,
		FanoutTimeoutSeconds:     fanoutTimeout,
		NonceLRUCapacity:         nonceLRU,
		BootstrapRatePerMinute:   bootstrapRate,
		SecretBackend:            secretBackend,
		SecretDir:                secretDir,
		SecretEnvPrefix:          secretEnvPrefix,
		SeedFile:                 seedFile,
		AdminEnabled:             adminSecret != "",
		AdminPort:                normalizePort(getEnvDefault("LEDGER_ADMIN_PORT", "8081")),
		AdminJWTSecret:           adminSecret,
		AdminJWTIssuer:           getEnvDefault("LEDGER_ADMIN_JWT_ISSUER", "ledgerd-admin"),
		AdminJWTAudience:         getEnvDefault("LEDGER_ADMIN_JWT_AUDIENCE", "ledgerd-admin-clients"),
		OTel:                     otelCfg,
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseFloatEnv(key string, def float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}
