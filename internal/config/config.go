// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration for the dev host and migration
// tooling. The session authority core itself is constructed directly by its
// caller (a mobile shell, in production); this Config only governs the
// pieces of the system that run as a standalone Go process.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Starknet network
	Network string // "sepolia" or "mainnet"
	RPCURL  string
	ChainID string // hex-encoded short-string felt, e.g. "0x534e5f5345504f4c4941"

	// Remote signer (keyring-proxy) settings
	RemoteSignerURL        string
	RemoteSignerClientID   string
	RemoteSignerHMACSecret string `json:"-"`
	RemoteSignerTimeout    time.Duration

	// Keystore backend
	KeystoreBackend string // "memory" or "postgres"

	// Status poller
	PollInterval       time.Duration
	PollStaleCutoff    time.Duration
	PollMaxConcurrency int

	// Security
	AdminSecret  string // Admin API secret, gates devhost admin routes
	RateLimitRPM int

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration
	DBConnectTimeout   int // seconds, appended to Postgres DSN
	DBStatementTimeout int // milliseconds, appended to Postgres DSN

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration // global handler execution timeout

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint (e.g. "localhost:4317"), empty = disabled
}

// Starknet Sepolia defaults
const (
	DefaultNetwork = "sepolia"
	DefaultRPCURL  = "https://starknet-sepolia.public.blastapi.io"
	// DefaultChainID is the short-string felt encoding of "SN_SEPOLIA".
	DefaultChainID   = "0x534e5f5345504f4c4941"
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultRateLimit = 100

	DefaultKeystoreBackend = "memory"

	DefaultRemoteSignerTimeout = 10 * time.Second

	DefaultPollInterval       = 15 * time.Second
	DefaultPollStaleCutoff    = 30 * time.Minute
	DefaultPollMaxConcurrency = 3

	// Database pool defaults
	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute
	DefaultDBConnectTimeout   = 5     // seconds
	DefaultDBStatementTimeout = 30000 // milliseconds (30s)

	// HTTP server timeout defaults
	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		Network: getEnv("STARKNET_NETWORK", DefaultNetwork),
		RPCURL:  getEnv("STARKNET_RPC_URL", DefaultRPCURL),
		ChainID: getEnv("STARKNET_CHAIN_ID", DefaultChainID),

		RemoteSignerURL:        os.Getenv("REMOTE_SIGNER_URL"),
		RemoteSignerClientID:   os.Getenv("REMOTE_SIGNER_CLIENT_ID"),
		RemoteSignerHMACSecret: os.Getenv("REMOTE_SIGNER_HMAC_SECRET"),
		RemoteSignerTimeout:    getEnvDuration("REMOTE_SIGNER_TIMEOUT", DefaultRemoteSignerTimeout),

		KeystoreBackend: getEnv("KEYSTORE_BACKEND", DefaultKeystoreBackend),

		PollInterval:       getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		PollStaleCutoff:    getEnvDuration("POLL_STALE_CUTOFF", DefaultPollStaleCutoff),
		PollMaxConcurrency: int(getEnvInt64("POLL_MAX_CONCURRENCY", int64(DefaultPollMaxConcurrency))),

		AdminSecret: os.Getenv("ADMIN_SECRET"),
		RateLimitRPM: func() int {
			rpm := getEnvInt64("RATE_LIMIT_RPM", 0)
			if rpm == 0 {
				rpm = getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))
			}
			return int(rpm)
		}(),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime:  getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", int64(DefaultDBConnectTimeout))),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", int64(DefaultDBStatementTimeout))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("STARKNET_RPC_URL is required")
	}

	if c.KeystoreBackend != "memory" && c.KeystoreBackend != "postgres" {
		return fmt.Errorf("KEYSTORE_BACKEND must be \"memory\" or \"postgres\", got %q", c.KeystoreBackend)
	}
	if c.KeystoreBackend == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when KEYSTORE_BACKEND=postgres")
	}

	if c.RemoteSignerURL != "" {
		if c.RemoteSignerClientID == "" {
			return fmt.Errorf("REMOTE_SIGNER_CLIENT_ID is required when REMOTE_SIGNER_URL is set")
		}
		if c.RemoteSignerHMACSecret == "" {
			return fmt.Errorf("REMOTE_SIGNER_HMAC_SECRET is required when REMOTE_SIGNER_URL is set")
		}
	}

	if c.PollMaxConcurrency < 1 {
		return fmt.Errorf("POLL_MAX_CONCURRENCY must be at least 1, got %d", c.PollMaxConcurrency)
	}

	// Port range
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	// Rate limit sanity
	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1, got %d", c.RateLimitRPM)
	}

	// DB statement timeout sanity
	if c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}

	// Write timeout must exceed request timeout to avoid truncated responses
	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	// Warnings (non-fatal)
	if c.IsProduction() && c.AdminSecret == "" {
		slog.Warn("ADMIN_SECRET not set — admin endpoints accept any request")
	}
	if c.IsProduction() && c.RemoteSignerURL == "" {
		slog.Warn("REMOTE_SIGNER_URL not set — session signing uses the local session signer")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
