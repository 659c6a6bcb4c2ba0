package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithDefaults(t *testing.T) {
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, DefaultChainID, cfg.ChainID)
	assert.Equal(t, DefaultKeystoreBackend, cfg.KeystoreBackend)
}

func TestLoad_RemoteSignerRequiresClientIDAndSecret(t *testing.T) {
	setEnv(t, "REMOTE_SIGNER_URL", "https://signer.example.com")
	setEnv(t, "REMOTE_SIGNER_CLIENT_ID", "")
	setEnv(t, "REMOTE_SIGNER_HMAC_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "REMOTE_SIGNER_CLIENT_ID")
}

func TestLoad_PostgresBackendRequiresDatabaseURL(t *testing.T) {
	setEnv(t, "KEYSTORE_BACKEND", "postgres")
	setEnv(t, "DATABASE_URL", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				RPCURL:             "https://starknet-sepolia.public.blastapi.io",
				KeystoreBackend:    "memory",
				PollMaxConcurrency: 3,
				Port:               "8080",
				RateLimitRPM:       100,
				DBStatementTimeout: 30000,
			},
			wantErr: "",
		},
		{
			name: "missing RPC URL",
			config: Config{
				RPCURL:             "",
				KeystoreBackend:    "memory",
				PollMaxConcurrency: 3,
				Port:               "8080",
				RateLimitRPM:       100,
				DBStatementTimeout: 30000,
			},
			wantErr: "STARKNET_RPC_URL is required",
		},
		{
			name: "invalid keystore backend",
			config: Config{
				RPCURL:             "https://starknet-sepolia.public.blastapi.io",
				KeystoreBackend:    "sqlite",
				PollMaxConcurrency: 3,
				Port:               "8080",
				RateLimitRPM:       100,
				DBStatementTimeout: 30000,
			},
			wantErr: "must be \"memory\" or \"postgres\"",
		},
		{
			name: "zero poll concurrency",
			config: Config{
				RPCURL:             "https://starknet-sepolia.public.blastapi.io",
				KeystoreBackend:    "memory",
				PollMaxConcurrency: 0,
				Port:               "8080",
				RateLimitRPM:       100,
				DBStatementTimeout: 30000,
			},
			wantErr: "POLL_MAX_CONCURRENCY must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
