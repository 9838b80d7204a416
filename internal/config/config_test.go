package config

import (
	"os"
	"testing"
	"time"

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

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	setEnv(t, "ESCROW_CONTRACT", "0x1234567890123456789012345678901234567890")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultChainRPCURL, cfg.ChainRPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.True(t, cfg.ChainConfigured())
}

func TestLoad_NoChainConfigIsValid(t *testing.T) {
	// An unset chain stack falls back to the in-process stub provider.
	setEnv(t, "PRIVATE_KEY", "")
	setEnv(t, "ESCROW_CONTRACT", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.ChainConfigured())
}

func TestLoad_InvalidPrivateKeyLength(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "tooshort")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid chain config",
			config: Config{
				PrivateKey:        "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
				ChainRPCURL:       "https://sepolia.base.org",
				EscrowContract:    "0x1234567890123456789012345678901234567890",
				ReconcileInterval: DefaultReconcileInterval,
			},
			wantErr: "",
		},
		{
			name: "no chain config",
			config: Config{
				ReconcileInterval: DefaultReconcileInterval,
			},
			wantErr: "",
		},
		{
			name: "invalid private key length",
			config: Config{
				PrivateKey:        "abc123",
				ChainRPCURL:       "https://sepolia.base.org",
				ReconcileInterval: DefaultReconcileInterval,
			},
			wantErr: "64 hex characters",
		},
		{
			name: "missing escrow contract",
			config: Config{
				PrivateKey:        "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
				ChainRPCURL:       "https://sepolia.base.org",
				ReconcileInterval: DefaultReconcileInterval,
			},
			wantErr: "ESCROW_CONTRACT is required",
		},
		{
			name: "reconcile interval too short",
			config: Config{
				ReconcileInterval: time.Second,
			},
			wantErr: "RECONCILE_INTERVAL",
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

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_BAD_DUR", time.Minute))
}
