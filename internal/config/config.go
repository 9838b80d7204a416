// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Custodial provider (Stripe)
	StripeAPIKey    string
	DefaultCurrency string

	// Escrow chain settings
	ChainRPCURL    string
	ChainID        int64
	PrivateKey     string // Hex-encoded, with or without 0x prefix
	EscrowContract string

	// Reconciliation
	ReconcileInterval    time.Duration
	ReconcileProviderRPM int // provider status calls per minute during sweeps

	// Security
	APIKeyHash    string // For authenticating API clients
	WebhookSecret string
	RateLimitRPS  int

	// Observability
	OTLPEndpoint string // OTLP trace collector (optional)
}

// Base Sepolia defaults
const (
	DefaultChainRPCURL = "https://sepolia.base.org"
	DefaultChainID     = 84532 // Base Sepolia
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultRateLimit   = 100
	DefaultCurrency    = "USD"

	DefaultReconcileInterval    = 5 * time.Minute
	DefaultReconcileProviderRPM = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeAPIKey:         os.Getenv("STRIPE_API_KEY"),
		DefaultCurrency:      getEnv("DEFAULT_CURRENCY", DefaultCurrency),
		ChainRPCURL:          getEnv("CHAIN_RPC_URL", DefaultChainRPCURL),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:           os.Getenv("PRIVATE_KEY"),
		EscrowContract:       os.Getenv("ESCROW_CONTRACT"),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileProviderRPM: int(getEnvInt64("RECONCILE_PROVIDER_RPM", DefaultReconcileProviderRPM)),
		APIKeyHash:           os.Getenv("API_KEY_HASH"),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:         os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	// The chain provider is optional in development; when configured it
	// must be configured completely.
	if c.ChainConfigured() {
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.EscrowContract == "" {
			return fmt.Errorf("ESCROW_CONTRACT is required when PRIVATE_KEY is set")
		}
		if c.ChainRPCURL == "" {
			return fmt.Errorf("CHAIN_RPC_URL is required when PRIVATE_KEY is set")
		}
	}

	if c.ReconcileInterval < time.Minute {
		return fmt.Errorf("RECONCILE_INTERVAL must be at least 1m")
	}

	return nil
}

// ChainConfigured reports whether an on-chain escrow provider is configured.
func (c *Config) ChainConfigured() bool {
	return c.PrivateKey != ""
}

// StripeConfigured reports whether the custodial provider is configured.
func (c *Config) StripeConfigured() bool {
	return c.StripeAPIKey != ""
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
