// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/nvoskov/garant/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow settings
	CommissionFlat string // Flat commission charged per completed deal
	MinDealPrice   string
	MaxDealPrice   string

	// Chain on-ramp (optional; deposits disabled when unset)
	RPCURL          string
	ChainID         int64
	USDTContract    string
	PlatformAddress string
	PayoutKey       string // Hex private key for withdrawal payouts

	// Fiat on-ramp (optional)
	StripeSecretKey     string
	StripeWebhookSecret string

	// Security
	RateLimitRPM int
	AdminSecret  string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultCommissionFlat = "5.000000"
	DefaultMinDealPrice   = "0.000001"
	DefaultMaxDealPrice   = "1000000"
	DefaultRateLimitRPM   = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		CommissionFlat:      getEnv("COMMISSION_FLAT", DefaultCommissionFlat),
		MinDealPrice:        getEnv("MIN_DEAL_PRICE", DefaultMinDealPrice),
		MaxDealPrice:        getEnv("MAX_DEAL_PRICE", DefaultMaxDealPrice),
		RPCURL:              os.Getenv("RPC_URL"),
		ChainID:             getEnvInt64("CHAIN_ID", 1),
		USDTContract:        os.Getenv("USDT_CONTRACT"),
		PlatformAddress:     os.Getenv("PLATFORM_ADDRESS"),
		PayoutKey:           os.Getenv("PAYOUT_KEY"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	commission, ok := money.Parse(c.CommissionFlat)
	if !ok || commission.Sign() < 0 {
		return fmt.Errorf("COMMISSION_FLAT must be a non-negative amount, got %q", c.CommissionFlat)
	}

	if _, ok := money.ParsePositive(c.MinDealPrice); !ok {
		return fmt.Errorf("MIN_DEAL_PRICE must be a positive amount, got %q", c.MinDealPrice)
	}
	if _, ok := money.ParsePositive(c.MaxDealPrice); !ok {
		return fmt.Errorf("MAX_DEAL_PRICE must be a positive amount, got %q", c.MaxDealPrice)
	}
	if money.Cmp(c.MinDealPrice, c.MaxDealPrice) > 0 {
		return fmt.Errorf("MIN_DEAL_PRICE %q exceeds MAX_DEAL_PRICE %q", c.MinDealPrice, c.MaxDealPrice)
	}

	// Deposits need the full chain triple when enabled.
	if c.RPCURL != "" {
		if c.USDTContract == "" || c.PlatformAddress == "" {
			return fmt.Errorf("RPC_URL is set but USDT_CONTRACT or PLATFORM_ADDRESS is missing")
		}
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

// ChainEnabled reports whether the deposit watcher can run.
func (c *Config) ChainEnabled() bool {
	return c.RPCURL != ""
}

// FiatEnabled reports whether the Stripe on-ramp can run.
func (c *Config) FiatEnabled() bool {
	return c.StripeSecretKey != ""
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
