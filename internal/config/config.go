// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
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

	// Engine identities
	OperatorAddress string // address this deployment signs lifecycle actions as
	ArbiterAddress  string // shared freeze/dispute authority (optional)
	FeeRecipient    string // initial protocol fee recipient (optional)

	// Escrow and fee settings
	EscrowPeriod   time.Duration // dwell time between authorize and release
	TimelockDelay  time.Duration // delay on protocol fee governance changes
	ProtocolFeeBps int64         // initial flat protocol fee rate
	OperatorFeeBps int64         // this operator's own fee rate

	// Observability
	OTLPEndpoint string // OTLP gRPC trace collector (optional)

	RateLimitRPS int
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultEscrowPeriod  = 72 * time.Hour
	DefaultTimelockDelay = 7 * 24 * time.Hour
	DefaultRateLimit     = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OperatorAddress: os.Getenv("OPERATOR_ADDRESS"),
		ArbiterAddress:  os.Getenv("ARBITER_ADDRESS"),
		FeeRecipient:    os.Getenv("FEE_RECIPIENT"),
		EscrowPeriod:    getEnvDuration("ESCROW_PERIOD", DefaultEscrowPeriod),
		TimelockDelay:   getEnvDuration("TIMELOCK_DELAY", DefaultTimelockDelay),
		ProtocolFeeBps:  getEnvInt64("PROTOCOL_FEE_BPS", 0),
		OperatorFeeBps:  getEnvInt64("OPERATOR_FEE_BPS", 0),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:    int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.OperatorAddress == "" {
		return fmt.Errorf("OPERATOR_ADDRESS is required")
	}
	if !common.IsHexAddress(c.OperatorAddress) {
		return fmt.Errorf("OPERATOR_ADDRESS is not a valid hex address")
	}
	if c.ArbiterAddress != "" && !common.IsHexAddress(c.ArbiterAddress) {
		return fmt.Errorf("ARBITER_ADDRESS is not a valid hex address")
	}
	if c.FeeRecipient != "" && !common.IsHexAddress(c.FeeRecipient) {
		return fmt.Errorf("FEE_RECIPIENT is not a valid hex address")
	}
	if c.EscrowPeriod <= 0 {
		return fmt.Errorf("ESCROW_PERIOD must be positive")
	}
	if c.ProtocolFeeBps < 0 || c.ProtocolFeeBps > 10000 {
		return fmt.Errorf("PROTOCOL_FEE_BPS must be in [0, 10000]")
	}
	if c.OperatorFeeBps < 0 || c.OperatorFeeBps > 10000 {
		return fmt.Errorf("OPERATOR_FEE_BPS must be in [0, 10000]")
	}
	return nil
}

// Operator returns the deployment's operator address.
func (c *Config) Operator() common.Address {
	return common.HexToAddress(c.OperatorAddress)
}

// Arbiter returns the shared dispute authority, zero if unset.
func (c *Config) Arbiter() common.Address {
	return common.HexToAddress(c.ArbiterAddress)
}

// Recipient returns the initial protocol fee recipient, zero if unset.
func (c *Config) Recipient() common.Address {
	return common.HexToAddress(c.FeeRecipient)
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
