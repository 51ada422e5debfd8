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
	setEnv(t, "OPERATOR_ADDRESS", "0x1234567890123456789012345678901234567890")
	setEnv(t, "PORT", "9090")
	setEnv(t, "ESCROW_PERIOD", "48h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 48*time.Hour, cfg.EscrowPeriod)
	assert.Equal(t, DefaultTimelockDelay, cfg.TimelockDelay)
	assert.Equal(t, "0x1234567890123456789012345678901234567890", cfg.Operator().Hex())
}

func TestLoad_MissingOperator(t *testing.T) {
	setEnv(t, "OPERATOR_ADDRESS", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "OPERATOR_ADDRESS is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		OperatorAddress: "0x1234567890123456789012345678901234567890",
		EscrowPeriod:    DefaultEscrowPeriod,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "missing operator",
			mutate:  func(c *Config) { c.OperatorAddress = "" },
			wantErr: "OPERATOR_ADDRESS is required",
		},
		{
			name:    "malformed operator",
			mutate:  func(c *Config) { c.OperatorAddress = "not-an-address" },
			wantErr: "valid hex address",
		},
		{
			name:    "malformed arbiter",
			mutate:  func(c *Config) { c.ArbiterAddress = "0x123" },
			wantErr: "ARBITER_ADDRESS",
		},
		{
			name:    "zero escrow period",
			mutate:  func(c *Config) { c.EscrowPeriod = 0 },
			wantErr: "ESCROW_PERIOD must be positive",
		},
		{
			name:    "protocol fee over 10000",
			mutate:  func(c *Config) { c.ProtocolFeeBps = 10001 },
			wantErr: "PROTOCOL_FEE_BPS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
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

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "36h")
	setEnv(t, "TEST_INVALID", "not_a_duration")

	assert.Equal(t, 36*time.Hour, getEnvDuration("TEST_DUR", time.Hour))
	assert.Equal(t, time.Hour, getEnvDuration("NONEXISTENT_VAR", time.Hour))
	assert.Equal(t, time.Hour, getEnvDuration("TEST_INVALID", time.Hour)) // Falls back on parse error
}
