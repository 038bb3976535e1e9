// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/flowtrace/flowtrace/internal/detect"
	"github.com/flowtrace/flowtrace/internal/risk"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)

	// Security
	RateLimitRPS int

	// Detection parameters
	MaxCycleLength          int
	MinCycleAmount          decimal.Decimal
	FanWindow               time.Duration
	FanMinCounterparties    int
	FanMinAmount            decimal.Decimal
	PassThroughWindow       time.Duration
	PassThroughTolerancePct float64

	// Risk thresholds: per-kind "low,medium,high" cutpoints
	RiskThresholdsVersion string
	RiskCutpoints         map[detect.Kind]risk.Cutpoints
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultRateLimit = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	defaults := detect.DefaultParams()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:    getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:  os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		RiskThresholdsVersion: getEnv("RISK_THRESHOLDS_VERSION", "default-v1"),
	}

	// A set-but-unparsable variable is a configuration error, never a
	// silent fallback to the default.
	var err error
	if cfg.RateLimitRPS, err = getEnvInt("RATE_LIMIT_RPS", DefaultRateLimit); err != nil {
		return nil, err
	}
	if cfg.MaxCycleLength, err = getEnvInt("MAX_CYCLE_LENGTH", defaults.MaxCycleLength); err != nil {
		return nil, err
	}
	if cfg.FanWindow, err = getEnvDuration("FAN_WINDOW", defaults.FanWindow); err != nil {
		return nil, err
	}
	if cfg.FanMinCounterparties, err = getEnvInt("FAN_MIN_COUNTERPARTIES", defaults.FanMinCounterparties); err != nil {
		return nil, err
	}
	if cfg.PassThroughWindow, err = getEnvDuration("PASSTHROUGH_WINDOW", defaults.PassThroughWindow); err != nil {
		return nil, err
	}
	if cfg.PassThroughTolerancePct, err = getEnvFloat("PASSTHROUGH_TOLERANCE_PCT", defaults.PassThroughTolerancePct); err != nil {
		return nil, err
	}
	if cfg.MinCycleAmount, err = getEnvDecimal("MIN_CYCLE_AMOUNT", defaults.MinCycleAmount); err != nil {
		return nil, err
	}
	if cfg.FanMinAmount, err = getEnvDecimal("FAN_MIN_AMOUNT", defaults.FanMinAmount); err != nil {
		return nil, err
	}
	if cfg.RiskCutpoints, err = loadCutpoints(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the assembled configuration is internally consistent.
func (c *Config) Validate() error {
	if err := c.DetectionParams().Validate(); err != nil {
		return err
	}
	if err := c.RiskThresholds().Validate(); err != nil {
		return err
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
	}
	return nil
}

// DetectionParams assembles the configured detection parameters.
func (c *Config) DetectionParams() detect.Params {
	return detect.Params{
		MaxCycleLength:          c.MaxCycleLength,
		MinCycleAmount:          c.MinCycleAmount,
		FanWindow:               c.FanWindow,
		FanMinCounterparties:    c.FanMinCounterparties,
		FanMinAmount:            c.FanMinAmount,
		PassThroughWindow:       c.PassThroughWindow,
		PassThroughTolerancePct: c.PassThroughTolerancePct,
	}
}

// RiskThresholds assembles the configured cutpoint table.
func (c *Config) RiskThresholds() risk.Thresholds {
	cutpoints := c.RiskCutpoints
	if len(cutpoints) == 0 {
		cutpoints = risk.DefaultThresholds().Cutpoints
	}
	return risk.Thresholds{
		Version:   c.RiskThresholdsVersion,
		Cutpoints: cutpoints,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// loadCutpoints reads RISK_CUTPOINTS_<KIND> variables, each holding a
// "low,medium,high" triple, e.g. RISK_CUTPOINTS_CYCLE="1000,10000,100000".
func loadCutpoints() (map[detect.Kind]risk.Cutpoints, error) {
	kinds := map[string]detect.Kind{
		"CYCLE":       detect.KindCycle,
		"FAN_IN":      detect.KindFanIn,
		"FAN_OUT":     detect.KindFanOut,
		"RAPID_CHAIN": detect.KindRapidChain,
	}

	cutpoints := make(map[detect.Kind]risk.Cutpoints)
	for suffix, kind := range kinds {
		raw := os.Getenv("RISK_CUTPOINTS_" + suffix)
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("RISK_CUTPOINTS_%s: want \"low,medium,high\", got %q", suffix, raw)
		}
		var vals [3]decimal.Decimal
		for i, p := range parts {
			v, err := decimal.NewFromString(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("RISK_CUTPOINTS_%s: %w", suffix, err)
			}
			vals[i] = v
		}
		cutpoints[kind] = risk.Cutpoints{Low: vals[0], Medium: vals[1], High: vals[2]}
	}
	if len(cutpoints) == 0 {
		return nil, nil
	}
	return cutpoints, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return i, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
