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

	// Model artifacts (loaded once at startup, serving refused if unavailable)
	ModelPath  string // ONNX classifier
	ScalerPath string // JSON affine scaler

	// Classification policy
	PolicyPreset     string  // "standard" or "strict" (or a name from PolicyFile)
	PolicyFile       string  // optional YAML file with named presets
	FraudThreshold   float64 // overrides the preset threshold when >= 0
	OverrideDiscount float64 // overrides the preset discount cutoff when >= 0

	// Evidence capture
	EvidenceDir string

	// Remote ledger replication (disabled when URL is empty)
	RemoteLedgerURL    string
	RemoteLedgerSecret string // HMAC secret for signing replicated rows
	ReplicateTimeout   time.Duration
	ReplicateAttempts  int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint, tracing disabled when empty

	// Security
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultModelPath         = "artifacts/fraud_model.onnx"
	DefaultScalerPath        = "artifacts/scaler.json"
	DefaultPolicyPreset      = "standard"
	DefaultEvidenceDir       = "fraud_photos"
	DefaultReplicateTimeout  = 10 * time.Second
	DefaultReplicateAttempts = 3
	DefaultRateLimit         = 120
)

// unsetFloat marks a float env var as not provided.
const unsetFloat = -1

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ModelPath:          getEnv("MODEL_PATH", DefaultModelPath),
		ScalerPath:         getEnv("SCALER_PATH", DefaultScalerPath),
		PolicyPreset:       getEnv("POLICY_PRESET", DefaultPolicyPreset),
		PolicyFile:         os.Getenv("POLICY_FILE"),
		FraudThreshold:     getEnvFloat("FRAUD_THRESHOLD", unsetFloat),
		OverrideDiscount:   getEnvFloat("OVERRIDE_DISCOUNT", unsetFloat),
		EvidenceDir:        getEnv("EVIDENCE_DIR", DefaultEvidenceDir),
		RemoteLedgerURL:    os.Getenv("REMOTE_LEDGER_URL"),
		RemoteLedgerSecret: os.Getenv("REMOTE_LEDGER_SECRET"),
		ReplicateTimeout:   getEnvDuration("REPLICATE_TIMEOUT", DefaultReplicateTimeout),
		ReplicateAttempts:  int(getEnvInt64("REPLICATE_ATTEMPTS", DefaultReplicateAttempts)),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ModelPath == "" {
		return fmt.Errorf("MODEL_PATH is required")
	}
	if c.ScalerPath == "" {
		return fmt.Errorf("SCALER_PATH is required")
	}
	if c.EvidenceDir == "" {
		return fmt.Errorf("EVIDENCE_DIR is required")
	}
	if c.FraudThreshold != unsetFloat && (c.FraudThreshold < 0 || c.FraudThreshold > 1) {
		return fmt.Errorf("FRAUD_THRESHOLD must be in [0,1], got %v", c.FraudThreshold)
	}
	if c.OverrideDiscount != unsetFloat && (c.OverrideDiscount < 0 || c.OverrideDiscount > 100) {
		return fmt.Errorf("OVERRIDE_DISCOUNT must be in [0,100], got %v", c.OverrideDiscount)
	}
	if c.ReplicateTimeout <= 0 {
		return fmt.Errorf("REPLICATE_TIMEOUT must be positive")
	}
	if c.ReplicateAttempts <= 0 {
		return fmt.Errorf("REPLICATE_ATTEMPTS must be positive")
	}
	return nil
}

// HasThresholdOverride reports whether FRAUD_THRESHOLD was provided.
func (c *Config) HasThresholdOverride() bool {
	return c.FraudThreshold != unsetFloat
}

// HasDiscountOverride reports whether OVERRIDE_DISCOUNT was provided.
func (c *Config) HasDiscountOverride() bool {
	return c.OverrideDiscount != unsetFloat
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
