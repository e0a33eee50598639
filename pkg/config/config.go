// Package config loads server configuration from environment variables
// and per-policy governance profiles from YAML.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DBDriver selects the database/sql driver: "sqlite" or "postgres".
	DBDriver string
	DBDSN    string

	// RedisAddr enables the Redis event emitter when non-empty.
	RedisAddr     string
	RedisPassword string

	// SignerSeed is the hex master seed for HKDF key derivation.
	// SignerKeyID names the derived signing key.
	SignerSeed  string
	SignerKeyID string

	// ProfilesPath points at the governance profile YAML. Empty means
	// defaults for every policy.
	ProfilesPath string

	// SLAScanInterval is the sweep period of the review-queue scanner.
	SLAScanInterval time.Duration

	// JWTSecret signs reviewer tokens. Empty disables auth (dev only).
	JWTSecret string

	// RateLimitPerSecond / RateLimitBurst bound requests per client IP.
	RateLimitPerSecond float64
	RateLimitBurst     int

	OTELEnabled  bool
	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("DB_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		if driver == "postgres" {
			dsn = "postgres://ordinance@localhost:5432/ordinance?sslmode=disable"
		} else {
			dsn = "file:ordinance.db?_pragma=journal_mode(WAL)"
		}
	}

	keyID := os.Getenv("SIGNER_KEY_ID")
	if keyID == "" {
		keyID = "ordinance-signing-1"
	}

	return &Config{
		Port:               port,
		LogLevel:           logLevel,
		DBDriver:           driver,
		DBDSN:              dsn,
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		SignerSeed:         os.Getenv("SIGNER_SEED"),
		SignerKeyID:        keyID,
		ProfilesPath:       os.Getenv("GOVERNANCE_PROFILES"),
		SLAScanInterval:    envDuration("SLA_SCAN_INTERVAL", time.Minute),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		RateLimitPerSecond: envFloat("RATE_LIMIT_PER_SECOND", 20),
		RateLimitBurst:     envInt("RATE_LIMIT_BURST", 40),
		OTELEnabled:        os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
