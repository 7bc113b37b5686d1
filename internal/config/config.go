// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded at startup from environment
// variables. Runtime-tunable matching and risk parameters live in Snapshot
// (see snapshot.go), which is hot-reloadable.
type Config struct {
	DatabaseURL string
	RedisAddr   string
	RedisDB     int
	LogLevel    string
	DevMode     bool

	// MLInferenceURL is the risk tier-2 scoring endpoint. Empty disables the
	// ML path entirely; the risk engine then always runs rule-only.
	MLInferenceURL string

	// AllowAdhocLocations permits postings from ad-hoc coordinates in
	// addition to registered partner locations.
	AllowAdhocLocations bool

	// PublisherWorkers is the outbox publisher partition count.
	PublisherWorkers int

	// Budgets for outbound calls. Every DB, cache, inference and publish
	// call carries one of these deadlines.
	Tier1Budget    time.Duration
	Tier2Budget    time.Duration
	MatchBudget    time.Duration
	PublishBudget  time.Duration
	ReservationTTL time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:         getEnv("DATABASE_URL", "postgres://localhost:5432/tradecore?sslmode=disable"),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:             getEnvAsInt("REDIS_DB", 0),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DevMode:             getEnvAsBool("DEV_MODE", false),
		MLInferenceURL:      getEnv("ML_INFERENCE_URL", ""),
		AllowAdhocLocations: getEnvAsBool("ALLOW_ADHOC_LOCATIONS", true),
		PublisherWorkers:    getEnvAsInt("PUBLISHER_WORKERS", 4),
		Tier1Budget:         getEnvAsDuration("RISK_TIER1_BUDGET", 200*time.Millisecond),
		Tier2Budget:         getEnvAsDuration("RISK_TIER2_BUDGET", 500*time.Millisecond),
		MatchBudget:         getEnvAsDuration("MATCH_PIPELINE_BUDGET", 3*time.Second),
		PublishBudget:       getEnvAsDuration("OUTBOX_PUBLISH_BUDGET", 10*time.Second),
		ReservationTTL:      getEnvAsDuration("RESERVATION_TTL", 24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.PublisherWorkers < 1 {
		return fmt.Errorf("PUBLISHER_WORKERS must be at least 1")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if dur, err := time.ParseDuration(value); err == nil {
			return dur
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
