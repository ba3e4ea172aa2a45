// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config collects everything the API process needs at startup.
type Config struct {
	Port        string
	DatabaseURL string
	JWTSecret   string

	// OracleURL is the decryption network endpoint; OracleSecret verifies
	// callback proofs.
	OracleURL    string
	OracleSecret string

	// ProviderKey is the hex-encoded 32-byte key for the local confidential
	// provider. Empty means an ephemeral key (handles don't survive restarts).
	ProviderKey string

	DecryptionTimeout   time.Duration
	CaseTimeout         time.Duration
	AcceptLateCallbacks bool
}

// Load reads configuration, loading .env first if present.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:                getEnv("PORT", "8080"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		JWTSecret:           getEnv("JWT_SECRET", ""),
		OracleURL:           getEnv("ORACLE_URL", ""),
		OracleSecret:        getEnv("ORACLE_SECRET", ""),
		ProviderKey:         getEnv("PROVIDER_KEY", ""),
		DecryptionTimeout:   getEnvAsDuration("DECRYPTION_TIMEOUT", 7*24*time.Hour),
		CaseTimeout:         getEnvAsDuration("CASE_TIMEOUT", 90*24*time.Hour),
		AcceptLateCallbacks: getEnvAsBool("ACCEPT_LATE_CALLBACKS", true),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return value == "yes"
	}
	return b
}
