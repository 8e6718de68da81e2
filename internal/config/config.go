package config

import (
	"crypto/subtle"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DBPath      string
	FounderName string

	// RegistrationSecrets are the accepted registration secrets. More than
	// one may be configured so secrets can be rotated without downtime.
	RegistrationSecrets []string
}

// Load reads configuration from environment variables. In development, it
// loads from a .env file if present. At least one registration secret is
// required; without it the service cannot gate registrations, so Load panics.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "3000"),
		Env:         getEnv("ENV", "development"),
		DBPath:      getEnv("DB_PATH", "./data/crabhouse.db"),
		FounderName: getEnv("FOUNDER_NAME", "Aletheia"),
	}

	// Comma-separated list, with REGISTRATION_SECRET as a single-value
	// fallback.
	raw := os.Getenv("REGISTRATION_SECRETS")
	if raw == "" {
		raw = os.Getenv("REGISTRATION_SECRET")
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			cfg.RegistrationSecrets = append(cfg.RegistrationSecrets, entry)
		}
	}

	if len(cfg.RegistrationSecrets) == 0 {
		panic("REGISTRATION_SECRETS (or REGISTRATION_SECRET) must be set")
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// AcceptsSecret reports whether the supplied registration secret matches any
// configured secret. Each comparison is constant-time.
func (c *Config) AcceptsSecret(secret string) bool {
	ok := false
	for _, candidate := range c.RegistrationSecrets {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) == 1 {
			ok = true
		}
	}
	return ok
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
