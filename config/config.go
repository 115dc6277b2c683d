package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080
	Env  string // "production" or "development"

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Identity provider
	IdentityVerifyURL string

	// Upstream provider
	GeminiAPIKey  string
	GeminiBaseURL string // default: https://generativelanguage.googleapis.com

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Usage recording
	UsageQueueSize      int // default: 256
	UsageDeadLetterSize int // default: 64
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  getEnv("APP_ENV", "production"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		IdentityVerifyURL:    os.Getenv("IDENTITY_VERIFY_URL"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		GeminiBaseURL:        getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	queueSize, err := getEnvInt("USAGE_QUEUE_SIZE", 256)
	if err != nil {
		return nil, err
	}
	cfg.UsageQueueSize = queueSize

	deadLetterSize, err := getEnvInt("USAGE_DEAD_LETTER_SIZE", 64)
	if err != nil {
		return nil, err
	}
	cfg.UsageDeadLetterSize = deadLetterSize

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.IdentityVerifyURL == "" {
		return nil, fmt.Errorf("IDENTITY_VERIFY_URL is required")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}

	return cfg, nil
}

// Development reports whether internal-error responses may carry
// diagnostic detail.
func (c *Config) Development() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
