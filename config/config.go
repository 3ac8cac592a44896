package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string
	MistralAPIKey   string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Credits
	CreditsPerUSD       float64       // credits minted per USD of provider cost, default: 100
	CreditMargin        float64       // markup applied on top of raw provider cost, default: 1.3
	CreditFloor         int64         // minimum balance before a call is attempted, default: 1
	FailOpenBalance     int64         // balance assumed when the store is down during a read, default: 25
	EntitlementCacheTTL time.Duration // default: 60s

	// Billing UX
	UpgradeBaseURL string // default: "https://javari.ai"

	// Metering
	MeterQueueSize int // default: 1024
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		MistralAPIKey:        os.Getenv("MISTRAL_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		UpgradeBaseURL:       getEnv("UPGRADE_BASE_URL", "https://javari.ai"),
	}

	var err error
	if cfg.DefaultRateLimitTPM, err = getInt64("DEFAULT_RATE_LIMIT_TPM", 100000); err != nil {
		return nil, err
	}
	if cfg.CreditsPerUSD, err = getFloat("CREDITS_PER_USD", 100); err != nil {
		return nil, err
	}
	if cfg.CreditMargin, err = getFloat("CREDIT_MARGIN", 1.3); err != nil {
		return nil, err
	}
	if cfg.CreditFloor, err = getInt64("CREDIT_FLOOR", 1); err != nil {
		return nil, err
	}
	if cfg.FailOpenBalance, err = getInt64("CREDIT_FAILOPEN_BALANCE", 25); err != nil {
		return nil, err
	}
	ttlSec, err := getInt64("ENTITLEMENT_CACHE_TTL_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	cfg.EntitlementCacheTTL = time.Duration(ttlSec) * time.Second

	queue, err := getInt64("METER_QUEUE_SIZE", 1024)
	if err != nil {
		return nil, err
	}
	cfg.MeterQueueSize = int(queue)

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.CreditMargin < 1 {
		return nil, fmt.Errorf("CREDIT_MARGIN must be >= 1, got %v", cfg.CreditMargin)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) (int64, error) {
	str, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	str, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
