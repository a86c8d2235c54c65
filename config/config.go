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

	// Cache / shared state
	RedisAddr string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	RateLimitBackend     string // "local", "redis" or "off"
	RateLimitMaxRequests int64  // requests per window, default: 1000
	RateLimitWindow      time.Duration
	RateLimitBurst       int64

	// Ingestion
	MaxBatchSize int // max records per batch call, default: 1000

	// Stream consumer
	StreamEnabled bool
	StreamKey     string // default: "costops:usage"
	StreamGroup   string // default: "costops"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		RateLimitBackend:     getEnv("RATE_LIMIT_BACKEND", "local"),
		StreamEnabled:        getEnv("STREAM_ENABLED", "false") == "true",
		StreamKey:            getEnv("STREAM_KEY", "costops:usage"),
		StreamGroup:          getEnv("STREAM_GROUP", "costops"),
	}

	maxReq, err := getEnvInt64("RATE_LIMIT_MAX_REQUESTS", 1000)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitMaxRequests = maxReq

	windowSecs, err := getEnvInt64("RATE_LIMIT_WINDOW_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitWindow = time.Duration(windowSecs) * time.Second

	burst, err := getEnvInt64("RATE_LIMIT_BURST", 100)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitBurst = burst

	maxBatch, err := getEnvInt64("MAX_BATCH_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	cfg.MaxBatchSize = int(maxBatch)

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" && (cfg.RateLimitBackend == "redis" || cfg.StreamEnabled) {
		return nil, fmt.Errorf("REDIS_ADDR is required when the redis rate-limit backend or the stream consumer is enabled")
	}
	switch cfg.RateLimitBackend {
	case "local", "redis", "off":
	default:
		return nil, fmt.Errorf("invalid RATE_LIMIT_BACKEND %q (want local, redis or off)", cfg.RateLimitBackend)
	}
	if cfg.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("MAX_BATCH_SIZE must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
