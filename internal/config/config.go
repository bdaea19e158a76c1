package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the helpdesk orchestrator.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         string
	RateLimitPerSec  float64
	RateBurst        int

	SessionStore         string
	SessionTTL           time.Duration
	SessionLockMode      string
	SessionSweepInterval time.Duration
	DatabaseURL          string
	SQLitePath           string
	BadgerPath           string

	AuthRequiredFactors int
	AuthTTL             time.Duration

	ProviderMode         string
	ProviderHTTPURL      string
	ProviderTimeout      time.Duration
	ProviderRetryBackoff time.Duration
	OpenAIAPIKey         string
	OpenAIModel          string
	OpenAIBaseURL        string
	FAQKBPath            string

	HandoffTimeout      time.Duration
	HandoffPollInterval time.Duration
	HistoryWindow       int

	TraceExporter string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "helpdesk"),
		LogLevel:         strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		RateLimitPerSec:  2,
		RateBurst:        5,
		SessionStore:     strings.ToLower(envOrDefault("SESSION_STORE", "auto")),
		SessionLockMode:  strings.ToLower(envOrDefault("SESSION_LOCK_MODE", "local")),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		SQLitePath:       envOrDefault("SQLITE_PATH", "data/helpdesk.db"),
		BadgerPath:       envOrDefault("BADGER_PATH", "data/badger"),
		ProviderMode:     strings.ToLower(envOrDefault("PROVIDER_MODE", "auto")),
		ProviderHTTPURL:  stringsTrimSpace("PROVIDER_HTTP_URL"),
		OpenAIAPIKey:     stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIModel:      envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:    stringsTrimSpace("OPENAI_BASE_URL"),
		FAQKBPath:        stringsTrimSpace("FAQ_KB_PATH"),
		TraceExporter:    strings.ToLower(envOrDefault("TRACE_EXPORTER", "none")),

		ShutdownTimeout:      15 * time.Second,
		SessionTTL:           30 * time.Minute,
		SessionSweepInterval: time.Minute,
		AuthRequiredFactors:  2,
		AuthTTL:              15 * time.Minute,
		ProviderTimeout:      10 * time.Second,
		ProviderRetryBackoff: 250 * time.Millisecond,
		HandoffTimeout:       5 * time.Minute,
		HandoffPollInterval:  2 * time.Second,
		HistoryWindow:        10,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitPerSec, err = floatFromEnv("APP_RATE_LIMIT_PER_SEC", cfg.RateLimitPerSec); err != nil {
		return Config{}, err
	}
	if cfg.RateBurst, err = intFromEnv("APP_RATE_BURST", cfg.RateBurst); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL, err = durationFromEnv("SESSION_TTL", cfg.SessionTTL); err != nil {
		return Config{}, err
	}
	if cfg.SessionSweepInterval, err = durationFromEnv("SESSION_SWEEP_INTERVAL", cfg.SessionSweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.AuthRequiredFactors, err = intFromEnv("AUTH_REQUIRED_FACTORS", cfg.AuthRequiredFactors); err != nil {
		return Config{}, err
	}
	if cfg.AuthTTL, err = durationFromEnv("AUTH_TTL", cfg.AuthTTL); err != nil {
		return Config{}, err
	}
	if cfg.ProviderTimeout, err = durationFromEnv("PROVIDER_TIMEOUT", cfg.ProviderTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ProviderRetryBackoff, err = durationFromEnv("PROVIDER_RETRY_BACKOFF", cfg.ProviderRetryBackoff); err != nil {
		return Config{}, err
	}
	if cfg.HandoffTimeout, err = durationFromEnv("HANDOFF_TIMEOUT", cfg.HandoffTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HandoffPollInterval, err = durationFromEnv("HANDOFF_POLL_INTERVAL", cfg.HandoffPollInterval); err != nil {
		return Config{}, err
	}
	if cfg.HistoryWindow, err = intFromEnv("HISTORY_WINDOW", cfg.HistoryWindow); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.SessionStore {
	case "auto", "memory", "postgres", "sqlite", "badger":
	default:
		return fmt.Errorf("SESSION_STORE must be one of auto|memory|postgres|sqlite|badger")
	}
	if c.SessionStore == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("SESSION_STORE=postgres requires DATABASE_URL")
	}
	switch c.SessionLockMode {
	case "local":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("SESSION_LOCK_MODE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("SESSION_LOCK_MODE must be one of local|postgres")
	}
	switch c.ProviderMode {
	case "auto", "http", "openai", "mock":
	default:
		return fmt.Errorf("PROVIDER_MODE must be one of auto|http|openai|mock")
	}
	if c.ProviderMode == "http" && c.ProviderHTTPURL == "" {
		return fmt.Errorf("PROVIDER_MODE=http requires PROVIDER_HTTP_URL")
	}
	if c.ProviderMode == "openai" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("PROVIDER_MODE=openai requires OPENAI_API_KEY")
	}
	switch c.TraceExporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("TRACE_EXPORTER must be one of none|stdout")
	}
	if c.SessionTTL < time.Minute {
		return fmt.Errorf("SESSION_TTL must be at least 1m")
	}
	if c.AuthRequiredFactors <= 0 {
		return fmt.Errorf("AUTH_REQUIRED_FACTORS must be positive")
	}
	if c.AuthTTL <= 0 {
		return fmt.Errorf("AUTH_TTL must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.HandoffTimeout <= 0 || c.HandoffPollInterval <= 0 {
		return fmt.Errorf("HANDOFF_TIMEOUT and HANDOFF_POLL_INTERVAL must be positive")
	}
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("HISTORY_WINDOW must be positive")
	}
	if c.RateLimitPerSec <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("APP_RATE_LIMIT_PER_SEC and APP_RATE_BURST must be positive")
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level; unknown values fall back to info.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
