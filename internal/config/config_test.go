package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AuthRequiredFactors != 2 {
		t.Fatalf("AuthRequiredFactors = %d, want 2", cfg.AuthRequiredFactors)
	}
	if cfg.ProviderTimeout != 10*time.Second {
		t.Fatalf("ProviderTimeout = %v, want 10s", cfg.ProviderTimeout)
	}
	if cfg.HandoffTimeout != 5*time.Minute || cfg.HandoffPollInterval != 2*time.Second {
		t.Fatalf("handoff timing = %v/%v, want 5m/2s", cfg.HandoffTimeout, cfg.HandoffPollInterval)
	}
	if cfg.SessionTTL != 30*time.Minute || cfg.AuthTTL != 15*time.Minute {
		t.Fatalf("ttl = %v/%v, want 30m/15m", cfg.SessionTTL, cfg.AuthTTL)
	}
	if cfg.ProviderMode != "auto" || cfg.SessionStore != "auto" {
		t.Fatalf("modes = %q/%q, want auto/auto", cfg.ProviderMode, cfg.SessionStore)
	}
	if cfg.ProviderHTTPURL != "" {
		t.Fatalf("ProviderHTTPURL = %q, want empty default", cfg.ProviderHTTPURL)
	}
}

func TestLoadUsesExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("PROVIDER_MODE", "HTTP")
	t.Setenv("PROVIDER_HTTP_URL", "http://localhost:7777/agents")
	t.Setenv("AUTH_REQUIRED_FACTORS", "3")
	t.Setenv("HANDOFF_TIMEOUT", "90s")
	t.Setenv("APP_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want :9191", cfg.BindAddr)
	}
	if cfg.ProviderMode != "http" || cfg.ProviderHTTPURL != "http://localhost:7777/agents" {
		t.Fatalf("provider = %q %q", cfg.ProviderMode, cfg.ProviderHTTPURL)
	}
	if cfg.AuthRequiredFactors != 3 {
		t.Fatalf("AuthRequiredFactors = %d, want 3", cfg.AuthRequiredFactors)
	}
	if cfg.HandoffTimeout != 90*time.Second {
		t.Fatalf("HandoffTimeout = %v, want 90s", cfg.HandoffTimeout)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("SlogLevel() = %v, want debug", cfg.SlogLevel())
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad store":          {"SESSION_STORE": "redis"},
		"postgres no url":    {"SESSION_STORE": "postgres"},
		"pg lock no url":     {"SESSION_LOCK_MODE": "postgres"},
		"http no url":        {"PROVIDER_MODE": "http"},
		"openai no key":      {"PROVIDER_MODE": "openai"},
		"zero factors":       {"AUTH_REQUIRED_FACTORS": "0"},
		"bad duration":       {"HANDOFF_TIMEOUT": "soon"},
		"bad bool":           {"APP_ALLOW_ANY_ORIGIN": "maybe"},
		"short session ttl":  {"SESSION_TTL": "10s"},
		"bad trace exporter": {"TRACE_EXPORTER": "jaeger"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want validation error")
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_LOG_LEVEL",
		"APP_RATE_LIMIT_PER_SEC",
		"APP_RATE_BURST",
		"SESSION_STORE",
		"SESSION_TTL",
		"SESSION_LOCK_MODE",
		"SESSION_SWEEP_INTERVAL",
		"DATABASE_URL",
		"SQLITE_PATH",
		"BADGER_PATH",
		"AUTH_REQUIRED_FACTORS",
		"AUTH_TTL",
		"PROVIDER_MODE",
		"PROVIDER_HTTP_URL",
		"PROVIDER_TIMEOUT",
		"PROVIDER_RETRY_BACKOFF",
		"OPENAI_API_KEY",
		"OPENAI_MODEL",
		"OPENAI_BASE_URL",
		"FAQ_KB_PATH",
		"HANDOFF_TIMEOUT",
		"HANDOFF_POLL_INTERVAL",
		"HISTORY_WINDOW",
		"TRACE_EXPORTER",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
