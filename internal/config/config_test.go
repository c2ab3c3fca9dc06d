package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.SessionStore != "auto" || cfg.GeneratorMode != "auto" || cfg.InvokerMode != "log" {
		t.Fatalf("modes = %q/%q/%q, want auto/auto/log", cfg.SessionStore, cfg.GeneratorMode, cfg.InvokerMode)
	}
	if cfg.ChunkMinChars != 30 || cfg.ChunkMaxChars != 60 {
		t.Fatalf("chunk thresholds = %d/%d, want 30/60", cfg.ChunkMinChars, cfg.ChunkMaxChars)
	}
	if cfg.GoodbyeSubstantialRatio != 0.8 {
		t.Fatalf("GoodbyeSubstantialRatio = %v, want 0.8", cfg.GoodbyeSubstantialRatio)
	}
	if cfg.TopicCancelConfidence != 0.85 || cfg.TopicSuggestConfidence != 0.6 {
		t.Fatalf("topic thresholds = %v/%v, want 0.85/0.6", cfg.TopicCancelConfidence, cfg.TopicSuggestConfidence)
	}
	if cfg.RequestTimeout != 90*time.Second {
		t.Fatalf("RequestTimeout = %v, want 90s", cfg.RequestTimeout)
	}
	if cfg.GeneratorHTTPURL != "" {
		t.Fatalf("GeneratorHTTPURL = %q, want empty default", cfg.GeneratorHTTPURL)
	}
}

func TestLoadUsesExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("GENERATOR_MODE", "HTTP")
	t.Setenv("GENERATOR_HTTP_URL", " http://localhost:7777/generate ")
	t.Setenv("CHUNK_MIN_CHARS", "10")
	t.Setenv("CHUNK_MAX_CHARS", "20")
	t.Setenv("GOODBYE_SUBSTANTIAL_RATIO", "0.5")
	t.Setenv("LEASE_TTL", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GeneratorMode != "http" {
		t.Fatalf("GeneratorMode = %q, want http", cfg.GeneratorMode)
	}
	if cfg.GeneratorHTTPURL != "http://localhost:7777/generate" {
		t.Fatalf("GeneratorHTTPURL = %q, want trimmed explicit value", cfg.GeneratorHTTPURL)
	}
	if cfg.ChunkMinChars != 10 || cfg.ChunkMaxChars != 20 {
		t.Fatalf("chunk thresholds = %d/%d, want 10/20", cfg.ChunkMinChars, cfg.ChunkMaxChars)
	}
	if cfg.GoodbyeSubstantialRatio != 0.5 {
		t.Fatalf("GoodbyeSubstantialRatio = %v, want 0.5", cfg.GoodbyeSubstantialRatio)
	}
	if cfg.LeaseTTL != 45*time.Second {
		t.Fatalf("LeaseTTL = %v, want 45s", cfg.LeaseTTL)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"chunk max below min", map[string]string{"CHUNK_MIN_CHARS": "50", "CHUNK_MAX_CHARS": "40"}, "CHUNK_MAX_CHARS"},
		{"chunk min zero", map[string]string{"CHUNK_MIN_CHARS": "0"}, "CHUNK_MIN_CHARS"},
		{"ratio above one", map[string]string{"GOODBYE_SUBSTANTIAL_RATIO": "1.5"}, "GOODBYE_SUBSTANTIAL_RATIO"},
		{"suggest above cancel", map[string]string{"TOPIC_SUGGEST_CONFIDENCE": "0.9"}, "TOPIC_SUGGEST_CONFIDENCE"},
		{"unknown store", map[string]string{"SESSION_STORE": "etcd"}, "SESSION_STORE"},
		{"http invoker without url", map[string]string{"INVOKER_MODE": "http"}, "INVOKER_HTTP_URL"},
		{"redis invoker without url", map[string]string{"INVOKER_MODE": "redis"}, "REDIS_URL"},
		{"bad float", map[string]string{"EXTRACTION_MIN_CONFIDENCE": "high"}, "parse error"},
		{"bad bool", map[string]string{"APP_ALLOW_ANY_ORIGIN": "maybe"}, "expected bool"},
		{"short inactivity", map[string]string{"APP_CONVERSATION_INACTIVITY_TIMEOUT": "10s"}, "at least 1m"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_REQUEST_TIMEOUT",
		"APP_CONVERSATION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_RATE_LIMIT_PER_MINUTE",
		"COACHD_LOG_LEVEL",
		"CATALOG_PATH",
		"SESSION_STORE",
		"DATABASE_URL",
		"MONGO_URI",
		"MONGO_DATABASE",
		"SQLITE_PATH",
		"REDIS_URL",
		"LEASE_TTL",
		"GENERATOR_MODE",
		"OLLAMA_MODEL",
		"GEMINI_API_KEY",
		"GEMINI_MODEL",
		"GENERATOR_HTTP_URL",
		"EMBEDDING_MODE",
		"EMBEDDING_MODEL",
		"MEMORY_EMBEDDING_DIM",
		"CHUNK_MIN_CHARS",
		"CHUNK_MAX_CHARS",
		"GOODBYE_SUBSTANTIAL_RATIO",
		"EXTRACTION_MIN_CONFIDENCE",
		"TOPIC_CANCEL_CONFIDENCE",
		"TOPIC_SUGGEST_CONFIDENCE",
		"INVOKER_MODE",
		"INVOKER_HTTP_URL",
		"INVOKER_STREAM",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
