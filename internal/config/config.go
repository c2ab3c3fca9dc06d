package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the coaching service.
type Config struct {
	BindAddr                      string
	ShutdownTimeout               time.Duration
	RequestTimeout                time.Duration
	ConversationInactivityTimeout time.Duration
	MetricsNamespace              string
	AllowAnyOrigin                bool
	RateLimitPerMinute            int
	LogLevel                      string
	CatalogPath                   string

	SessionStore  string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
	SQLitePath    string

	RedisURL string
	LeaseTTL time.Duration

	GeneratorMode    string
	OllamaModel      string
	GeminiAPIKey     string
	GeminiModel      string
	GeneratorHTTPURL string

	EmbeddingMode      string
	EmbeddingModel     string
	MemoryEmbeddingDim int

	ChunkMinChars int
	ChunkMaxChars int

	GoodbyeSubstantialRatio float64
	ExtractionMinConfidence float64
	TopicCancelConfidence   float64
	TopicSuggestConfidence  float64

	InvokerMode    string
	InvokerHTTPURL string
	InvokerStream  string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "coachd"),
		LogLevel:         strings.ToLower(envOrDefault("COACHD_LOG_LEVEL", "info")),
		CatalogPath:      stringsTrimSpace("CATALOG_PATH"),

		SessionStore:  strings.ToLower(envOrDefault("SESSION_STORE", "auto")),
		DatabaseURL:   stringsTrimSpace("DATABASE_URL"),
		MongoURI:      stringsTrimSpace("MONGO_URI"),
		MongoDatabase: envOrDefault("MONGO_DATABASE", "coachd"),
		SQLitePath:    envOrDefault("SQLITE_PATH", "data/coachd.db"),
		RedisURL:      stringsTrimSpace("REDIS_URL"),

		GeneratorMode:    strings.ToLower(envOrDefault("GENERATOR_MODE", "auto")),
		OllamaModel:      envOrDefault("OLLAMA_MODEL", "llama3.2"),
		GeminiAPIKey:     stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:      envOrDefault("GEMINI_MODEL", "gemini-2.5-flash"),
		GeneratorHTTPURL: stringsTrimSpace("GENERATOR_HTTP_URL"),

		EmbeddingMode:  strings.ToLower(envOrDefault("EMBEDDING_MODE", "auto")),
		EmbeddingModel: envOrDefault("EMBEDDING_MODEL", "nomic-embed-text"),

		InvokerMode:    strings.ToLower(envOrDefault("INVOKER_MODE", "log")),
		InvokerHTTPURL: stringsTrimSpace("INVOKER_HTTP_URL"),
		InvokerStream:  envOrDefault("INVOKER_STREAM", "coachd:generation"),

		ShutdownTimeout:               15 * time.Second,
		RequestTimeout:                90 * time.Second,
		ConversationInactivityTimeout: 30 * time.Minute,
		RateLimitPerMinute:            30,
		LeaseTTL:                      2 * time.Minute,
		MemoryEmbeddingDim:            768,
		ChunkMinChars:                 30,
		ChunkMaxChars:                 60,
		GoodbyeSubstantialRatio:       0.8,
		ExtractionMinConfidence:       0.6,
		TopicCancelConfidence:         0.85,
		TopicSuggestConfidence:        0.6,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = durationFromEnv("APP_REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ConversationInactivityTimeout, err = durationFromEnv("APP_CONVERSATION_INACTIVITY_TIMEOUT", cfg.ConversationInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.LeaseTTL, err = durationFromEnv("LEASE_TTL", cfg.LeaseTTL); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitPerMinute, err = intFromEnv("APP_RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute); err != nil {
		return Config{}, err
	}
	if cfg.MemoryEmbeddingDim, err = intFromEnv("MEMORY_EMBEDDING_DIM", cfg.MemoryEmbeddingDim); err != nil {
		return Config{}, err
	}
	if cfg.ChunkMinChars, err = intFromEnv("CHUNK_MIN_CHARS", cfg.ChunkMinChars); err != nil {
		return Config{}, err
	}
	if cfg.ChunkMaxChars, err = intFromEnv("CHUNK_MAX_CHARS", cfg.ChunkMaxChars); err != nil {
		return Config{}, err
	}
	if cfg.GoodbyeSubstantialRatio, err = floatFromEnv("GOODBYE_SUBSTANTIAL_RATIO", cfg.GoodbyeSubstantialRatio); err != nil {
		return Config{}, err
	}
	if cfg.ExtractionMinConfidence, err = floatFromEnv("EXTRACTION_MIN_CONFIDENCE", cfg.ExtractionMinConfidence); err != nil {
		return Config{}, err
	}
	if cfg.TopicCancelConfidence, err = floatFromEnv("TOPIC_CANCEL_CONFIDENCE", cfg.TopicCancelConfidence); err != nil {
		return Config{}, err
	}
	if cfg.TopicSuggestConfidence, err = floatFromEnv("TOPIC_SUGGEST_CONFIDENCE", cfg.TopicSuggestConfidence); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ConversationInactivityTimeout < time.Minute {
		return fmt.Errorf("APP_CONVERSATION_INACTIVITY_TIMEOUT must be at least 1m")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("APP_REQUEST_TIMEOUT must be positive")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("LEASE_TTL must be positive")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("APP_RATE_LIMIT_PER_MINUTE must be >= 0")
	}
	if c.MemoryEmbeddingDim <= 0 {
		return fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}
	if c.ChunkMinChars <= 0 {
		return fmt.Errorf("CHUNK_MIN_CHARS must be positive")
	}
	if c.ChunkMaxChars < c.ChunkMinChars {
		return fmt.Errorf("CHUNK_MAX_CHARS must be >= CHUNK_MIN_CHARS")
	}
	for key, v := range map[string]float64{
		"GOODBYE_SUBSTANTIAL_RATIO": c.GoodbyeSubstantialRatio,
		"EXTRACTION_MIN_CONFIDENCE": c.ExtractionMinConfidence,
		"TOPIC_CANCEL_CONFIDENCE":   c.TopicCancelConfidence,
		"TOPIC_SUGGEST_CONFIDENCE":  c.TopicSuggestConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1]", key)
		}
	}
	if c.TopicSuggestConfidence > c.TopicCancelConfidence {
		return fmt.Errorf("TOPIC_SUGGEST_CONFIDENCE must not exceed TOPIC_CANCEL_CONFIDENCE")
	}

	if !oneOf(c.SessionStore, "auto", "memory", "postgres", "mongo", "sqlite") {
		return fmt.Errorf("SESSION_STORE %q is not supported", c.SessionStore)
	}
	if !oneOf(c.GeneratorMode, "auto", "ollama", "genai", "http", "mock") {
		return fmt.Errorf("GENERATOR_MODE %q is not supported", c.GeneratorMode)
	}
	if !oneOf(c.EmbeddingMode, "auto", "ollama", "genai", "none") {
		return fmt.Errorf("EMBEDDING_MODE %q is not supported", c.EmbeddingMode)
	}
	if !oneOf(c.InvokerMode, "log", "http", "redis") {
		return fmt.Errorf("INVOKER_MODE %q is not supported", c.InvokerMode)
	}
	if !oneOf(c.LogLevel, "debug", "info", "warn", "error") {
		return fmt.Errorf("COACHD_LOG_LEVEL %q is not supported", c.LogLevel)
	}

	if c.SessionStore == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("SESSION_STORE=postgres requires DATABASE_URL")
	}
	if c.SessionStore == "mongo" && c.MongoURI == "" {
		return fmt.Errorf("SESSION_STORE=mongo requires MONGO_URI")
	}
	if c.GeneratorMode == "genai" && c.GeminiAPIKey == "" {
		return fmt.Errorf("GENERATOR_MODE=genai requires GEMINI_API_KEY")
	}
	if c.GeneratorMode == "http" && c.GeneratorHTTPURL == "" {
		return fmt.Errorf("GENERATOR_MODE=http requires GENERATOR_HTTP_URL")
	}
	if c.InvokerMode == "http" && c.InvokerHTTPURL == "" {
		return fmt.Errorf("INVOKER_MODE=http requires INVOKER_HTTP_URL")
	}
	if c.InvokerMode == "redis" && c.RedisURL == "" {
		return fmt.Errorf("INVOKER_MODE=redis requires REDIS_URL")
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
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
