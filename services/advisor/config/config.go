// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config builds the immutable configuration snapshot for the advisor
// service.
//
// Configuration is read once at startup from environment variables,
// optionally seeded from a .env file. The resulting Config value is passed by
// pointer to every component and never mutated afterwards; there is no
// hot-reload. Defaults match the reference deployment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for the chat serving core. These are the documented values of the
// recognized options; see the deployment docs before changing any of them.
const (
	DefaultPort               = "12310"
	DefaultEmbeddingDim       = 384
	DefaultRAGTopK            = 5
	DefaultRAGThreshold       = 0.7
	DefaultRAGMaxContextChars = 2000
	DefaultHistoryN           = 10
	DefaultMessageMaxChars    = 2000
	DefaultTokenBudgetIn      = 3500
	DefaultChatLimitPerMinute = 20
	DefaultMaxConnPerUser     = 5
	DefaultAuthTimeout        = 30 * time.Second
	DefaultPrefetchTimeout    = 800 * time.Millisecond
	DefaultResponseCacheTTL   = 2 * time.Hour
	DefaultEmbeddingCacheTTL  = 24 * time.Hour
	DefaultProfileCacheTTL    = 5 * time.Minute
	DefaultHistoryCacheTTL    = 60 * time.Second
)

// Config is the advisor service configuration snapshot.
type Config struct {
	// Port is the HTTP listen port.
	Port string

	// Chat serving knobs (spec'd options).
	EmbeddingDim       int
	RAGTopK            int
	RAGThreshold       float64
	RAGMaxContextChars int
	HistoryN           int
	MessageMaxChars    int
	TokenBudgetIn      int
	ChatLimitPerMinute int
	MaxConnPerUser     int
	AuthTimeout        time.Duration
	PrefetchTimeout    time.Duration
	ResponseCacheTTL   time.Duration
	EmbeddingCacheTTL  time.Duration
	ProfileCacheTTL    time.Duration
	HistoryCacheTTL    time.Duration

	// Cache backend.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Vector store backend: "weaviate" or "chromem".
	VectorBackend      string
	WeaviateServiceURL string
	WeaviateClass      string
	ChromemPersistPath string

	// Conversation store.
	ConversationDBPath string

	// LLM backend: "openai" or "ollama".
	LLMBackendType string
	OllamaBaseURL  string
	OllamaModel    string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAIModel    string

	// Embedding sidecar.
	EmbeddingServiceURL string
	EmbeddingModel      string

	// Token verification.
	AuthJWKSURL  string
	AuthIssuer   string
	AuthAudience string

	// Observability.
	OTELEndpoint string
}

// Load reads the configuration from the environment.
//
// A .env file in the working directory is applied first when present so local
// development matches the container environment. Missing options fall back to
// the documented defaults; malformed numeric options are rejected.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment overrides from .env file")
	}

	cfg := &Config{
		Port:               envOr("ADVISOR_PORT", DefaultPort),
		VectorBackend:      envOr("VECTOR_BACKEND", "weaviate"),
		WeaviateServiceURL: envOr("WEAVIATE_SERVICE_URL", "http://fincoach-weaviate:8080"),
		WeaviateClass:      envOr("WEAVIATE_CLASS", "KnowledgeChunk"),
		ChromemPersistPath: os.Getenv("CHROMEM_PERSIST_PATH"),
		ConversationDBPath: envOr("CONVERSATION_DB_PATH", "/var/lib/fincoach/conversations.db"),
		RedisAddr:          envOr("REDIS_ADDR", "fincoach-redis:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		LLMBackendType:     envOr("LLM_BACKEND_TYPE", "ollama"),
		OllamaBaseURL:      envOr("OLLAMA_BASE_URL", "http://fincoach-ollama:11434"),
		OllamaModel:        envOr("OLLAMA_MODEL", "llama3.1"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:      os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:        envOr("OPENAI_MODEL", "gpt-4o-mini"),
		EmbeddingServiceURL: envOr("EMBEDDING_SERVICE_URL",
			"http://fincoach-embeddings:11434"),
		EmbeddingModel: envOr("EMBEDDING_MODEL", "all-minilm"),
		AuthJWKSURL:    os.Getenv("AUTH_JWKS_URL"),
		AuthIssuer:     os.Getenv("AUTH_ISSUER"),
		AuthAudience:   os.Getenv("AUTH_AUDIENCE"),
		OTELEndpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "fincoach-otel-collector:4317"),
	}

	var err error
	if cfg.EmbeddingDim, err = envInt("EMBEDDING_DIM", DefaultEmbeddingDim); err != nil {
		return nil, err
	}
	if cfg.RAGTopK, err = envInt("RAG_TOP_K", DefaultRAGTopK); err != nil {
		return nil, err
	}
	if cfg.RAGThreshold, err = envFloat("RAG_THRESHOLD", DefaultRAGThreshold); err != nil {
		return nil, err
	}
	if cfg.RAGMaxContextChars, err = envInt("RAG_MAX_CTX_CHARS", DefaultRAGMaxContextChars); err != nil {
		return nil, err
	}
	if cfg.HistoryN, err = envInt("HISTORY_N", DefaultHistoryN); err != nil {
		return nil, err
	}
	if cfg.MessageMaxChars, err = envInt("MESSAGE_MAX_CHARS", DefaultMessageMaxChars); err != nil {
		return nil, err
	}
	if cfg.TokenBudgetIn, err = envInt("TOKEN_BUDGET_IN", DefaultTokenBudgetIn); err != nil {
		return nil, err
	}
	if cfg.ChatLimitPerMinute, err = envInt("CHAT_LIMIT_PER_MINUTE", DefaultChatLimitPerMinute); err != nil {
		return nil, err
	}
	if cfg.MaxConnPerUser, err = envInt("MAX_CONN_PER_USER", DefaultMaxConnPerUser); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.AuthTimeout, err = envSeconds("AUTH_TIMEOUT_SECS", DefaultAuthTimeout); err != nil {
		return nil, err
	}
	if cfg.PrefetchTimeout, err = envMillis("PREFETCH_TIMEOUT_MS", DefaultPrefetchTimeout); err != nil {
		return nil, err
	}
	if cfg.ResponseCacheTTL, err = envSeconds("RESPONSE_CACHE_TTL", DefaultResponseCacheTTL); err != nil {
		return nil, err
	}
	if cfg.EmbeddingCacheTTL, err = envSeconds("EMBEDDING_CACHE_TTL", DefaultEmbeddingCacheTTL); err != nil {
		return nil, err
	}
	cfg.ProfileCacheTTL = DefaultProfileCacheTTL
	cfg.HistoryCacheTTL = DefaultHistoryCacheTTL

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(n) * time.Second, nil
}

func envMillis(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(n) * time.Millisecond, nil
}
