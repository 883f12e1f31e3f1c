// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file assembles the advisor service: configuration, observability,
// storage, the LLM backend, and the route table, then runs the HTTP server
// until a shutdown signal arrives.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/fincoach-ai/fincoach/pkg/logging"
	"github.com/fincoach-ai/fincoach/services/advisor/cache"
	"github.com/fincoach-ai/fincoach/services/advisor/config"
	"github.com/fincoach-ai/fincoach/services/advisor/conversation"
	"github.com/fincoach-ai/fincoach/services/advisor/handlers"
	"github.com/fincoach-ai/fincoach/services/advisor/middleware"
	"github.com/fincoach-ai/fincoach/services/advisor/observability"
	"github.com/fincoach-ai/fincoach/services/advisor/retriever"
	"github.com/fincoach-ai/fincoach/services/advisor/routes"
	"github.com/fincoach-ai/fincoach/services/advisor/services"
	"github.com/fincoach-ai/fincoach/services/advisor/vectorstore"
	"github.com/fincoach-ai/fincoach/services/embedding"
	"github.com/fincoach-ai/fincoach/services/llm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the advisor HTTP and websocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

const shutdownTimeout = 15 * time.Second

func runServe() error {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	observability.InitMetrics()

	cleanup, err := initTracer(cfg.OTELEndpoint)
	if err != nil {
		slog.Warn("OTLP tracer unavailable, traces will not be exported",
			"endpoint", cfg.OTELEndpoint, "error", err)
	} else {
		defer cleanup(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cache. A missing Redis never blocks startup: every lookup degrades to
	// a miss through the no-op client.
	var cacheClient cache.Client
	if cfg.RedisAddr != "" {
		cacheClient = cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	} else {
		slog.Info("REDIS_ADDR not set, running without a response cache")
		cacheClient = cache.NewNoop()
	}

	// Vector store.
	store, err := buildVectorStore(cfg)
	if err != nil {
		return fmt.Errorf("initialize vector store: %w", err)
	}
	{
		schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := store.EnsureSchema(schemaCtx); err != nil {
			// Retrieval degrades per contract; chat still answers ungrounded.
			slog.Warn("Vector store schema check failed, retrieval will be degraded", "error", err)
		}
		cancel()
	}

	embedder := embedding.NewOllama(cfg.EmbeddingServiceURL, cfg.EmbeddingModel, cfg.EmbeddingDim)

	docRetriever := retriever.New(embedder, store, cacheClient, retriever.Options{
		TopK:            cfg.RAGTopK,
		Threshold:       cfg.RAGThreshold,
		MaxContextChars: cfg.RAGMaxContextChars,
		EmbeddingTTL:    cfg.EmbeddingCacheTTL,
	})

	convStore, err := conversation.Open(cfg.ConversationDBPath)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer convStore.Close()

	llmClient, err := buildLLMClient(cfg)
	if err != nil {
		return fmt.Errorf("initialize LLM client: %w", err)
	}

	verifier, err := buildVerifier(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize token verifier: %w", err)
	}

	background := services.NewBackgroundExecutor(1, 256)
	chatService := services.NewChatService(cfg, convStore, docRetriever, llmClient, cacheClient, background)

	health := map[string]handlers.HealthChecker{
		"cache":         handlers.HealthCheckFunc(cacheClient.Healthy),
		"vector_store":  handlers.HealthCheckFunc(store.Healthy),
		"conversations": handlers.HealthCheckFunc(convStore.Healthy),
		"embeddings":    handlers.HealthCheckFunc(embedder.Healthy),
	}
	if hc, ok := llmClient.(handlers.HealthChecker); ok {
		health["llm"] = hc
	}

	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, routes.Deps{
		Cfg:      cfg,
		Runner:   chatService,
		Sessions: convStore,
		Verifier: verifier,
		Limiter:  middleware.NewRateLimiter(cacheClient, cfg.ChatLimitPerMinute),
		Registry: handlers.NewConnRegistry(cfg.MaxConnPerUser),
		Store:    store,
		Embedder: embedder,
		Health:   health,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting the advisor server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received, draining")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	background.Shutdown(shutdownCtx)
	services.PurgeAllSecureMemory()
	slog.Info("Advisor server stopped")
	return nil
}

// buildVectorStore picks the index backend from configuration.
func buildVectorStore(cfg *config.Config) (vectorstore.Store, error) {
	switch cfg.VectorBackend {
	case "chromem":
		slog.Info("Using the embedded chromem vector store", "path", cfg.ChromemPersistPath)
		return vectorstore.NewChromem(cfg.ChromemPersistPath, cfg.WeaviateClass, cfg.EmbeddingDim)
	case "weaviate", "":
		slog.Info("Using the Weaviate vector store", "url", cfg.WeaviateServiceURL)
		return vectorstore.NewWeaviate(cfg.WeaviateServiceURL, cfg.WeaviateClass, cfg.EmbeddingDim)
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}
}

// buildLLMClient picks the generation backend from configuration.
func buildLLMClient(cfg *config.Config) (llm.LLMClient, error) {
	switch cfg.LLMBackendType {
	case "openai":
		slog.Info("Using the OpenAI LLM backend")
		return llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	case "ollama", "":
		slog.Info("Using the Ollama LLM backend")
		return llm.NewOllamaClient(cfg.OllamaBaseURL, cfg.OllamaModel)
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.LLMBackendType)
	}
}

// buildVerifier wires JWT verification against the configured JWKS endpoint.
// Without one the service falls back to an insecure development verifier
// that treats the bearer token itself as the user id.
func buildVerifier(ctx context.Context, cfg *config.Config) (middleware.TokenVerifier, error) {
	if cfg.AuthJWKSURL == "" {
		slog.Warn("AUTH_JWKS_URL not set: running with INSECURE development authentication")
		return insecureVerifier{}, nil
	}
	return middleware.NewJWTVerifier(ctx, cfg.AuthJWKSURL, cfg.AuthIssuer, cfg.AuthAudience)
}

// insecureVerifier accepts any non-empty token and uses it as the user id.
// Local development only; never deploy without a JWKS endpoint.
type insecureVerifier struct{}

func (insecureVerifier) Verify(_ context.Context, token string) (*middleware.AuthInfo, error) {
	if token == "" {
		return nil, middleware.ErrUnauthorized
	}
	return &middleware.AuthInfo{UserID: token, Admin: token == "admin"}, nil
}
