// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the advisor's HTTP surface.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/fincoach-ai/fincoach/services/advisor/config"
	"github.com/fincoach-ai/fincoach/services/advisor/handlers"
	"github.com/fincoach-ai/fincoach/services/advisor/middleware"
	"github.com/fincoach-ai/fincoach/services/advisor/vectorstore"
	"github.com/fincoach-ai/fincoach/services/embedding"
)

// Deps carries everything the route table needs.
type Deps struct {
	Cfg      *config.Config
	Runner   handlers.ChatRunner
	Sessions handlers.SessionStore
	Verifier middleware.TokenVerifier
	Limiter  *middleware.RateLimiter
	Registry *handlers.ConnRegistry
	Store    vectorstore.Store
	Embedder embedding.Service
	Health   map[string]handlers.HealthChecker
}

// SetupRoutes registers every advisor endpoint on router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.Use(otelgin.Middleware("fincoach-advisor"))

	router.GET("/health", handlers.HealthCheck)
	router.GET("/health/detailed", handlers.DetailedHealth(deps.Health))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The websocket endpoint authenticates in-band, not via middleware.
	router.GET("/ws/chat", handlers.HandleChatWebSocket(handlers.WSOptions{
		Verifier:    deps.Verifier,
		Runner:      deps.Runner,
		Limiter:     deps.Limiter,
		Registry:    deps.Registry,
		AuthTimeout: deps.Cfg.AuthTimeout,
	}))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(deps.Verifier))
	{
		chat := v1.Group("/chat")
		{
			chat.POST("/message",
				middleware.RateLimitMiddleware(deps.Limiter, "chat"),
				handlers.HandleChatMessage(deps.Runner))
			chat.POST("/message/stream",
				middleware.RateLimitMiddleware(deps.Limiter, "chat_stream"),
				handlers.HandleChatMessageStream(deps.Runner))

			sessions := chat.Group("/sessions")
			{
				sessions.GET("", handlers.ListSessions(deps.Sessions))
				sessions.GET("/:id/messages", handlers.GetSessionMessages(deps.Sessions))
				sessions.DELETE("/:id", handlers.DeleteSession(deps.Sessions))
			}
		}

		kb := v1.Group("/kb")
		{
			kb.POST("/documents", handlers.UpsertDocuments(deps.Store, deps.Embedder))
			kb.GET("/summary", handlers.KBSummary(deps.Store))
			kb.DELETE("", handlers.KBDeleteAll(deps.Store))
		}
	}
}
