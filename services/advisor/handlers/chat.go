// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
	"github.com/fincoach-ai/fincoach/services/advisor/middleware"
	"github.com/fincoach-ai/fincoach/services/advisor/observability"
	"github.com/fincoach-ai/fincoach/services/advisor/services"
)

var chatTracer = otel.Tracer("fincoach.advisor.handlers")

// ChatRunner is the turn pipeline the chat handlers drive.
// *services.ChatService satisfies it.
type ChatRunner interface {
	Chat(ctx context.Context, userID string, req *datatypes.ChatRequest) (*datatypes.ChatResponse, error)
	ChatStream(ctx context.Context, userID string, req *datatypes.ChatRequest, callback services.TurnCallback) error
}

// HandleChatMessage serves POST /v1/chat/message, the synchronous variant.
func HandleChatMessage(runner ChatRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChatMessage")
		defer span.End()

		info := middleware.GetAuthInfo(c)
		if info == nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized", "code": services.CodeUnauthenticated,
			})
			return
		}

		var req datatypes.ChatRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "invalid request body", "code": services.CodeInvalidInput,
			})
			return
		}

		start := time.Now()
		resp, err := runner.Chat(ctx, info.UserID, &req)
		if err != nil {
			coded := services.AsCoded(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, coded.Code)
			slog.Error("Chat turn failed", "code", coded.Code, "error", err)
			recordRequest("chat", "error", start)
			observability.DefaultMetrics.RecordError("chat", coded.Code)
			c.JSON(coded.Status, gin.H{"error": coded.Message, "code": coded.Code})
			return
		}

		recordRequest("chat", "success", start)
		c.JSON(http.StatusOK, resp)
	}
}

// recordRequest updates the per-endpoint request counter and duration
// histogram, nil-safe for handler tests that skip metrics init.
func recordRequest(endpoint, status string, start time.Time) {
	m := observability.DefaultMetrics
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.StreamDurationSeconds.WithLabelValues(endpoint, status).
		Observe(time.Since(start).Seconds())
}
