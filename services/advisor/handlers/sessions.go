// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fincoach-ai/fincoach/services/advisor/conversation"
	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
	"github.com/fincoach-ai/fincoach/services/advisor/middleware"
	"github.com/fincoach-ai/fincoach/services/advisor/services"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// SessionStore is the conversation surface the session handlers need.
// *conversation.Store satisfies it.
type SessionStore interface {
	ListSessions(ctx context.Context, userID string, skip, limit int) ([]datatypes.SessionSummary, int, error)
	ListMessages(ctx context.Context, userID, sessionID string) ([]datatypes.ChatMessage, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
}

// ListSessions serves GET /v1/chat/sessions?skip=&limit=, newest activity
// first.
func ListSessions(store SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := middleware.GetAuthInfo(c)
		if info == nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized", "code": services.CodeUnauthenticated,
			})
			return
		}
		skip, limit, err := pageParams(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(), "code": services.CodeInvalidInput,
			})
			return
		}

		summaries, total, err := store.ListSessions(c.Request.Context(), info.UserID, skip, limit)
		if err != nil {
			slog.Error("Session listing failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "session listing failed", "code": services.CodeInternal,
			})
			return
		}
		if summaries == nil {
			summaries = []datatypes.SessionSummary{}
		}

		c.JSON(http.StatusOK, gin.H{
			"sessions": summaries,
			"total":    total,
		})
	}
}

// GetSessionMessages serves GET /v1/chat/sessions/:id/messages?skip=&limit=.
// A foreign session is indistinguishable from a missing one.
func GetSessionMessages(store SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := middleware.GetAuthInfo(c)
		if info == nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized", "code": services.CodeUnauthenticated,
			})
			return
		}
		skip, limit, err := pageParams(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(), "code": services.CodeInvalidInput,
			})
			return
		}

		sessionID := c.Param("id")
		messages, err := store.ListMessages(c.Request.Context(), info.UserID, sessionID)
		if err != nil {
			if errors.Is(err, conversation.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"error": "session not found", "code": services.CodeNotFound,
				})
				return
			}
			slog.Error("Message listing failed", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "message listing failed", "code": services.CodeInternal,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"session_id": sessionID,
			"messages":   page(messages, skip, limit),
			"total":      len(messages),
		})
	}
}

// DeleteSession serves DELETE /v1/chat/sessions/:id.
func DeleteSession(store SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := middleware.GetAuthInfo(c)
		if info == nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized", "code": services.CodeUnauthenticated,
			})
			return
		}

		sessionID := c.Param("id")
		if err := store.DeleteSession(c.Request.Context(), info.UserID, sessionID); err != nil {
			if errors.Is(err, conversation.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"error": "session not found", "code": services.CodeNotFound,
				})
				return
			}
			slog.Error("Session deletion failed", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "session deletion failed", "code": services.CodeInternal,
			})
			return
		}
		slog.Info("Session deleted", "session_id", sessionID, "user_id", info.UserID)
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "session_id": sessionID})
	}
}

// pageParams parses skip/limit query parameters with the documented
// defaults.
func pageParams(c *gin.Context) (skip, limit int, err error) {
	skip, err = queryInt(c, "skip", 0)
	if err != nil || skip < 0 {
		return 0, 0, errors.New("invalid skip parameter")
	}
	limit, err = queryInt(c, "limit", defaultPageLimit)
	if err != nil || limit < 1 {
		return 0, 0, errors.New("invalid limit parameter")
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return skip, limit, nil
}

func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func page[T any](items []T, skip, limit int) []T {
	if skip >= len(items) {
		return []T{}
	}
	end := skip + limit
	if end > len(items) {
		end = len(items)
	}
	return items[skip:end]
}
