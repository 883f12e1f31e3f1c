// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file implements the operator-facing knowledge base endpoints. The
// full ingestion ETL lives outside this service; these handlers cover the
// idempotent upsert, summary, and wipe operations an operator needs.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
	"github.com/fincoach-ai/fincoach/services/advisor/middleware"
	"github.com/fincoach-ai/fincoach/services/advisor/services"
	"github.com/fincoach-ai/fincoach/services/advisor/vectorstore"
	"github.com/fincoach-ai/fincoach/services/embedding"
)

// UpsertDocumentsRequest is the body of POST /v1/kb/documents.
type UpsertDocumentsRequest struct {
	Documents []datatypes.Document `json:"documents" binding:"required"`
}

// requireAdmin aborts with 403 unless the caller carries the admin role.
func requireAdmin(c *gin.Context) *middleware.AuthInfo {
	info := middleware.GetAuthInfo(c)
	if info == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "unauthorized", "code": services.CodeUnauthenticated,
		})
		return nil
	}
	if !info.Admin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "admin role required", "code": "FORBIDDEN",
		})
		return nil
	}
	return info
}

// UpsertDocuments serves POST /v1/kb/documents: embed and index a batch of
// passages. Re-upserting an id replaces the stored document.
func UpsertDocuments(store vectorstore.Store, embedder embedding.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := requireAdmin(c)
		if info == nil {
			return
		}

		var req UpsertDocumentsRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "invalid request body", "code": services.CodeInvalidInput,
			})
			return
		}
		if len(req.Documents) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "no documents provided", "code": services.CodeInvalidInput,
			})
			return
		}
		for i := range req.Documents {
			if req.Documents[i].ID == "" || req.Documents[i].Content == "" {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": "every document needs an id and content",
					"code":  services.CodeInvalidInput,
				})
				return
			}
		}

		ctx := c.Request.Context()
		texts := make([]string, len(req.Documents))
		for i, doc := range req.Documents {
			texts[i] = doc.Content
		}
		vectors, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			slog.Error("Document embedding failed", "count", len(texts), "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "embedding service unavailable", "code": services.CodeModelUnavailable,
			})
			return
		}
		for i := range req.Documents {
			req.Documents[i].Embedding = vectors[i]
		}

		indexed, err := store.Upsert(ctx, req.Documents)
		if err != nil {
			slog.Error("Document upsert failed", "count", len(req.Documents), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "document upsert failed", "code": services.CodeInternal,
			})
			return
		}

		slog.Info("Documents upserted",
			"count", indexed,
			"admin", info.UserID,
		)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "indexed": indexed})
	}
}

// KBSummary serves GET /v1/kb/summary.
func KBSummary(store vectorstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if requireAdmin(c) == nil {
			return
		}
		count, err := store.Count(c.Request.Context())
		if err != nil {
			slog.Error("Knowledge base count failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "knowledge base unavailable", "code": services.CodeInternal,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"documents": count})
	}
}

// KBDeleteAll serves DELETE /v1/kb: wipe the knowledge base and recreate an
// empty schema.
func KBDeleteAll(store vectorstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := requireAdmin(c)
		if info == nil {
			return
		}
		slog.Warn("Wiping the knowledge base", "admin", info.UserID)
		if err := store.DeleteAll(c.Request.Context()); err != nil {
			slog.Error("Knowledge base wipe failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "knowledge base wipe failed", "code": services.CodeInternal,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "knowledge base wiped"})
	}
}
