// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file implements the SSE chat endpoint. The stream starts lazily: SSE
// headers go out with the first event, so failures before generation can
// still answer with a plain HTTP status.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
	"github.com/fincoach-ai/fincoach/services/advisor/middleware"
	"github.com/fincoach-ai/fincoach/services/advisor/observability"
	"github.com/fincoach-ai/fincoach/services/advisor/services"
)

// keepAliveInterval is how often an SSE comment is sent while the turn is
// running. 15s stays under common load balancer idle timeouts (60s).
const keepAliveInterval = 15 * time.Second

// HandleChatMessageStream serves POST /v1/chat/message/stream.
//
// Event order mirrors the websocket endpoint: session_id, sources (when
// grounded), response deltas, then a final response with done=true. Cache
// replays send a single done=true response carrying the complete reply.
func HandleChatMessageStream(runner ChatRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChatMessageStream")
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

		stream := &sseTurn{c: c, start: time.Now()}
		defer stream.stop()

		err := runner.ChatStream(ctx, info.UserID, &req, stream.onEvent)
		switch {
		case err == nil:
			recordRequest("chat_stream", "success", stream.start)
		case ctx.Err() != nil:
			// Client went away mid-stream.
			if m := observability.DefaultMetrics; m != nil {
				m.ClientDisconnectsTotal.WithLabelValues("chat_stream").Inc()
			}
			recordRequest("chat_stream", "cancelled", stream.start)
		default:
			coded := services.AsCoded(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, coded.Code)
			observability.DefaultMetrics.RecordError("chat_stream", coded.Code)
			recordRequest("chat_stream", "error", stream.start)
			if !stream.started {
				// Nothing was streamed yet; a plain JSON error is kinder to
				// clients than a one-event SSE stream.
				c.JSON(coded.Status, gin.H{"error": coded.Message, "code": coded.Code})
			}
		}
	}
}

// sseTurn adapts service turn events onto the SSE writer, starting the
// stream and its keepalive ticker on the first event.
type sseTurn struct {
	c          *gin.Context
	writer     SSEWriter
	started    bool
	sawToken   bool
	start      time.Time
	keepalive  chan struct{}
	keepaliveD bool
}

func (s *sseTurn) onEvent(ev services.TurnEvent) error {
	if !s.started {
		if err := s.begin(); err != nil {
			return err
		}
	}

	switch ev.Type {
	case services.TurnSession:
		return s.writer.WriteSession(ev.SessionID)
	case services.TurnSources:
		return s.writer.WriteSources(ev.Sources)
	case services.TurnToken:
		if !s.sawToken {
			s.sawToken = true
			if m := observability.DefaultMetrics; m != nil {
				m.TimeToFirstTokenSeconds.WithLabelValues("chat_stream").
					Observe(time.Since(s.start).Seconds())
			}
		}
		return s.writer.WriteToken(ev.Content)
	case services.TurnDone:
		return s.writer.WriteDone(ev.Content, ev.Cached)
	case services.TurnError:
		return s.writer.WriteError(ev.Message)
	default:
		slog.Warn("Unknown turn event type", "type", ev.Type)
		return nil
	}
}

// begin sets the SSE headers, creates the writer, and starts the keepalive
// goroutine.
func (s *sseTurn) begin() error {
	SetSSEHeaders(s.c.Writer)
	writer, err := NewSSEWriter(s.c.Writer)
	if err != nil {
		return err
	}
	s.writer = writer
	s.started = true

	s.keepalive = make(chan struct{})
	go func() {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := writer.WriteKeepAlive(); err != nil {
					return
				}
				if m := observability.DefaultMetrics; m != nil {
					m.KeepAlivesTotal.WithLabelValues("chat_stream").Inc()
				}
			case <-s.keepalive:
				return
			}
		}
	}()
	return nil
}

// stop terminates the keepalive goroutine. Idempotent.
func (s *sseTurn) stop() {
	if s.keepalive != nil && !s.keepaliveD {
		close(s.keepalive)
		s.keepaliveD = true
	}
}
