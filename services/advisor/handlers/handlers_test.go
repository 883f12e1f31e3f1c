// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fincoach-ai/fincoach/services/advisor/conversation"
	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
	"github.com/fincoach-ai/fincoach/services/advisor/middleware"
	"github.com/fincoach-ai/fincoach/services/advisor/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// staticVerifier accepts exactly one token.
type staticVerifier struct {
	token string
	info  *middleware.AuthInfo
}

func (v *staticVerifier) Verify(ctx context.Context, token string) (*middleware.AuthInfo, error) {
	if token == v.token {
		return v.info, nil
	}
	return nil, middleware.ErrUnauthorized
}

// fakeRunner scripts the turn pipeline.
type fakeRunner struct {
	response  *datatypes.ChatResponse
	chatErr   error
	events    []services.TurnEvent
	streamErr error

	lastUserID string
	lastReq    *datatypes.ChatRequest
}

func (r *fakeRunner) Chat(ctx context.Context, userID string, req *datatypes.ChatRequest) (*datatypes.ChatResponse, error) {
	r.lastUserID = userID
	r.lastReq = req
	if r.chatErr != nil {
		return nil, r.chatErr
	}
	return r.response, nil
}

func (r *fakeRunner) ChatStream(ctx context.Context, userID string, req *datatypes.ChatRequest, callback services.TurnCallback) error {
	r.lastUserID = userID
	r.lastReq = req
	for _, ev := range r.events {
		if err := callback(ev); err != nil {
			return err
		}
	}
	return r.streamErr
}

// asUser injects an authenticated identity, bypassing token verification.
func asUser(info *middleware.AuthInfo) gin.HandlerFunc {
	return func(c *gin.Context) {
		middleware.SetAuthInfo(c, info)
		c.Next()
	}
}

func postJSON(router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(data)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleChatMessage(t *testing.T) {
	runner := &fakeRunner{response: &datatypes.ChatResponse{
		SessionID: "sess-1",
		Response:  "Pay off high-interest debt first.",
		Sources:   []string{"Debt Guide"},
		Usage:     datatypes.Usage{TokensUsed: 12, SourcesCount: 1},
	}}
	router := gin.New()
	router.POST("/v1/chat/message", asUser(&middleware.AuthInfo{UserID: "u-1"}), HandleChatMessage(runner))

	w := postJSON(router, "/v1/chat/message", datatypes.ChatRequest{Message: "What should I pay off first?", UseRAG: true})

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, "Pay off high-interest debt first.", resp.Response)
	assert.Equal(t, "u-1", runner.lastUserID)
	assert.True(t, runner.lastReq.UseRAG)
}

func TestHandleChatMessageCodedError(t *testing.T) {
	runner := &fakeRunner{chatErr: services.NewCodedError(
		services.CodeNotFound, http.StatusNotFound, "session not found")}
	router := gin.New()
	router.POST("/v1/chat/message", asUser(&middleware.AuthInfo{UserID: "u-1"}), HandleChatMessage(runner))

	w := postJSON(router, "/v1/chat/message", datatypes.ChatRequest{Message: "hi"})

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), services.CodeNotFound)
}

func TestHandleChatMessageBadBody(t *testing.T) {
	router := gin.New()
	router.POST("/v1/chat/message", asUser(&middleware.AuthInfo{UserID: "u-1"}), HandleChatMessage(&fakeRunner{}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/message", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), services.CodeInvalidInput)
}

func TestHandleChatMessageUnauthenticated(t *testing.T) {
	router := gin.New()
	router.POST("/v1/chat/message", HandleChatMessage(&fakeRunner{}))

	w := postJSON(router, "/v1/chat/message", datatypes.ChatRequest{Message: "hi"})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), services.CodeUnauthenticated)
}

// parseSSE splits a recorded SSE body into events, skipping comments.
func parseSSE(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()
	var events []datatypes.StreamEvent
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, ":") {
			continue
		}
		var data string
		for _, line := range strings.Split(block, "\n") {
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
		}
		require.NotEmpty(t, data, "SSE block without data line: %q", block)
		var ev datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		events = append(events, ev)
	}
	return events
}

func TestHandleChatMessageStream(t *testing.T) {
	runner := &fakeRunner{events: []services.TurnEvent{
		{Type: services.TurnSession, SessionID: "sess-1"},
		{Type: services.TurnSources, Sources: []datatypes.SourceInfo{{Source: "Debt Guide", Score: 0.91}}},
		{Type: services.TurnToken, Content: "Pay off "},
		{Type: services.TurnToken, Content: "debt first."},
		{Type: services.TurnDone},
	}}
	router := gin.New()
	router.POST("/v1/chat/message/stream", asUser(&middleware.AuthInfo{UserID: "u-1"}), HandleChatMessageStream(runner))

	w := postJSON(router, "/v1/chat/message/stream", datatypes.ChatRequest{Message: "hi", UseRAG: true})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 5)
	assert.Equal(t, "session_id", events[0].Type)
	assert.Equal(t, "sess-1", events[0].SessionID)
	assert.Equal(t, "sources", events[1].Type)
	require.Len(t, events[1].Sources, 1)
	assert.Equal(t, "response", events[2].Type)
	assert.Equal(t, "Pay off ", events[2].Content)
	assert.True(t, events[4].Done)

	// The hash chain links every event to its predecessor.
	assert.Empty(t, events[0].PrevHash)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Hash, events[i].PrevHash, "event %d breaks the chain", i)
	}
}

func TestHandleChatMessageStreamPreStreamError(t *testing.T) {
	runner := &fakeRunner{streamErr: services.NewCodedError(
		services.CodeInvalidInput, http.StatusBadRequest, "message is empty")}
	router := gin.New()
	router.POST("/v1/chat/message/stream", asUser(&middleware.AuthInfo{UserID: "u-1"}), HandleChatMessageStream(runner))

	w := postJSON(router, "/v1/chat/message/stream", datatypes.ChatRequest{Message: " "})

	// No event was streamed, so the client gets plain JSON, not SSE.
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEqual(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), services.CodeInvalidInput)
}

func TestHandleChatMessageStreamMidStreamError(t *testing.T) {
	runner := &fakeRunner{
		events: []services.TurnEvent{
			{Type: services.TurnSession, SessionID: "sess-1"},
			{Type: services.TurnToken, Content: "partial"},
			{Type: services.TurnError, Code: services.CodeModelUnavailable, Message: "model unavailable"},
		},
		streamErr: services.NewCodedError(
			services.CodeModelUnavailable, http.StatusServiceUnavailable, "model unavailable"),
	}
	router := gin.New()
	router.POST("/v1/chat/message/stream", asUser(&middleware.AuthInfo{UserID: "u-1"}), HandleChatMessageStream(runner))

	w := postJSON(router, "/v1/chat/message/stream", datatypes.ChatRequest{Message: "hi"})

	// Headers already went out as 200; the failure is the terminal event.
	require.Equal(t, http.StatusOK, w.Code)
	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "error", events[2].Type)
	assert.Equal(t, "model unavailable", events[2].Error)
}

func TestSSEWriterKeepAliveDoesNotAdvanceChain(t *testing.T) {
	w := httptest.NewRecorder()
	SetSSEHeaders(w)
	writer, err := NewSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, writer.WriteToken("a"))
	require.NoError(t, writer.WriteKeepAlive())
	require.NoError(t, writer.WriteToken("b"))

	assert.Contains(t, w.Body.String(), ": ping\n\n")
	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
}

// fakeSessions scripts the session store surface.
type fakeSessions struct {
	summaries []datatypes.SessionSummary
	messages  map[string][]datatypes.ChatMessage
	deleted   []string
}

func (s *fakeSessions) ListSessions(ctx context.Context, userID string, skip, limit int) ([]datatypes.SessionSummary, int, error) {
	total := len(s.summaries)
	if skip >= total {
		return nil, total, nil
	}
	end := skip + limit
	if end > total {
		end = total
	}
	return s.summaries[skip:end], total, nil
}

func (s *fakeSessions) ListMessages(ctx context.Context, userID, sessionID string) ([]datatypes.ChatMessage, error) {
	msgs, ok := s.messages[sessionID]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return msgs, nil
}

func (s *fakeSessions) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if _, ok := s.messages[sessionID]; !ok {
		return conversation.ErrNotFound
	}
	s.deleted = append(s.deleted, sessionID)
	return nil
}

func sessionRouter(store SessionStore) *gin.Engine {
	router := gin.New()
	auth := asUser(&middleware.AuthInfo{UserID: "u-1"})
	router.GET("/v1/chat/sessions", auth, ListSessions(store))
	router.GET("/v1/chat/sessions/:id/messages", auth, GetSessionMessages(store))
	router.DELETE("/v1/chat/sessions/:id", auth, DeleteSession(store))
	return router
}

func TestListSessionsPaginates(t *testing.T) {
	store := &fakeSessions{}
	for i := 0; i < 25; i++ {
		store.summaries = append(store.summaries, datatypes.SessionSummary{
			Session: datatypes.ChatSession{ID: fmt.Sprintf("s-%02d", i)},
		})
	}
	router := sessionRouter(store)

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/sessions?skip=20&limit=10", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Sessions []datatypes.SessionSummary `json:"sessions"`
		Total    int                        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 25, resp.Total)
	require.Len(t, resp.Sessions, 5)
	assert.Equal(t, "s-20", resp.Sessions[0].Session.ID)
}

func TestListSessionsRejectsBadPaging(t *testing.T) {
	router := sessionRouter(&fakeSessions{})

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/sessions?limit=0", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), services.CodeInvalidInput)
}

func TestGetSessionMessages(t *testing.T) {
	store := &fakeSessions{messages: map[string][]datatypes.ChatMessage{
		"sess-1": {
			{Role: datatypes.RoleUser, Content: "hi"},
			{Role: datatypes.RoleAssistant, Content: "hello"},
		},
	}}
	router := sessionRouter(store)

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/sessions/sess-1/messages", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":2`)

	req = httptest.NewRequest(http.MethodGet, "/v1/chat/sessions/missing/messages", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), services.CodeNotFound)
}

func TestDeleteSession(t *testing.T) {
	store := &fakeSessions{messages: map[string][]datatypes.ChatMessage{"sess-1": {}}}
	router := sessionRouter(store)

	req := httptest.NewRequest(http.MethodDelete, "/v1/chat/sessions/sess-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"sess-1"}, store.deleted)
}

func TestHealthCheck(t *testing.T) {
	router := gin.New()
	router.GET("/health", HealthCheck)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestDetailedHealth(t *testing.T) {
	components := map[string]HealthChecker{
		"cache": HealthCheckFunc(func(ctx context.Context) error { return nil }),
		"llm":   HealthCheckFunc(func(ctx context.Context) error { return nil }),
	}
	router := gin.New()
	router.GET("/health/detailed", DetailedHealth(components))

	req := httptest.NewRequest(http.MethodGet, "/health/detailed", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	components["llm"] = HealthCheckFunc(func(ctx context.Context) error {
		return fmt.Errorf("connection refused")
	})
	router = gin.New()
	router.GET("/health/detailed", DetailedHealth(components))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestConnRegistry(t *testing.T) {
	reg := NewConnRegistry(2)

	assert.True(t, reg.Acquire("u-1"))
	assert.True(t, reg.Acquire("u-1"))
	assert.False(t, reg.Acquire("u-1"), "third connection should be refused")
	assert.True(t, reg.Acquire("u-2"), "limits are per user")

	reg.Release("u-1")
	assert.True(t, reg.Acquire("u-1"))
}
