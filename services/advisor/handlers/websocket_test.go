// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fincoach-ai/fincoach/services/advisor/cache"
	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
	"github.com/fincoach-ai/fincoach/services/advisor/middleware"
	"github.com/fincoach-ai/fincoach/services/advisor/services"
)

// wsCountingCache implements just enough of cache.Client for the limiter.
type wsCountingCache struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newWSCountingCache() *wsCountingCache {
	return &wsCountingCache{counts: make(map[string]int64)}
}

func (c *wsCountingCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *wsCountingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
}
func (c *wsCountingCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], true
}
func (c *wsCountingCache) Expire(ctx context.Context, key string, ttl time.Duration) {}
func (c *wsCountingCache) Delete(ctx context.Context, key string)                    {}
func (c *wsCountingCache) Healthy(ctx context.Context) error                         { return nil }

var _ cache.Client = (*wsCountingCache)(nil)

// wsFixture serves /ws/chat with the given options and dials it.
type wsFixture struct {
	server *httptest.Server
	opts   WSOptions
}

func newWSFixture(t *testing.T, opts WSOptions) *wsFixture {
	t.Helper()
	if opts.Verifier == nil {
		opts.Verifier = &staticVerifier{token: "good", info: &middleware.AuthInfo{UserID: "u-1"}}
	}
	if opts.AuthTimeout == 0 {
		opts.AuthTimeout = 2 * time.Second
	}
	router := gin.New()
	router.GET("/ws/chat", HandleChatWebSocket(opts))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &wsFixture{server: server, opts: opts}
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/chat"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads one server frame under a test deadline.
func readFrame(t *testing.T, conn *websocket.Conn) datatypes.WSServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame datatypes.WSServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// expectClose reads until the server closes and asserts the close code.
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame datatypes.WSServerFrame
	err := conn.ReadJSON(&frame)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, code), "expected close code %d, got: %v", code, err)
}

func authenticate(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(datatypes.WSClientFrame{
		Type:  datatypes.WSTypeAuthenticate,
		Token: token,
	}))
	frame := readFrame(t, conn)
	require.Equal(t, datatypes.WSTypeConnected, frame.Type)
}

func TestWebSocketTurn(t *testing.T) {
	runner := &fakeRunner{events: []services.TurnEvent{
		{Type: services.TurnSession, SessionID: "sess-1"},
		{Type: services.TurnSources, Sources: []datatypes.SourceInfo{{Source: "Debt Guide"}}},
		{Type: services.TurnToken, Content: "Pay off "},
		{Type: services.TurnToken, Content: "debt first."},
		{Type: services.TurnDone},
	}}
	f := newWSFixture(t, WSOptions{Runner: runner})
	conn := f.dial(t)
	authenticate(t, conn, "good")

	require.NoError(t, conn.WriteJSON(datatypes.WSClientFrame{
		Type:    datatypes.WSTypeMessage,
		Content: "What should I pay off first?",
	}))

	frame := readFrame(t, conn)
	require.Equal(t, datatypes.WSTypeSessionID, frame.Type)
	assert.Equal(t, "sess-1", frame.SessionID)

	frame = readFrame(t, conn)
	require.Equal(t, datatypes.WSTypeSources, frame.Type)
	require.Len(t, frame.Sources, 1)

	frame = readFrame(t, conn)
	require.Equal(t, datatypes.WSTypeResponse, frame.Type)
	assert.Equal(t, "Pay off ", frame.Content)
	assert.False(t, frame.Done)

	readFrame(t, conn) // second delta

	frame = readFrame(t, conn)
	require.Equal(t, datatypes.WSTypeResponse, frame.Type)
	assert.True(t, frame.Done)
	assert.Equal(t, "sess-1", frame.SessionID)

	assert.Equal(t, "u-1", runner.lastUserID)
	assert.True(t, runner.lastReq.UseRAG, "use_rag defaults on when omitted")
}

func TestWebSocketBadToken(t *testing.T) {
	f := newWSFixture(t, WSOptions{Runner: &fakeRunner{}})
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(datatypes.WSClientFrame{
		Type:  datatypes.WSTypeAuthenticate,
		Token: "evil",
	}))
	expectClose(t, conn, datatypes.WSCloseAuthFailed)
}

func TestWebSocketWrongFirstFrame(t *testing.T) {
	f := newWSFixture(t, WSOptions{Runner: &fakeRunner{}})
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(datatypes.WSClientFrame{
		Type:    datatypes.WSTypeMessage,
		Content: "hello",
	}))
	expectClose(t, conn, datatypes.WSCloseAuthRequired)
}

func TestWebSocketAuthTimeout(t *testing.T) {
	f := newWSFixture(t, WSOptions{Runner: &fakeRunner{}, AuthTimeout: 100 * time.Millisecond})
	conn := f.dial(t)

	// Say nothing and wait for the deadline.
	expectClose(t, conn, datatypes.WSCloseAuthTimeout)
}

func TestWebSocketConnectionCap(t *testing.T) {
	f := newWSFixture(t, WSOptions{
		Runner:   &fakeRunner{},
		Registry: NewConnRegistry(1),
	})

	first := f.dial(t)
	authenticate(t, first, "good")

	second := f.dial(t)
	require.NoError(t, second.WriteJSON(datatypes.WSClientFrame{
		Type:  datatypes.WSTypeAuthenticate,
		Token: "good",
	}))
	expectClose(t, second, datatypes.WSCloseTooManyConnections)

	// Closing the first handle frees the slot.
	first.Close()
	require.Eventually(t, func() bool {
		third, _, err := websocket.DefaultDialer.Dial(
			"ws"+strings.TrimPrefix(f.server.URL, "http")+"/ws/chat", nil)
		if err != nil {
			return false
		}
		defer third.Close()
		if err := third.WriteJSON(datatypes.WSClientFrame{
			Type: datatypes.WSTypeAuthenticate, Token: "good",
		}); err != nil {
			return false
		}
		_ = third.SetReadDeadline(time.Now().Add(time.Second))
		var frame datatypes.WSServerFrame
		return third.ReadJSON(&frame) == nil && frame.Type == datatypes.WSTypeConnected
	}, 3*time.Second, 50*time.Millisecond)
}

func TestWebSocketPingPong(t *testing.T) {
	f := newWSFixture(t, WSOptions{Runner: &fakeRunner{}})
	conn := f.dial(t)
	authenticate(t, conn, "good")

	require.NoError(t, conn.WriteJSON(datatypes.WSClientFrame{Type: datatypes.WSTypePing}))
	frame := readFrame(t, conn)
	assert.Equal(t, datatypes.WSTypePong, frame.Type)
}

func TestWebSocketRateLimit(t *testing.T) {
	runner := &fakeRunner{events: []services.TurnEvent{
		{Type: services.TurnSession, SessionID: "sess-1"},
		{Type: services.TurnDone},
	}}
	f := newWSFixture(t, WSOptions{
		Runner:  runner,
		Limiter: middleware.NewRateLimiter(newWSCountingCache(), 1),
	})
	conn := f.dial(t)
	authenticate(t, conn, "good")

	require.NoError(t, conn.WriteJSON(datatypes.WSClientFrame{
		Type: datatypes.WSTypeMessage, Content: "first",
	}))
	frame := readFrame(t, conn)
	require.Equal(t, datatypes.WSTypeSessionID, frame.Type)
	frame = readFrame(t, conn)
	require.True(t, frame.Done)

	require.NoError(t, conn.WriteJSON(datatypes.WSClientFrame{
		Type: datatypes.WSTypeMessage, Content: "second",
	}))
	frame = readFrame(t, conn)
	require.Equal(t, datatypes.WSTypeError, frame.Type)
	assert.Contains(t, frame.Message, "rate limit")
}

func TestWebSocketUnknownFrame(t *testing.T) {
	f := newWSFixture(t, WSOptions{Runner: &fakeRunner{}})
	conn := f.dial(t)
	authenticate(t, conn, "good")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe"}))
	frame := readFrame(t, conn)
	require.Equal(t, datatypes.WSTypeError, frame.Type)
	assert.Contains(t, frame.Message, "unknown frame type")
}

func TestWebSocketPreStreamErrorKeepsHandleOpen(t *testing.T) {
	runner := &fakeRunner{streamErr: services.NewCodedError(
		services.CodeInvalidInput, 400, "message is empty")}
	f := newWSFixture(t, WSOptions{Runner: runner})
	conn := f.dial(t)
	authenticate(t, conn, "good")

	require.NoError(t, conn.WriteJSON(datatypes.WSClientFrame{
		Type: datatypes.WSTypeMessage, Content: " ",
	}))
	frame := readFrame(t, conn)
	require.Equal(t, datatypes.WSTypeError, frame.Type)
	assert.Contains(t, frame.Message, "message is empty")

	// The handle stays usable.
	require.NoError(t, conn.WriteJSON(datatypes.WSClientFrame{Type: datatypes.WSTypePing}))
	frame = readFrame(t, conn)
	assert.Equal(t, datatypes.WSTypePong, frame.Type)
}
