// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file implements the bidirectional chat endpoint at /ws/chat.
//
// # Description
//
// Handle lifecycle: INIT -> ACTIVE -> CLOSED. A connection starts in INIT
// and must authenticate in-band within AuthTimeout; browsers cannot set an
// Authorization header on a websocket upgrade, so the first frame carries
// the bearer token instead. After the connected frame the handle is ACTIVE
// and serves any number of turns.
//
// Concurrency per handle: one reader goroutine (the only reader), one writer
// goroutine draining a bounded outgoing queue, and one turn goroutine that
// serializes chat turns. Pings are answered out-of-band while a turn
// streams. When the outgoing queue fills because the client cannot keep up,
// the in-flight turn is cancelled rather than buffering without bound.
//
// # Limitations
//
//   - One in-flight turn per handle; excess message frames beyond the small
//     turn queue are rejected with an error frame.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
	"github.com/fincoach-ai/fincoach/services/advisor/middleware"
	"github.com/fincoach-ai/fincoach/services/advisor/observability"
	"github.com/fincoach-ai/fincoach/services/advisor/services"
)

const (
	// outgoingQueueSize bounds frames waiting for a slow client before the
	// in-flight turn is cancelled.
	outgoingQueueSize = 256

	// turnQueueSize bounds message frames waiting behind the in-flight turn.
	turnQueueSize = 4

	// wsWriteTimeout caps a single frame write.
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	// The advisor sits behind the platform edge which enforces origin policy.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// WSOptions configures the websocket chat endpoint.
type WSOptions struct {
	Verifier    middleware.TokenVerifier
	Runner      ChatRunner
	Limiter     *middleware.RateLimiter
	Registry    *ConnRegistry
	AuthTimeout time.Duration
}

// HandleChatWebSocket serves GET /ws/chat.
func HandleChatWebSocket(opts WSOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Websocket upgrade failed", "error", err)
			return
		}
		conn := &wsConn{
			ws:   ws,
			opts: opts,
		}
		conn.serve(c.Request.Context())
	}
}

// wsConn is the state of one websocket handle.
type wsConn struct {
	ws   *websocket.Conn
	opts WSOptions
	user *middleware.AuthInfo

	out chan datatypes.WSServerFrame

	// sessionID is sticky for the handle: the first turn's resolved session
	// is reused by later turns that do not name one.
	sessionID string

	mu         sync.Mutex
	cancelTurn context.CancelFunc
}

// serve drives the handle from INIT to CLOSED.
func (c *wsConn) serve(ctx context.Context) {
	defer c.ws.Close()

	// Step 1: In-band authentication under the auth deadline.
	if !c.authenticate(ctx) {
		return
	}

	// Step 2: Claim a connection slot.
	if c.opts.Registry != nil && !c.opts.Registry.Acquire(c.user.UserID) {
		slog.Warn("Connection limit reached", "user_id", c.user.UserID)
		c.closeWith(datatypes.WSCloseTooManyConnections, "too many connections")
		return
	}
	if c.opts.Registry != nil {
		defer c.opts.Registry.Release(c.user.UserID)
	}
	if m := observability.DefaultMetrics; m != nil {
		m.ActiveConnections.Inc()
		defer m.ActiveConnections.Dec()
	}
	slog.Info("Websocket client connected", "user_id", c.user.UserID)

	// Step 3: Start the writer and turn workers, then enter ACTIVE.
	connCtx, cancelConn := context.WithCancel(context.Background())
	defer cancelConn()

	c.out = make(chan datatypes.WSServerFrame, outgoingQueueSize)
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		c.writeLoop(cancelConn)
	}()

	turns := make(chan *datatypes.ChatRequest, turnQueueSize)
	var turnWorker sync.WaitGroup
	turnWorker.Add(1)
	go func() {
		defer turnWorker.Done()
		c.turnLoop(connCtx, turns)
	}()

	c.send(datatypes.WSServerFrame{
		Type:      datatypes.WSTypeConnected,
		Message:   "authenticated",
		Timestamp: datatypes.WSTimestamp(time.Now()),
	})

	c.readLoop(connCtx, turns)

	// Reader is done: the client went away or sent garbage. Cancel the
	// in-flight turn and stop the turn worker before closing the outgoing
	// queue it writes to.
	c.abortTurn()
	close(turns)
	cancelConn()
	turnWorker.Wait()
	close(c.out)
	writer.Wait()
	slog.Info("Websocket client disconnected", "user_id", c.user.UserID)
}

// authenticate reads the first frame under the auth deadline and verifies
// the token. Returns false after closing the transport on any failure.
func (c *wsConn) authenticate(ctx context.Context) bool {
	deadline := time.Now().Add(c.opts.AuthTimeout)
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return false
	}

	var frame datatypes.WSClientFrame
	if err := c.ws.ReadJSON(&frame); err != nil {
		// Deadline expiry and malformed JSON both land here; an expired
		// deadline is the AUTH_TIMEOUT case.
		if netErrIsTimeout(err) {
			c.closeWith(datatypes.WSCloseAuthTimeout, "authentication timeout")
		} else {
			c.closeWith(datatypes.WSCloseAuthRequired, "authentication required")
		}
		return false
	}
	if frame.Type != datatypes.WSTypeAuthenticate {
		c.closeWith(datatypes.WSCloseAuthRequired, "authentication required")
		return false
	}

	authCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	info, err := c.opts.Verifier.Verify(authCtx, frame.Token)
	if err != nil {
		c.closeWith(datatypes.WSCloseAuthFailed, "authentication failed")
		return false
	}
	c.user = info

	// ACTIVE connections idle indefinitely; liveness is the client's ping.
	_ = c.ws.SetReadDeadline(time.Time{})
	return true
}

// readLoop is the handle's only reader. It dispatches frames until the
// client disconnects.
func (c *wsConn) readLoop(ctx context.Context, turns chan<- *datatypes.ChatRequest) {
	for {
		var frame datatypes.WSClientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case datatypes.WSTypePing:
			c.send(datatypes.WSServerFrame{Type: datatypes.WSTypePong})
			if m := observability.DefaultMetrics; m != nil {
				m.KeepAlivesTotal.WithLabelValues("ws_chat").Inc()
			}

		case datatypes.WSTypeMessage:
			if !c.admitTurn(ctx, frame, turns) {
				continue
			}

		case datatypes.WSTypeAuthenticate:
			// Already authenticated; re-auth is not part of the protocol.
			c.send(datatypes.WSServerFrame{
				Type:    datatypes.WSTypeError,
				Message: "already authenticated",
			})

		default:
			c.send(datatypes.WSServerFrame{
				Type:    datatypes.WSTypeError,
				Message: "unknown frame type",
			})
		}
	}
}

// admitTurn applies the rate limit and queues the turn. Over-limit and
// over-queue frames cost an error frame, never a generation turn.
func (c *wsConn) admitTurn(ctx context.Context, frame datatypes.WSClientFrame, turns chan<- *datatypes.ChatRequest) bool {
	if c.opts.Limiter != nil {
		allowed, retryAfter := c.opts.Limiter.Allow(ctx, c.user.UserID)
		if !allowed {
			if m := observability.DefaultMetrics; m != nil {
				m.RateLimitedTotal.WithLabelValues("ws_chat").Inc()
			}
			secs := int(retryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			c.send(datatypes.WSServerFrame{
				Type:    datatypes.WSTypeError,
				Message: "rate limit exceeded, retry in " + strconv.Itoa(secs) + "s",
			})
			return false
		}
	}

	req := &datatypes.ChatRequest{
		Message:    frame.Content,
		SessionID:  frame.SessionID,
		UseRAG:     boolOr(frame.UseRAG, true),
		UseHistory: boolOr(frame.UseHistory, true),
	}
	select {
	case turns <- req:
		return true
	default:
		c.send(datatypes.WSServerFrame{
			Type:    datatypes.WSTypeError,
			Message: "a turn is already in progress",
		})
		return false
	}
}

// turnLoop serializes chat turns: deltas from two turns never interleave on
// one handle.
func (c *wsConn) turnLoop(connCtx context.Context, turns <-chan *datatypes.ChatRequest) {
	for req := range turns {
		if req.SessionID == "" {
			req.SessionID = c.currentSession()
		}
		c.runTurn(connCtx, req)
	}
}

func (c *wsConn) runTurn(connCtx context.Context, req *datatypes.ChatRequest) {
	turnCtx, cancel := context.WithCancel(connCtx)
	c.setCancel(cancel)
	defer func() {
		c.setCancel(nil)
		cancel()
	}()

	start := time.Now()
	if m := observability.DefaultMetrics; m != nil {
		m.ActiveStreams.WithLabelValues("ws_chat").Inc()
		defer m.ActiveStreams.WithLabelValues("ws_chat").Dec()
	}

	sawToken := false
	err := c.opts.Runner.ChatStream(turnCtx, c.user.UserID, req, func(ev services.TurnEvent) error {
		switch ev.Type {
		case services.TurnSession:
			c.setSession(ev.SessionID)
			c.send(datatypes.WSServerFrame{
				Type:      datatypes.WSTypeSessionID,
				SessionID: ev.SessionID,
			})
		case services.TurnSources:
			c.send(datatypes.WSServerFrame{
				Type:    datatypes.WSTypeSources,
				Sources: ev.Sources,
			})
		case services.TurnToken:
			if !sawToken {
				sawToken = true
				if m := observability.DefaultMetrics; m != nil {
					m.TimeToFirstTokenSeconds.WithLabelValues("ws_chat").
						Observe(time.Since(start).Seconds())
				}
			}
			c.send(datatypes.WSServerFrame{
				Type:      datatypes.WSTypeResponse,
				Content:   ev.Content,
				Timestamp: datatypes.WSTimestamp(time.Now()),
			})
		case services.TurnDone:
			c.send(datatypes.WSServerFrame{
				Type:      datatypes.WSTypeResponse,
				Content:   ev.Content,
				Done:      true,
				Cached:    ev.Cached,
				SessionID: c.currentSession(),
				Timestamp: datatypes.WSTimestamp(time.Now()),
			})
		case services.TurnError:
			c.send(datatypes.WSServerFrame{
				Type:    datatypes.WSTypeError,
				Message: ev.Message,
			})
		}
		return turnCtx.Err()
	})

	switch {
	case err == nil:
		recordRequest("ws_chat", "success", start)
	case connCtx.Err() != nil:
		if m := observability.DefaultMetrics; m != nil {
			m.ClientDisconnectsTotal.WithLabelValues("ws_chat").Inc()
		}
		recordRequest("ws_chat", "cancelled", start)
	default:
		coded := services.AsCoded(err)
		observability.DefaultMetrics.RecordError("ws_chat", coded.Code)
		recordRequest("ws_chat", "error", start)
		// Pre-stream failures (validation, foreign session) produced no
		// error event; surface them as an error frame. The handle stays
		// ACTIVE either way.
		if coded.Code == services.CodeInvalidInput ||
			coded.Code == services.CodeNotFound ||
			coded.Code == services.CodeContextTooLong {
			c.send(datatypes.WSServerFrame{
				Type:    datatypes.WSTypeError,
				Message: coded.Message,
			})
		}
	}
}

// writeLoop is the handle's only writer.
func (c *wsConn) writeLoop(cancelConn context.CancelFunc) {
	for frame := range c.out {
		_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.ws.WriteJSON(frame); err != nil {
			slog.Warn("Websocket write failed", "error", err)
			cancelConn()
			// Drain remaining frames so senders never block.
			for range c.out {
			}
			return
		}
	}
}

// send enqueues a frame without blocking. A full queue means the client is
// not consuming; the in-flight turn is cancelled so memory stays bounded.
func (c *wsConn) send(frame datatypes.WSServerFrame) {
	select {
	case c.out <- frame:
	default:
		slog.Warn("Websocket outgoing queue full, cancelling turn",
			"user_id", c.user.UserID,
		)
		c.abortTurn()
	}
}

func (c *wsConn) setCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTurn = cancel
}

func (c *wsConn) abortTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelTurn != nil {
		c.cancelTurn()
	}
}

func (c *wsConn) setSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

func (c *wsConn) currentSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// closeWith sends a close control frame with an application status code.
func (c *wsConn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func netErrIsTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func boolOr(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}
