// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fincoach-ai/fincoach/services/advisor/cache"
	"github.com/fincoach-ai/fincoach/services/advisor/config"
	"github.com/fincoach-ai/fincoach/services/advisor/conversation"
	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
	"github.com/fincoach-ai/fincoach/services/advisor/observability"
	"github.com/fincoach-ai/fincoach/services/advisor/retriever"
	"github.com/fincoach-ai/fincoach/services/llm"
)

// ConversationStore is the persistence surface the chat pipeline needs.
// *conversation.Store satisfies it.
type ConversationStore interface {
	FindOrCreateSession(ctx context.Context, userID, id string) (*datatypes.ChatSession, error)
	RecentMessages(ctx context.Context, userID, sessionID string, n int) ([]datatypes.ChatMessage, error)
	AppendMessage(ctx context.Context, userID string, msg *datatypes.ChatMessage) error
	GetProfile(ctx context.Context, userID string) (*datatypes.UserProfile, error)
}

// DocRetriever grounds a query in the knowledge base. *retriever.Retriever
// satisfies it.
type DocRetriever interface {
	Retrieve(ctx context.Context, query string) (*retriever.Result, error)
}

// TurnEventType discriminates events emitted during a streamed turn.
type TurnEventType string

const (
	// TurnSession is always the first event and carries the resolved session
	// id, so clients can continue the conversation after a fresh session was
	// minted server-side.
	TurnSession TurnEventType = "session_id"

	// TurnSources carries the citation list, emitted before any token.
	TurnSources TurnEventType = "sources"

	// TurnToken carries one streamed content fragment.
	TurnToken TurnEventType = "token"

	// TurnDone ends a successful turn. For cache replays Content holds the
	// complete reply and Cached is true; for live streams Content is empty
	// because the tokens already went out.
	TurnDone TurnEventType = "done"

	// TurnError ends a failed turn with a stable code.
	TurnError TurnEventType = "error"
)

// TurnEvent is one unit of streamed turn output, transport-agnostic. The SSE
// and websocket handlers map it onto their wire frames.
type TurnEvent struct {
	Type      TurnEventType
	SessionID string
	Content   string
	Sources   []datatypes.SourceInfo
	Cached    bool
	Code      string
	Message   string
}

// TurnCallback receives turn events in order. Returning a non-nil error
// aborts the turn: generation is cancelled and only the user message is
// persisted.
type TurnCallback func(event TurnEvent) error

// ChatService runs complete advisor turns: validation, session resolution,
// parallel context prefetch, prompt assembly, response caching, generation,
// and background persistence. It is the single implementation behind the
// synchronous, SSE, and websocket endpoints.
type ChatService struct {
	cfg        *config.Config
	store      ConversationStore
	retriever  DocRetriever
	llm        llm.LLMClient
	cache      cache.Client
	background *BackgroundExecutor
	tracer     trace.Tracer
}

// NewChatService wires the chat pipeline. cacheClient may be a no-op client;
// every cache interaction then degrades to a miss.
func NewChatService(
	cfg *config.Config,
	store ConversationStore,
	docRetriever DocRetriever,
	llmClient llm.LLMClient,
	cacheClient cache.Client,
	background *BackgroundExecutor,
) *ChatService {
	return &ChatService{
		cfg:        cfg,
		store:      store,
		retriever:  docRetriever,
		llm:        llmClient,
		cache:      cacheClient,
		background: background,
		tracer:     otel.Tracer("fincoach.advisor.chat"),
	}
}

// turn is the prepared state of one chat turn, shared by the sync and
// streaming paths.
type turn struct {
	session   *datatypes.ChatSession
	messages  []datatypes.Message
	retrieval *retriever.Result
	cacheKey  string
	userText  string
}

// assistantRecord is what gets persisted for the assistant side of a turn.
type assistantRecord struct {
	text       string
	tokensUsed int
	cached     bool
}

// Chat runs one synchronous turn and returns the complete reply.
//
// Step 1: Validate and resolve the session.
// Step 2: Prefetch profile, history, and grounding context in parallel.
// Step 3: Serve from the response cache when the exact turn was answered
// before, otherwise generate.
// Step 4: Persist both messages in the background and return.
func (s *ChatService) Chat(ctx context.Context, userID string, req *datatypes.ChatRequest) (*datatypes.ChatResponse, error) {
	ctx, span := s.tracer.Start(ctx, "chat.turn")
	defer span.End()

	t, cerr := s.prepareTurn(ctx, userID, req)
	if cerr != nil {
		return nil, cerr
	}
	span.SetAttributes(attribute.String("session_id", t.session.ID))

	if cached, ok := cache.GetResponse(ctx, s.cache, t.cacheKey); ok {
		observability.DefaultMetrics.RecordCacheLookup("response", true)
		s.persistTurn(userID, t, &assistantRecord{
			text:       cached.Response,
			tokensUsed: cached.TokensUsed,
			cached:     true,
		})
		return &datatypes.ChatResponse{
			SessionID: t.session.ID,
			Response:  cached.Response,
			Sources:   t.retrieval.SourceNames(),
			Cached:    true,
			Usage: datatypes.Usage{
				TokensUsed:   cached.TokensUsed,
				SourcesCount: len(t.retrieval.Sources),
				Cached:       true,
			},
		}, nil
	}
	observability.DefaultMetrics.RecordCacheLookup("response", false)

	result, err := s.llm.Chat(ctx, t.messages, llm.GenerationParams{
		SourceIDs: t.retrieval.DocumentIDs(),
	})
	if err != nil {
		// The question still happened even though the answer did not.
		s.persistTurn(userID, t, nil)
		return nil, mapLLMError(err)
	}

	cache.SetResponse(ctx, s.cache, t.cacheKey, &cache.CachedResponse{
		Response:   result.Text,
		Sources:    t.retrieval.Sources,
		TokensUsed: result.TokensUsed,
	}, s.cfg.ResponseCacheTTL)

	s.persistTurn(userID, t, &assistantRecord{
		text:       result.Text,
		tokensUsed: result.TokensUsed,
	})

	return &datatypes.ChatResponse{
		SessionID: t.session.ID,
		Response:  result.Text,
		Sources:   t.retrieval.SourceNames(),
		Usage: datatypes.Usage{
			TokensUsed:   result.TokensUsed,
			SourcesCount: len(t.retrieval.Sources),
		},
	}, nil
}

// ChatStream runs one streamed turn, emitting events via callback.
//
// Event order on success: session_id, sources (when grounded), token...,
// done. A response-cache replay skips the token events and emits a single
// done carrying the complete reply with Cached set.
//
// Errors before the first event (validation, session resolution) return a
// CodedError without emitting anything, so HTTP handlers can still answer
// with a plain status. Generation failures emit a terminal error event and
// return the same CodedError. The reply is cached only after a clean
// end-of-stream: cancelled or failed turns persist the user message alone
// and never poison the cache.
func (s *ChatService) ChatStream(ctx context.Context, userID string, req *datatypes.ChatRequest, callback TurnCallback) error {
	ctx, span := s.tracer.Start(ctx, "chat.stream_turn")
	defer span.End()

	t, cerr := s.prepareTurn(ctx, userID, req)
	if cerr != nil {
		return cerr
	}
	span.SetAttributes(attribute.String("session_id", t.session.ID))

	if err := callback(TurnEvent{Type: TurnSession, SessionID: t.session.ID}); err != nil {
		s.persistTurn(userID, t, nil)
		return err
	}
	if len(t.retrieval.Sources) > 0 {
		if err := callback(TurnEvent{Type: TurnSources, Sources: t.retrieval.Sources}); err != nil {
			s.persistTurn(userID, t, nil)
			return err
		}
	}

	if cached, ok := cache.GetResponse(ctx, s.cache, t.cacheKey); ok {
		observability.DefaultMetrics.RecordCacheLookup("response", true)
		s.persistTurn(userID, t, &assistantRecord{
			text:       cached.Response,
			tokensUsed: cached.TokensUsed,
			cached:     true,
		})
		return callback(TurnEvent{
			Type:    TurnDone,
			Content: cached.Response,
			Cached:  true,
		})
	}
	observability.DefaultMetrics.RecordCacheLookup("response", false)

	acc, err := NewSecureTokenAccumulator()
	if err != nil {
		s.persistTurn(userID, t, nil)
		return &CodedError{
			Code:    CodeInternal,
			Status:  http.StatusInternalServerError,
			Message: "secure memory unavailable",
			Err:     err,
		}
	}
	defer acc.Destroy()

	err = s.llm.ChatStream(ctx, t.messages, llm.GenerationParams{
		SourceIDs: t.retrieval.DocumentIDs(),
	}, func(ev llm.StreamEvent) error {
		if ev.Type != llm.StreamEventToken {
			return nil
		}
		if werr := acc.Write(ev.Content); werr != nil {
			return werr
		}
		return callback(TurnEvent{Type: TurnToken, Content: ev.Content})
	})
	if err != nil {
		s.persistTurn(userID, t, nil)
		if ctx.Err() != nil {
			// Client went away or the turn was cancelled. Nobody is listening
			// for an error event.
			slog.Info("Chat turn cancelled mid-stream",
				"session_id", t.session.ID,
			)
			return ctx.Err()
		}
		coded := mapLLMError(err)
		if cbErr := callback(TurnEvent{
			Type:    TurnError,
			Code:    coded.Code,
			Message: coded.Message,
		}); cbErr != nil {
			return cbErr
		}
		return coded
	}

	answer, digest, err := acc.Finalize()
	if err != nil {
		s.persistTurn(userID, t, nil)
		coded := &CodedError{
			Code:    CodeInternal,
			Status:  http.StatusInternalServerError,
			Message: "reply accumulation failed",
			Err:     err,
		}
		if cbErr := callback(TurnEvent{
			Type:    TurnError,
			Code:    coded.Code,
			Message: coded.Message,
		}); cbErr != nil {
			return cbErr
		}
		return coded
	}
	slog.Debug("Chat turn completed",
		"session_id", t.session.ID,
		"answer_length", len(answer),
		"answer_hash", digest[:16]+"...",
	)

	tokensUsed := llm.EstimateTokens(answer)
	cache.SetResponse(ctx, s.cache, t.cacheKey, &cache.CachedResponse{
		Response:   answer,
		Sources:    t.retrieval.Sources,
		TokensUsed: tokensUsed,
	}, s.cfg.ResponseCacheTTL)

	s.persistTurn(userID, t, &assistantRecord{
		text:       answer,
		tokensUsed: tokensUsed,
	})
	return callback(TurnEvent{Type: TurnDone})
}

// prepareTurn validates the request, resolves the session, prefetches turn
// context, and assembles the truncated prompt.
func (s *ChatService) prepareTurn(ctx context.Context, userID string, req *datatypes.ChatRequest) (*turn, *CodedError) {
	if err := req.Validate(s.cfg.MessageMaxChars); err != nil {
		return nil, &CodedError{
			Code:    CodeInvalidInput,
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Err:     err,
		}
	}

	session, err := s.store.FindOrCreateSession(ctx, userID, req.SessionID)
	if errors.Is(err, conversation.ErrNotFound) {
		// A session id the caller cannot see is treated as unknown: the turn
		// proceeds under a freshly minted session.
		slog.Info("Requested session not visible to caller, starting fresh",
			"user_id", userID)
		session, err = s.store.FindOrCreateSession(ctx, userID, "")
	}
	if err != nil {
		return nil, &CodedError{
			Code:    CodeInternal,
			Status:  http.StatusInternalServerError,
			Message: "session resolution failed",
			Err:     err,
		}
	}

	profile, history, retrieval := s.prefetch(ctx, userID, session.ID, req)
	if retrieval.Degraded {
		if m := observability.DefaultMetrics; m != nil {
			m.DegradedRetrievalsTotal.Inc()
		}
		slog.Warn("Serving turn without grounding, retrieval degraded",
			"session_id", session.ID,
		)
	}

	messages := llm.AssembleMessages(profile, history, retrieval.Documents, req.Message)
	messages, ok := llm.TruncateToBudget(messages, s.cfg.TokenBudgetIn)
	if !ok {
		return nil, NewCodedError(CodeContextTooLong, http.StatusBadRequest,
			"message too long for the model context window")
	}

	return &turn{
		session:   session,
		messages:  messages,
		retrieval: retrieval,
		cacheKey:  cache.ResponseKeyFor(messages, retrieval.DocumentIDs()),
		userText:  req.Message,
	}, nil
}

// prefetch loads profile, history, and grounding context concurrently under
// the prefetch deadline. Every leg is best-effort: a slow or failing
// dependency costs the turn that piece of context, never the turn itself.
func (s *ChatService) prefetch(ctx context.Context, userID, sessionID string, req *datatypes.ChatRequest) (*datatypes.UserProfile, []datatypes.Message, *retriever.Result) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PrefetchTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "chat.prefetch")
	defer span.End()

	var (
		wg        sync.WaitGroup
		profile   *datatypes.UserProfile
		history   []datatypes.Message
		retrieval = &retriever.Result{}
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		profile = s.loadProfile(ctx, userID)
	}()

	if req.UseHistory {
		wg.Add(1)
		go func() {
			defer wg.Done()
			history = s.loadHistory(ctx, userID, sessionID)
		}()
	}

	if req.UseRAG {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := s.retriever.Retrieve(ctx, req.Message)
			if err != nil || result == nil {
				retrieval = &retriever.Result{Degraded: true}
				return
			}
			retrieval = result
		}()
	}

	wg.Wait()
	return profile, history, retrieval
}

// loadProfile returns the user's profile, preferring the cache. A missing
// profile is normal and returns nil.
func (s *ChatService) loadProfile(ctx context.Context, userID string) *datatypes.UserProfile {
	key := cache.ProfileKey(userID)
	if raw, ok := s.cache.Get(ctx, key); ok {
		var profile datatypes.UserProfile
		if err := json.Unmarshal(raw, &profile); err == nil {
			observability.DefaultMetrics.RecordCacheLookup("profile", true)
			return &profile
		}
		s.cache.Delete(ctx, key)
	}
	observability.DefaultMetrics.RecordCacheLookup("profile", false)

	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, conversation.ErrNotFound) {
			slog.Warn("Profile load failed", "error", err)
		}
		return nil
	}
	if raw, err := json.Marshal(profile); err == nil {
		s.cache.Set(ctx, key, raw, s.cfg.ProfileCacheTTL)
	}
	return profile
}

// loadHistory returns the last HistoryN messages of the session as prompt
// messages, preferring the short-lived history cache.
func (s *ChatService) loadHistory(ctx context.Context, userID, sessionID string) []datatypes.Message {
	key := cache.HistoryKey(sessionID)
	if raw, ok := s.cache.Get(ctx, key); ok {
		var records []datatypes.ChatMessage
		if err := json.Unmarshal(raw, &records); err == nil {
			observability.DefaultMetrics.RecordCacheLookup("history", true)
			return toPromptMessages(records)
		}
		s.cache.Delete(ctx, key)
	}
	observability.DefaultMetrics.RecordCacheLookup("history", false)

	records, err := s.store.RecentMessages(ctx, userID, sessionID, s.cfg.HistoryN)
	if err != nil {
		slog.Warn("History load failed", "session_id", sessionID, "error", err)
		return nil
	}
	if raw, err := json.Marshal(records); err == nil {
		s.cache.Set(ctx, key, raw, s.cfg.HistoryCacheTTL)
	}
	return toPromptMessages(records)
}

func toPromptMessages(records []datatypes.ChatMessage) []datatypes.Message {
	messages := make([]datatypes.Message, 0, len(records))
	for _, r := range records {
		messages = append(messages, datatypes.Message{Role: r.Role, Content: r.Content})
	}
	return messages
}

// persistTurn records the turn off the request path. The user message is
// written first so the question survives even when the answer never arrived;
// assistant may be nil for exactly that case. The history cache entry is
// invalidated afterwards so the next turn sees the new messages.
func (s *ChatService) persistTurn(userID string, t *turn, assistant *assistantRecord) {
	sessionID := t.session.ID
	userText := t.userText
	sourcesCount := len(t.retrieval.Sources)

	s.background.Submit("persist_turn", func(ctx context.Context) error {
		if err := s.store.AppendMessage(ctx, userID, &datatypes.ChatMessage{
			SessionID: sessionID,
			Role:      datatypes.RoleUser,
			Content:   userText,
		}); err != nil {
			return err
		}
		if assistant != nil {
			if err := s.store.AppendMessage(ctx, userID, &datatypes.ChatMessage{
				SessionID:    sessionID,
				Role:         datatypes.RoleAssistant,
				Content:      assistant.text,
				TokensUsed:   assistant.tokensUsed,
				SourcesCount: sourcesCount,
				Cached:       assistant.cached,
			}); err != nil {
				return err
			}
		}
		s.cache.Delete(ctx, cache.HistoryKey(sessionID))
		return nil
	})
}
