// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
)

var tracer = otel.Tracer("fincoach.llm.ollama")

// OllamaClient talks to a local ollama instance over its native HTTP API.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []datatypes.Message    `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// ollamaStreamChunk is one NDJSON line of a streaming /api/chat response.
// Error is set on in-stream failures (model crash, OOM) after a 200 header
// has already gone out.
type ollamaStreamChunk struct {
	Message   datatypes.Message `json:"message"`
	CreatedAt string            `json:"created_at"`
	Done      bool              `json:"done"`
	EvalCount int               `json:"eval_count"`
	Error     string            `json:"error,omitempty"`
}

// NewOllamaClient builds a client for the instance at baseURL.
func NewOllamaClient(baseURL, model string) (*OllamaClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("ollama base URL not configured")
	}
	if model == "" {
		return nil, fmt.Errorf("ollama model not configured")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// options maps GenerationParams onto ollama's options object, filling the
// advisor defaults for unset knobs.
func (o *OllamaClient) options(params GenerationParams) map[string]interface{} {
	opts := make(map[string]interface{})
	if params.Temperature != nil {
		opts["temperature"] = *params.Temperature
	} else {
		opts["temperature"] = float32(0.2)
	}
	if params.TopK != nil {
		opts["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		opts["top_p"] = *params.TopP
	} else {
		opts["top_p"] = float32(0.9)
	}
	if params.MaxTokens != nil {
		opts["num_predict"] = *params.MaxTokens
	} else {
		opts["num_predict"] = 1024
	}
	if len(params.Stop) > 0 {
		opts["stop"] = params.Stop
	}
	return opts
}

// Generate implements the LLMClient interface.
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	payload := ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Stream:  false,
		Options: o.options(params),
	}
	body, status, err := o.post(ctx, "/api/generate", payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if status != http.StatusOK {
		return "", o.statusError(status, body)
	}

	var parsed ollamaGenerateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		slog.Error("Failed to parse Ollama generate response", "error", err)
		return "", fmt.Errorf("parse ollama response: %w", err)
	}
	return parsed.Response, nil
}

// Chat implements the LLMClient interface.
func (o *OllamaClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (*ChatResult, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)))

	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   false,
		Options:  o.options(params),
	}
	body, status, err := o.post(ctx, "/api/chat", payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if status != http.StatusOK {
		return nil, o.statusError(status, body)
	}

	var parsed ollamaStreamChunk
	if err := json.Unmarshal(body, &parsed); err != nil {
		slog.Error("Failed to parse Ollama chat response", "error", err)
		return nil, fmt.Errorf("parse ollama chat response: %w", err)
	}
	if parsed.Message.Role != datatypes.RoleAssistant {
		slog.Warn("Ollama chat response role was not assistant", "role", parsed.Message.Role)
	}
	return &ChatResult{Text: parsed.Message.Content, TokensUsed: parsed.EvalCount}, nil
}

// ChatStream implements the LLMClient interface: one NDJSON line per token.
//
// Step 1: POST /api/chat with stream=true.
// Step 2: Scan lines, emitting a token event per content chunk.
// Step 3: On a done chunk, emit exactly one done event and return nil.
// Step 4: On an in-stream error chunk, emit an error event and return the
// error; the caller decides what reaches the client.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)))

	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
		Options:  o.options(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return o.statusError(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaStreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			slog.Warn("Skipping malformed stream chunk", "error", err)
			continue
		}

		if chunk.Error != "" {
			if cbErr := callback(StreamEvent{Type: StreamEventError, Error: chunk.Error}); cbErr != nil {
				return fmt.Errorf("stream callback failed: %w", cbErr)
			}
			return fmt.Errorf("ollama stream error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: chunk.Message.Content}); cbErr != nil {
				return fmt.Errorf("stream callback failed: %w", cbErr)
			}
		}

		if chunk.Done {
			if cbErr := callback(StreamEvent{Type: StreamEventDone}); cbErr != nil {
				return fmt.Errorf("stream callback failed: %w", cbErr)
			}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("read stream: %w", err)
	}
	// EOF without a done chunk: the connection dropped mid-generation.
	return fmt.Errorf("%w: stream ended without done marker", ErrModelUnavailable)
}

func (o *OllamaClient) post(ctx context.Context, path string, payload any) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama API call failed", "path", path, "error", err)
		return nil, 0, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

func (o *OllamaClient) statusError(status int, body []byte) error {
	if status == http.StatusNotFound {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil &&
			strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
			slog.Warn("Ollama model not found", "model", o.model)
			return fmt.Errorf("%w: model '%s' not found, run: ollama pull %s",
				ErrModelUnavailable, o.model, o.model)
		}
	}
	slog.Error("Ollama returned an error", "status_code", status, "response", string(body))
	return fmt.Errorf("ollama failed with status %d: %s", status, string(body))
}

// Healthy reports whether the ollama instance is reachable. Hits /api/tags,
// which never triggers a model load.
func (o *OllamaClient) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrModelUnavailable, resp.StatusCode)
	}
	return nil
}

var _ LLMClient = (*OllamaClient)(nil)
