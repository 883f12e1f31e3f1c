// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/fincoach-ai/fincoach/services/advisor/datatypes"
)

// OpenAIClient implements LLMClient on the OpenAI chat completions API (or
// any compatible endpoint via a custom base URL).
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client. An empty apiKey falls back to the
// container secret file, matching how the deployment mounts credentials.
func NewOpenAIClient(apiKey, baseURL, model string) (*OpenAIClient, error) {
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		raw, err := os.ReadFile(secretPath)
		if err != nil {
			slog.Error("OpenAI API key not configured and secret not found", "path", secretPath)
			return nil, fmt.Errorf("openai api key not configured")
		}
		apiKey = strings.TrimSpace(string(raw))
		slog.Info("Read the OpenAI API key from the mounted secret")
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OpenAI model not set, defaulting to gpt-4o-mini")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func (o *OpenAIClient) request(messages []datatypes.Message, params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toOpenAIMessages(messages),
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// Generate implements the LLMClient interface.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	res, err := o.Chat(ctx, []datatypes.Message{
		{Role: datatypes.RoleUser, Content: prompt},
	}, params)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Chat implements the LLMClient interface.
func (o *OpenAIClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (*ChatResult, error) {
	resp, err := o.client.CreateChatCompletion(ctx, o.request(messages, params))
	if err != nil {
		return nil, o.wrapAPIError(err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices")
		return nil, fmt.Errorf("openai returned no choices")
	}
	return &ChatResult{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.CompletionTokens,
	}, nil
}

// ChatStream implements the LLMClient interface over SSE deltas.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	req := o.request(messages, params)
	req.Stream = true

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return o.wrapAPIError(err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return callback(StreamEvent{Type: StreamEventDone})
		}
		if err != nil {
			wrapped := o.wrapAPIError(err)
			if cbErr := callback(StreamEvent{Type: StreamEventError, Error: wrapped.Error()}); cbErr != nil {
				return fmt.Errorf("stream callback failed: %w", cbErr)
			}
			return wrapped
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: delta}); cbErr != nil {
				return fmt.Errorf("stream callback failed: %w", cbErr)
			}
		}
	}
}

// wrapAPIError folds API failures onto the package sentinels so the edge can
// map them to stable error codes.
func (o *OpenAIClient) wrapAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 400 && strings.Contains(strings.ToLower(apiErr.Message), "context"):
			return fmt.Errorf("%w: %v", ErrContextTooLong, err)
		case apiErr.HTTPStatusCode >= 500, apiErr.HTTPStatusCode == 429:
			return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		}
	}
	slog.Error("OpenAI API call failed", "error", err)
	return fmt.Errorf("openai api call failed: %w", err)
}

// Healthy reports whether the API endpoint is reachable, via the models
// listing.
func (o *OpenAIClient) Healthy(ctx context.Context) error {
	if _, err := o.client.ListModels(ctx); err != nil {
		return o.wrapAPIError(err)
	}
	return nil
}

var _ LLMClient = (*OpenAIClient)(nil)
