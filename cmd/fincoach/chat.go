// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fincoach-ai/fincoach/pkg/ux"
)

var chatFlags struct {
	server    string
	token     string
	sessionID string
	noRAG     bool
	noHistory bool
	noVerify  bool
}

var chatCmd = &cobra.Command{
	Use:   "chat [question]",
	Short: "Ask the advisor a question and stream the answer",
	Long: "Sends one question to the advisor's streaming endpoint and prints the answer " +
		"as it is generated. The event hash chain is verified after the stream ends.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context(), strings.Join(args, " "))
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatFlags.server, "server",
		envOrDefault("FINCOACH_SERVER", "http://localhost:12310"), "advisor base URL")
	chatCmd.Flags().StringVar(&chatFlags.token, "token",
		os.Getenv("FINCOACH_TOKEN"), "bearer token (or FINCOACH_TOKEN)")
	chatCmd.Flags().StringVar(&chatFlags.sessionID, "session", "", "continue an existing session")
	chatCmd.Flags().BoolVar(&chatFlags.noRAG, "no-rag", false, "answer without knowledge base grounding")
	chatCmd.Flags().BoolVar(&chatFlags.noHistory, "no-history", false, "answer without conversation history")
	chatCmd.Flags().BoolVar(&chatFlags.noVerify, "no-verify", false, "skip hash chain verification")
	rootCmd.AddCommand(chatCmd)
}

func runChat(ctx context.Context, question string) error {
	if chatFlags.token == "" {
		return fmt.Errorf("no token: pass --token or set FINCOACH_TOKEN")
	}

	payload, err := json.Marshal(map[string]any{
		"message":     question,
		"session_id":  chatFlags.sessionID,
		"use_rag":     !chatFlags.noRAG,
		"use_history": !chatFlags.noHistory,
	})
	if err != nil {
		return err
	}

	url := strings.TrimSuffix(chatFlags.server, "/") + "/v1/chat/message/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+chatFlags.token)

	// Generation can take a while; only the dial is bounded.
	client := &http.Client{Transport: &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
	}}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("reach advisor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return advisorError(resp)
	}

	result := &ux.StreamResult{}
	err = ux.ReadStream(ctx, resp.Body, func(event ux.StreamEvent) error {
		if event.Type == ux.StreamEventToken && !event.Done {
			fmt.Print(event.Content)
		}
		if event.Type == ux.StreamEventToken && event.Done && event.Cached {
			// Cached replays carry the whole answer in the done event.
			fmt.Print(event.Content)
		}
		result.Collect(event)
		return nil
	})
	fmt.Println()
	if err != nil {
		return err
	}
	if result.Err != "" {
		return fmt.Errorf("advisor error: %s", result.Err)
	}

	if out := ux.FormatSources(result.Sources); out != "" {
		fmt.Print(out)
	}
	if result.SessionID != "" {
		fmt.Printf("Session: %s\n", result.SessionID)
	}

	if !chatFlags.noVerify {
		if chain := ux.VerifyChain(result.Events); !chain.Valid {
			return fmt.Errorf("stream integrity check failed: %s", chain.Reason)
		}
	}
	return nil
}

// advisorError surfaces the advisor's JSON error body on non-200 responses.
func advisorError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		return fmt.Errorf("advisor refused the request (%s): %s", parsed.Code, parsed.Error)
	}
	return fmt.Errorf("advisor returned status %d", resp.StatusCode)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
