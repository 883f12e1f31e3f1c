// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fincoach",
	Short: "FinCoach advisor service",
	Long:  "FinCoach runs the conversational financial-advice backend: RAG retrieval, LLM generation, and the HTTP/websocket chat surface.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
