// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging configures structured logging for FinCoach services.
//
// All services log through the standard library slog package. This package
// owns the one-time setup: it parses the LOG_LEVEL and LOG_FORMAT environment
// variables, builds the matching handler, and installs it as the process-wide
// default so that every `slog.Info(...)` call in the codebase goes through it.
//
// # Usage
//
//	logging.Setup()
//	slog.Info("starting advisor", "port", cfg.Port)
//
// # Levels
//
// LOG_LEVEL accepts debug, info, warn, error (default info).
// LOG_FORMAT accepts text or json (default json; containers ship JSON lines).
//
// # Security Considerations
//
// This package does NOT redact sensitive data. Callers must not log message
// content, tokens, or profile fields above Debug level.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Setup installs the process-wide slog handler from environment settings.
//
// Safe to call more than once; the last call wins. Returns the logger it
// installed so tests can assert on configuration.
func Setup() *slog.Logger {
	return SetupWith(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// SetupWith installs a handler for an explicit level and format.
func SetupWith(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLevel maps a level string to a slog.Level, defaulting to Info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
