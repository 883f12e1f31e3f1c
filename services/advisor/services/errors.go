// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package services implements the advisor's chat serving core: the turn
// pipeline shared by the synchronous, SSE, and websocket endpoints.
package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fincoach-ai/fincoach/services/llm"
)

// Stable error codes surfaced to clients. The code is part of the API
// contract; the message is not.
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeNotFound         = "NOT_FOUND"
	CodeRateLimited      = "RATE_LIMITED"
	CodeContextTooLong   = "CONTEXT_TOO_LONG"
	CodeModelUnavailable = "MODEL_UNAVAILABLE"
	CodeInternal         = "INTERNAL"
)

// CodedError pairs a stable machine-readable code and HTTP status with a
// human-readable message. Handlers translate it to a JSON error body, an SSE
// error event, or a websocket error frame without inspecting the cause.
type CodedError struct {
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.Err }

// NewCodedError builds a CodedError without an underlying cause.
func NewCodedError(code string, status int, message string) *CodedError {
	return &CodedError{Code: code, Status: status, Message: message}
}

// AsCoded extracts the CodedError from err, or wraps err as INTERNAL so
// handlers never leak raw error strings to clients.
func AsCoded(err error) *CodedError {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded
	}
	return &CodedError{
		Code:    CodeInternal,
		Status:  http.StatusInternalServerError,
		Message: "internal error",
		Err:     err,
	}
}

// mapLLMError translates backend failures onto the stable taxonomy.
func mapLLMError(err error) *CodedError {
	switch {
	case errors.Is(err, llm.ErrContextTooLong):
		return &CodedError{
			Code:    CodeContextTooLong,
			Status:  http.StatusBadRequest,
			Message: "conversation too long for the model context window",
			Err:     err,
		}
	case errors.Is(err, llm.ErrModelUnavailable):
		return &CodedError{
			Code:    CodeModelUnavailable,
			Status:  http.StatusServiceUnavailable,
			Message: "language model is unavailable, try again shortly",
			Err:     err,
		}
	default:
		return &CodedError{
			Code:    CodeInternal,
			Status:  http.StatusInternalServerError,
			Message: "chat generation failed",
			Err:     err,
		}
	}
}
