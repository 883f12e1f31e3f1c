// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

// maxSSELineBytes bounds one SSE line; a cached replay carries the whole
// reply in a single done event.
const maxSSELineBytes = 1024 * 1024

// ReadStream consumes an advisor SSE stream, invoking callback per event in
// arrival order.
//
// The read ends when a terminal event arrives, the source hits EOF, the
// context is cancelled, or the callback returns an error. EOF before a
// terminal event is reported as an error: the connection dropped
// mid-generation.
func ReadStream(ctx context.Context, r io.Reader, callback StreamCallback) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		event, err := ParseSSELine(scanner.Text())
		if err != nil {
			return err
		}
		if event == nil {
			continue
		}
		if err := callback(*event); err != nil {
			return err
		}
		if event.Terminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("stream ended without a terminal event")
}

// ReadStreamAll consumes the whole stream into a StreamResult.
//
// A server-reported error event is captured in StreamResult.Err, not returned
// as a Go error; transport and parse failures are.
func ReadStreamAll(ctx context.Context, r io.Reader) (*StreamResult, error) {
	result := &StreamResult{}
	err := ReadStream(ctx, r, func(event StreamEvent) error {
		result.Collect(event)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
