// Copyright (C) 2025 FinCoach AI (engineering@fincoach.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file implements secure token accumulation for streamed assistant
// replies. Financial conversations are sensitive: the full reply is held in
// mlocked memory so it cannot be swapped to disk, and is hashed incrementally
// as tokens arrive for integrity verification.

package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// SecureBufferSize is the mlocked buffer capacity per accumulator.
	// 512 KB covers roughly 131,000 tokens at 4 bytes/token, far beyond any
	// single assistant reply.
	SecureBufferSize = 512 * 1024

	// MinMlockLimitKB is the minimum RLIMIT_MEMLOCK required for secure mode.
	MinMlockLimitKB = 512
)

// insecureMemoryEnv acknowledges running without mlock protection.
const insecureMemoryEnv = "FINCOACH_INSECURE_MEMORY"

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// TokenAccumulator collects streamed tokens for one assistant reply.
//
// # Description
//
// Tokens are hashed the moment they arrive, never sitting unhashed in the
// buffer. Finalize returns the complete reply and its SHA-256 hex digest and
// wipes the buffer; Destroy wipes without returning data and is the error
// path cleanup. Both are terminal.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
//
// # Limitations
//
//   - The buffer is fixed-size; a reply exceeding SecureBufferSize marks the
//     accumulator overflowed and Finalize fails.
//   - An accumulator cannot be reused after Finalize or Destroy.
type TokenAccumulator interface {
	Write(token string) error
	Finalize() (answer string, hash string, err error)
	Destroy()
	ID() string
	CreatedAt() time.Time
}

// NewSecureTokenAccumulator allocates an accumulator backed by mlocked
// memory. When the mlock limit is insufficient it returns an error unless
// FINCOACH_INSECURE_MEMORY=true, in which case it falls back to ordinary
// heap memory with a warning.
func NewSecureTokenAccumulator() (TokenAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv(insecureMemoryEnv) == "true" {
			return newInsecureTokenAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB; raise the limit or set %s=true",
			currentMlockLimitKB, MinMlockLimitKB, insecureMemoryEnv,
		)
	}

	buf := memguard.NewBuffer(SecureBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", SecureBufferSize)
	}
	buf.Melt()

	acc := &secureTokenAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}
	slog.Debug("Created secure token accumulator",
		"accumulator_id", acc.id,
		"buffer_size", SecureBufferSize,
	)
	return acc, nil
}

// secureTokenAccumulator stores tokens in a memguard LockedBuffer: mlocked
// against swap, guard pages against overruns, explicit zeroing on wipe.
type secureTokenAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *secureTokenAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow, reply too large")
	}

	tokenBytes := []byte(token)
	if a.offset+len(tokenBytes) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(tokenBytes), SecureBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], tokenBytes)
	a.offset += len(tokenBytes)
	a.hasher.Write(tokenBytes)
	return nil
}

func (a *secureTokenAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.buffer.Bytes()[:a.offset])
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized secure token accumulator",
		"accumulator_id", a.id,
		"answer_length", len(answer),
		"hash", digest[:16]+"...",
	)
	return answer, digest, nil
}

func (a *secureTokenAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *secureTokenAccumulator) ID() string           { return a.id }
func (a *secureTokenAccumulator) CreatedAt() time.Time { return a.createdAt }

func (a *secureTokenAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// insecureTokenAccumulator is the plain-memory fallback. Same contract, no
// mlock guarantees: data may be swapped and wiping is best-effort under GC.
type insecureTokenAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func newInsecureTokenAccumulator() TokenAccumulator {
	acc := &insecureTokenAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		data:      make([]byte, 0, SecureBufferSize),
		hasher:    sha256.New(),
	}
	slog.Warn("Created INSECURE token accumulator, reply data may be swapped to disk",
		"accumulator_id", acc.id,
	)
	return acc
}

func (a *insecureTokenAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow, reply too large")
	}

	tokenBytes := []byte(token)
	if len(a.data)+len(tokenBytes) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(tokenBytes), SecureBufferSize-len(a.data))
	}

	a.data = append(a.data, tokenBytes...)
	a.hasher.Write(tokenBytes)
	return nil
}

func (a *insecureTokenAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.data)
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return answer, digest, nil
}

func (a *insecureTokenAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *insecureTokenAccumulator) ID() string           { return a.id }
func (a *insecureTokenAccumulator) CreatedAt() time.Time { return a.createdAt }

func (a *insecureTokenAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// initMemguard performs one-time memguard setup and records whether the
// process may mlock enough memory for secure accumulation.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		} else {
			slog.Warn("mlock limit insufficient for secure memory",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
				"fallback_env", insecureMemoryEnv,
			)
		}
	})
}

// checkMlockLimit returns whether RLIMIT_MEMLOCK admits SecureBufferSize,
// and the current limit in KB (-1 when unlimited or unknown).
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// PurgeAllSecureMemory wipes all memguard-allocated buffers. Called during
// graceful shutdown.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
