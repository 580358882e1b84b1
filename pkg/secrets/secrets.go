// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package secrets resolves sensitive values (Neo4j passwords, API keys,
// GitHub tokens) from the environment into mlocked memory.
//
// Values are held in memguard LockedBuffers so they cannot be swapped to
// disk while a scan or analyst session is running. On systems where the
// mlock limit is too low, the package falls back to plain memory when
// CLOUDSTRATE_INSECURE_MEMORY=true is set, and refuses otherwise.
package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// MinMlockLimitKB is the minimum mlock limit required in kilobytes.
// Secrets are small; 64 KB leaves room for guard pages and canaries.
const MinMlockLimitKB = 64

// ErrNotSet is returned when none of the requested environment variables
// hold a value.
var ErrNotSet = errors.New("secret environment variable not set")

var (
	initOnce            sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// Secret holds one sensitive value. In secure mode the bytes live in an
// mlocked buffer with guard pages; in insecure fallback mode they live
// in ordinary memory and wiping is best effort.
type Secret struct {
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer // nil in insecure mode
	plain     []byte                 // insecure fallback storage
	source    string                 // env var or label, for error messages
	destroyed bool
}

// Resolve reads the named environment variable into a Secret. The value
// stays in the process environment (Go cannot scrub it), but every copy
// this package makes is protected.
//
// Returns ErrNotSet (wrapped with the variable name) when the variable
// is empty or absent.
func Resolve(envVar string) (*Secret, error) {
	value := os.Getenv(envVar)
	if value == "" {
		return nil, fmt.Errorf("%s: %w", envVar, ErrNotSet)
	}
	return newSecret(envVar, []byte(value))
}

// ResolveFirst tries each environment variable in order and returns the
// first that holds a value. Used for override chains such as
// CLOUDSTRATE_NEO4J_PASSWORD falling back to NEO4J_PASSWORD.
func ResolveFirst(envVars ...string) (*Secret, error) {
	for _, env := range envVars {
		if value := os.Getenv(env); value != "" {
			return newSecret(env, []byte(value))
		}
	}
	return nil, fmt.Errorf("none of %v set: %w", envVars, ErrNotSet)
}

// FromString wraps an already collected value, such as a password typed
// into a setup prompt. The label appears in errors and logs in place of
// an environment variable name.
func FromString(label, value string) (*Secret, error) {
	if value == "" {
		return nil, fmt.Errorf("%s: empty secret value", label)
	}
	return newSecret(label, []byte(value))
}

func newSecret(source string, value []byte) (*Secret, error) {
	initSecureMemory()

	if !mlockSufficient {
		if os.Getenv("CLOUDSTRATE_INSECURE_MEMORY") != "true" {
			return nil, fmt.Errorf(
				"mlock limit insufficient for secure secret storage: have %d KB, need %d KB; "+
					"raise the limit or set CLOUDSTRATE_INSECURE_MEMORY=true",
				currentMlockLimitKB, MinMlockLimitKB,
			)
		}
		slog.Warn("SECURITY: storing secret in unprotected memory",
			"source", source,
			"mlock_limit_kb", currentMlockLimitKB,
		)
		plain := make([]byte, len(value))
		copy(plain, value)
		return &Secret{plain: plain, source: source}, nil
	}

	// NewBufferFromBytes wipes the input slice after copying.
	buf := memguard.NewBufferFromBytes(value)
	return &Secret{buffer: buf, source: source}, nil
}

// Value returns a copy of the secret. Callers should keep the copy
// short-lived; the protected original remains in the Secret.
func (s *Secret) Value() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ""
	}
	if s.buffer != nil {
		return s.buffer.String()
	}
	return string(s.plain)
}

// Source returns the environment variable or label the secret came from.
func (s *Secret) Source() string {
	return s.source
}

// Destroy wipes the secret. Idempotent.
func (s *Secret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	if s.buffer != nil {
		s.buffer.Destroy()
		s.buffer = nil
	}
	for i := range s.plain {
		s.plain[i] = 0
	}
	s.plain = nil
	s.destroyed = true
}

// Purge wipes all memguard-allocated memory. Call during graceful
// shutdown; SIGINT/SIGTERM trigger it automatically via CatchInterrupt.
func Purge() {
	memguard.Purge()
}

// MlockAvailable reports whether secure storage is usable and the
// current mlock limit in KB (-1 when unlimited). Setup diagnostics use
// this to explain fallback behavior.
func MlockAvailable() (bool, int64) {
	initSecureMemory()
	return mlockSufficient, currentMlockLimitKB
}

// initSecureMemory performs one-time memguard setup and limit checks.
func initSecureMemory() {
	initOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if !mlockSufficient {
			slog.Warn("mlock limit below secure storage minimum",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		}
	})
}

// checkMlockLimit queries RLIMIT_MEMLOCK. An unreadable limit is treated
// as sufficient so the common case keeps working.
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
