// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package state persists governance artifacts (scan snapshots, mapping
// state, generated infrastructure) under a pluggable backend. Teams
// that keep governance in git use the github backend; the cloud
// backends suit pipelines, and local is the single-machine default.
//
// Keys are opaque slash-separated paths like "scans/latest.yaml". No
// backend interprets the contents.
package state

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/cloudstrate/cloudstrate/pkg/config"
	"github.com/cloudstrate/cloudstrate/pkg/logging"
	"github.com/cloudstrate/cloudstrate/pkg/resilience"
)

// ErrNotFound is returned by Get and Delete for keys that do not exist.
var ErrNotFound = errors.New("state key not found")

// Backend stores opaque documents under slash-separated keys.
// Implementations must be safe for concurrent use.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// New builds the configured backend.
func New(ctx context.Context, cfg config.StateConfig, logger *logging.Logger, policy resilience.Policy) (Backend, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalBackend(cfg.LocalPath)
	case "github":
		return NewGitHubBackend(ctx, cfg.GitHub, logger, policy)
	case "s3":
		return NewS3Backend(cfg.S3, logger, policy)
	case "gcs":
		return NewGCSBackend(ctx, cfg.GCS, logger, policy)
	default:
		return nil, fmt.Errorf("unknown state backend %q (want local, github, s3, or gcs)", cfg.Backend)
	}
}

// validateKey rejects keys that would escape the backend root or
// surprise a remote API.
func validateKey(key string) error {
	if key == "" {
		return errors.New("state key is empty")
	}
	if path.IsAbs(key) || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid state key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid state key %q", key)
		}
	}
	return nil
}

// joinPrefix prepends a backend-level prefix to a key.
func joinPrefix(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	if key == "" {
		return prefix
	}
	return prefix + "/" + key
}
