// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/cloudstrate/cloudstrate/pkg/config"
	"github.com/cloudstrate/cloudstrate/pkg/logging"
	"github.com/cloudstrate/cloudstrate/pkg/resilience"
)

// GCSBackend stores documents as objects in a Cloud Storage bucket.
type GCSBackend struct {
	bucket *storage.BucketHandle
	prefix string
	policy resilience.Policy
	logger *logging.Logger
}

// NewGCSBackend authenticates with the configured service account key,
// or application default credentials when none is set.
func NewGCSBackend(ctx context.Context, cfg config.GCSStateConfig, logger *logging.Logger, policy resilience.Policy) (*GCSBackend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs state backend requires a bucket (set state.gcs.bucket)")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &GCSBackend{
		bucket: client.Bucket(cfg.Bucket),
		prefix: strings.Trim(cfg.Prefix, "/"),
		policy: policy,
		logger: logger,
	}, nil
}

func (b *GCSBackend) objectKey(key string) string {
	return joinPrefix(b.prefix, key)
}

func (b *GCSBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := resilience.DoVoid(ctx, b.policy, func() error {
		writer := b.bucket.Object(b.objectKey(key)).NewWriter(ctx)
		writer.ContentType = "application/octet-stream"
		if _, err := writer.Write(data); err != nil {
			writer.Close()
			return err
		}
		// Write errors surface on Close.
		return writer.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to write %s to gcs: %w", key, err)
	}
	return nil
}

func (b *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := resilience.Do(ctx, b.policy, func() ([]byte, error) {
		reader, err := b.bucket.Object(b.objectKey(key)).NewReader(ctx)
		if err != nil {
			return nil, classifyGCSError(err)
		}
		defer reader.Close()
		return io.ReadAll(reader)
	})
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read %s from gcs: %w", key, err)
	}
	return data, nil
}

func (b *GCSBackend) List(ctx context.Context, prefix string) ([]string, error) {
	strip := ""
	if b.prefix != "" {
		strip = b.prefix + "/"
	}
	var keys []string
	err := resilience.DoVoid(ctx, b.policy, func() error {
		keys = keys[:0]
		it := b.bucket.Objects(ctx, &storage.Query{Prefix: joinPrefix(b.prefix, prefix)})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			if err != nil {
				return classifyGCSError(err)
			}
			keys = append(keys, strings.TrimPrefix(attrs.Name, strip))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list state from gcs: %w", err)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

func (b *GCSBackend) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := resilience.DoVoid(ctx, b.policy, func() error {
		return classifyGCSError(b.bucket.Object(b.objectKey(key)).Delete(ctx))
	})
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("failed to delete %s from gcs: %w", key, err)
	}
	return nil
}

// classifyGCSError marks errors retrying cannot fix as permanent.
func classifyGCSError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return resilience.Permanent(err)
	}
	return err
}

var _ Backend = (*GCSBackend)(nil)
