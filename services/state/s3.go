// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/cloudstrate/cloudstrate/pkg/config"
	"github.com/cloudstrate/cloudstrate/pkg/logging"
	"github.com/cloudstrate/cloudstrate/pkg/resilience"
)

// S3Backend stores documents as objects under bucket/prefix.
type S3Backend struct {
	client s3iface.S3API
	bucket string
	prefix string
	policy resilience.Policy
	logger *logging.Logger
}

// NewS3Backend builds the backend over shared AWS credentials, the same
// way the scanner authenticates.
func NewS3Backend(cfg config.S3StateConfig, logger *logging.Logger, policy resilience.Policy) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 state backend requires a bucket (set state.s3.bucket)")
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Profile:           cfg.Profile,
		SharedConfigState: session.SharedConfigEnable,
		Config: aws.Config{
			Region: aws.String(cfg.Region),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session for profile %q: %w", cfg.Profile, err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &S3Backend{
		client: s3.New(sess),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		policy: policy,
		logger: logger,
	}, nil
}

func (b *S3Backend) objectKey(key string) string {
	return joinPrefix(b.prefix, key)
}

func (b *S3Backend) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := resilience.DoVoid(ctx, b.policy, func() error {
		_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.objectKey(key)),
			Body:   bytes.NewReader(data),
		})
		return classifyS3Error(err)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s to s3: %w", key, err)
	}
	return nil
}

func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := resilience.Do(ctx, b.policy, func() ([]byte, error) {
		out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.objectKey(key)),
		})
		if err != nil {
			return nil, classifyS3Error(err)
		}
		defer out.Body.Close()
		return io.ReadAll(out.Body)
	})
	if err != nil {
		if s3ErrorCode(err) == s3.ErrCodeNoSuchKey {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read %s from s3: %w", key, err)
	}
	return data, nil
}

func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	strip := ""
	if b.prefix != "" {
		strip = b.prefix + "/"
	}
	var keys []string
	err := resilience.DoVoid(ctx, b.policy, func() error {
		keys = keys[:0]
		return classifyS3Error(b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.bucket),
			Prefix: aws.String(joinPrefix(b.prefix, prefix)),
		}, func(page *s3.ListObjectsV2Output, _ bool) bool {
			for _, obj := range page.Contents {
				keys = append(keys, strings.TrimPrefix(aws.StringValue(obj.Key), strip))
			}
			return true
		}))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list state from s3: %w", err)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// Delete is idempotent: S3 reports success for keys that do not exist,
// and that is fine for cleanup flows.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := resilience.DoVoid(ctx, b.policy, func() error {
		_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.objectKey(key)),
		})
		return classifyS3Error(err)
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s from s3: %w", key, err)
	}
	return nil
}

// classifyS3Error marks errors retrying cannot fix as permanent.
func classifyS3Error(err error) error {
	if err == nil {
		return nil
	}
	switch s3ErrorCode(err) {
	case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "AccessDenied", "NotFound":
		return resilience.Permanent(err)
	}
	return err
}

func s3ErrorCode(err error) string {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code()
	}
	return ""
}

var _ Backend = (*S3Backend)(nil)
