// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package resilience provides the shared retry policy for cloud API,
// Neo4j, and LLM calls.
//
// Cloud provider APIs throttle aggressively during organization-wide
// scans, so every remote call in Cloudstrate goes through Do with a
// Policy derived from the resilience section of the config. Errors that
// will never succeed on retry (bad credentials, 404s) should be wrapped
// with Permanent to fail fast.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// Policy describes exponential backoff behavior for one class of calls.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt.
	// 0 disables retrying.
	MaxRetries int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Multiplier is the per-retry delay growth factor.
	Multiplier float64

	// Jitter randomizes each delay by ±Jitter (0-1) to avoid
	// synchronized retry storms across scan workers.
	Jitter float64

	// OnRetry, when set, is called before each wait with the error that
	// triggered the retry and the upcoming delay.
	OnRetry func(err error, next time.Duration)
}

// DefaultPolicy matches the config defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   5,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	return b
}

// Do runs op until it succeeds, returns a permanent error, the context
// is canceled, or the attempt budget (MaxRetries + 1) is exhausted. The
// last error is returned on failure.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxRetries) + 1),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(p.OnRetry)))
	}
	return backoff.Retry(ctx, op, opts...)
}

// DoVoid is Do for operations with no result value.
func DoVoid(ctx context.Context, p Policy, op func() error) error {
	_, err := Do(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// Permanent marks err as non-retryable: Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// NewLimiter returns a token-bucket limiter for paced API paging.
// Callers Wait before each page request so retries and fresh calls
// share one budget.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(rps), burst)
}
