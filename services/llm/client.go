// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides the natural-language backends used to translate
// governance questions into Cypher. Providers share one minimal Client
// interface; everything else (chat history, streaming, tool calls) is
// out of scope for query translation.
package llm

import (
	"context"
	"errors"
)

// GenerationParams are per-call overrides. Nil fields fall back to the
// provider's configured defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Client is the interface every LLM backend implements.
type Client interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// ErrLLMDisabled is returned by the disabled provider. Callers treat it
// as "answer without translation", not as a failure.
var ErrLLMDisabled = errors.New("llm provider is disabled")

// DisabledClient satisfies Client when llm.provider is "disabled".
type DisabledClient struct{}

var _ Client = (*DisabledClient)(nil)

func NewDisabledClient() *DisabledClient {
	return &DisabledClient{}
}

func (d *DisabledClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	return "", ErrLLMDisabled
}
