// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cloudstrate/cloudstrate/pkg/config"
)

var vllmTracer = otel.Tracer("cloudstrate.llm.vllm")

// VLLMClient talks to a vLLM server through its OpenAI-compatible API.
type VLLMClient struct {
	client *openai.Client
	model  string
}

var _ Client = (*VLLMClient)(nil)

// NewVLLMClient builds a client against the configured endpoint. vLLM
// ignores the API key unless the server was started with one; go-openai
// requires a non-empty value either way.
func NewVLLMClient(cfg config.VLLMConfig) (*VLLMClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("vLLM URL not configured (set llm.vllm.url)")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("vLLM model not configured (set llm.vllm.model)")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "unused"
	}
	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = strings.TrimSuffix(cfg.URL, "/") + "/v1"
	slog.Info("Initializing vLLM client", "url", cfg.URL, "model", cfg.Model)
	return &VLLMClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}, nil
}

// Generate implements the Client interface.
func (v *VLLMClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	ctx, span := vllmTracer.Start(ctx, "VLLMClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", v.model))
	slog.Debug("Generating text via vLLM", "model", v.model)

	req := openai.ChatCompletionRequest{
		Model: v.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := v.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("vLLM API call failed", "error", err)
		return "", fmt.Errorf("vLLM API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("vLLM returned no choices")
		return "", fmt.Errorf("vLLM returned no choices")
	}
	slog.Debug("Received response from vLLM", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}
