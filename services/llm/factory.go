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

	"github.com/cloudstrate/cloudstrate/pkg/config"
)

// NewFromConfig builds the provider selected by llm.provider.
func NewFromConfig(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGeminiClient(ctx, cfg.Gemini)
	case "ollama":
		return NewOllamaClient(cfg.Ollama)
	case "vllm":
		return NewVLLMClient(cfg.VLLM)
	case "disabled":
		return NewDisabledClient(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q (want gemini, ollama, vllm, or disabled)", cfg.Provider)
	}
}
