// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config defines the Cloudstrate configuration schema and the
// loader that resolves it from disk, environment variables, and defaults.
//
// Configuration lives in cloudstrate-config.yaml, discovered by searching
// the working directory and its parents, then the user config dir, then
// /etc/cloudstrate. A missing file is not an error: every field has a
// working default so `cloudstrate scan` runs out of the box.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

// ConfigFileName is the well-known name searched for by Discover.
const ConfigFileName = "cloudstrate-config.yaml"

// =============================================================================
// Shared Validator Instance
// =============================================================================

// configValidate is the validator instance for the config schema.
// Initialized in init().
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// =============================================================================
// Schema
// =============================================================================

// Config is the root Cloudstrate configuration.
type Config struct {
	// LLM: natural-language query translation backend
	LLM LLMConfig `yaml:"llm"`

	// Neo4j: graph database connection
	Neo4j Neo4jConfig `yaml:"neo4j"`

	// State: where mapping state and scan artifacts are persisted
	State StateConfig `yaml:"state"`

	// Scanner: cloud inventory collection settings
	Scanner ScannerConfig `yaml:"scanner"`

	// Analyst: query API server settings
	Analyst AnalystConfig `yaml:"analyst"`

	// Auth: analyst API authentication
	Auth AuthConfig `yaml:"auth"`

	// Knowledge: optional governance document retrieval
	Knowledge KnowledgeConfig `yaml:"knowledge"`

	// Resilience: retry/backoff tuning for cloud and graph calls
	Resilience ResilienceConfig `yaml:"resilience"`
}

// LLMConfig selects and configures the natural-language provider.
type LLMConfig struct {
	// Provider can be "gemini", "ollama", "vllm", or "disabled".
	Provider string `yaml:"provider" validate:"oneof=gemini ollama vllm disabled"`

	Gemini GeminiConfig `yaml:"gemini"`
	Ollama OllamaConfig `yaml:"ollama"`
	VLLM   VLLMConfig   `yaml:"vllm"`

	// ContextInjection prepends graph schema context to translation
	// prompts. Disable to save tokens on small-context models.
	ContextInjection bool `yaml:"context_injection"`
}

type GeminiConfig struct {
	Model       string  `yaml:"model"`       // e.g. gemini-2.0-flash-exp
	APIKeyEnv   string  `yaml:"api_key_env"` // env var holding the key, never the key itself
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `yaml:"max_tokens" validate:"gte=0"`
}

type OllamaConfig struct {
	Model         string  `yaml:"model"` // e.g. llama3.1:70b
	URL           string  `yaml:"url"`   // e.g. http://localhost:11434
	Temperature   float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	ContextWindow int     `yaml:"context_window" validate:"gte=0"`
}

type VLLMConfig struct {
	Model  string `yaml:"model"` // e.g. meta-llama/Llama-3.1-70B-Instruct
	URL    string `yaml:"url"`   // OpenAI-compatible endpoint, e.g. http://localhost:8000
	APIKey string `yaml:"api_key,omitempty"`
}

// Neo4jConfig holds the Bolt connection settings. Password is normally
// left empty here and supplied via CLOUDSTRATE_NEO4J_PASSWORD.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`  // e.g. bolt://localhost:7687
	User     string `yaml:"user"` // e.g. neo4j
	Password string `yaml:"password,omitempty"`
	Database string `yaml:"database"`
}

// StateConfig selects the persistence backend for mapping state.
type StateConfig struct {
	// Backend can be "github", "s3", "gcs", or "local".
	Backend string `yaml:"backend" validate:"oneof=github s3 gcs local"`

	GitHub GitHubStateConfig `yaml:"github"`
	S3     S3StateConfig     `yaml:"s3"`
	GCS    GCSStateConfig    `yaml:"gcs"`

	// LocalPath is the directory used by the "local" backend.
	LocalPath string `yaml:"local_path"`
}

type GitHubStateConfig struct {
	Repo     string `yaml:"repo"` // e.g. myorg/governance-state
	Branch   string `yaml:"branch"`
	Path     string `yaml:"path"`      // directory inside the repo
	TokenEnv string `yaml:"token_env"` // env var holding the token
}

type S3StateConfig struct {
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
	Profile string `yaml:"profile,omitempty"` // shared-credentials profile override
}

type GCSStateConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file,omitempty"` // service account JSON; ADC when empty
}

// ScannerConfig groups per-source inventory collection settings.
type ScannerConfig struct {
	AWS        AWSScannerConfig        `yaml:"aws"`
	Kubernetes KubernetesScannerConfig `yaml:"kubernetes"`
	GitHub     GitHubScannerConfig     `yaml:"github"`
}

type AWSScannerConfig struct {
	Profile           string   `yaml:"profile,omitempty"` // shared-credentials profile
	Regions           []string `yaml:"regions"`
	IncludeIAM        bool     `yaml:"include_iam"`
	IncludeNetwork    bool     `yaml:"include_network"`
	IncludeCloudTrail bool     `yaml:"include_cloudtrail"`
}

type KubernetesScannerConfig struct {
	Context    string   `yaml:"context,omitempty"`    // kubeconfig context; current when empty
	Namespaces []string `yaml:"namespaces,omitempty"` // all namespaces when empty
}

type GitHubScannerConfig struct {
	Organization     string `yaml:"organization,omitempty"`
	IncludeWorkflows bool   `yaml:"include_workflows"`
	IncludeOIDC      bool   `yaml:"include_oidc"`
}

// AnalystConfig holds the query API server settings.
type AnalystConfig struct {
	Port int    `yaml:"port" validate:"gte=1,lte=65535"`
	Host string `yaml:"host"`

	// EnableCloudTrail exposes the Athena-backed CloudTrail query
	// endpoint. Requires athena settings below.
	EnableCloudTrail bool         `yaml:"enable_cloudtrail"`
	Athena           AthenaConfig `yaml:"athena"`

	// CacheDir overrides the translation cache location.
	// Defaults to ~/.cloudstrate/cache when empty.
	CacheDir string `yaml:"cache_dir,omitempty"`
}

type AthenaConfig struct {
	Database       string `yaml:"database"`  // e.g. cloudtrail_logs
	Workgroup      string `yaml:"workgroup"` // e.g. primary
	Region         string `yaml:"region"`
	OutputLocation string `yaml:"output_location,omitempty"` // e.g. s3://bucket/athena-results/
}

// AuthConfig controls analyst API authentication.
type AuthConfig struct {
	// Mode can be "none", "api_key", or "oidc".
	Mode      string     `yaml:"mode" validate:"oneof=none api_key oidc"`
	APIKeyEnv string     `yaml:"api_key_env"` // env var holding the expected key
	OIDC      OIDCConfig `yaml:"oidc"`
}

type OIDCConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Issuer          string   `yaml:"issuer,omitempty"`
	ClientID        string   `yaml:"client_id,omitempty"`
	ClientSecretEnv string   `yaml:"client_secret_env"`
	Scopes          []string `yaml:"scopes"`
}

// KnowledgeConfig controls the optional governance document store.
type KnowledgeConfig struct {
	Enabled        bool   `yaml:"enabled"`
	VectorStore    string `yaml:"vector_store" validate:"oneof=weaviate"`
	WeaviateURL    string `yaml:"weaviate_url"`
	EmbeddingModel string `yaml:"embedding_model"` // e.g. nomic-embed-text
}

// ResilienceConfig tunes the shared retry policy. Delays use Go
// duration strings (e.g. "1s", "500ms").
type ResilienceConfig struct {
	MaxRetries   int     `yaml:"max_retries" validate:"gte=0"`
	InitialDelay string  `yaml:"initial_delay"`
	MaxDelay     string  `yaml:"max_delay"`
	Multiplier   float64 `yaml:"multiplier" validate:"gte=1"`
	Jitter       float64 `yaml:"jitter" validate:"gte=0,lte=1"`
}

// GetInitialDelay parses the initial delay string. Returns the default
// value if not set or invalid.
func (r *ResilienceConfig) GetInitialDelay() time.Duration {
	if r == nil || r.InitialDelay == "" {
		return time.Second
	}
	d, err := time.ParseDuration(r.InitialDelay)
	if err != nil {
		return time.Second
	}
	return d
}

// GetMaxDelay parses the max delay string. Returns the default value if
// not set or invalid.
func (r *ResilienceConfig) GetMaxDelay() time.Duration {
	if r == nil || r.MaxDelay == "" {
		return 60 * time.Second
	}
	d, err := time.ParseDuration(r.MaxDelay)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// =============================================================================
// Defaults
// =============================================================================

// Default returns the fully defaulted configuration. Every consumer of a
// Config can rely on these values being present after Load.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "gemini",
			Gemini: GeminiConfig{
				Model:       "gemini-2.0-flash-exp",
				APIKeyEnv:   "GEMINI_API_KEY",
				Temperature: 0.7,
				MaxTokens:   8192,
			},
			Ollama: OllamaConfig{
				Model:         "llama3.1:70b",
				URL:           "http://localhost:11434",
				Temperature:   0.7,
				ContextWindow: 32768,
			},
			VLLM: VLLMConfig{
				Model: "meta-llama/Llama-3.1-70B-Instruct",
				URL:   "http://localhost:8000",
			},
			ContextInjection: true,
		},
		Neo4j: Neo4jConfig{
			URI:      "bolt://localhost:7687",
			User:     "neo4j",
			Database: "neo4j",
		},
		State: StateConfig{
			Backend: "local",
			GitHub: GitHubStateConfig{
				Branch:   "main",
				Path:     "cloudstrate-state",
				TokenEnv: "GITHUB_TOKEN",
			},
			S3: S3StateConfig{
				Prefix: "cloudstrate-state",
				Region: "us-east-1",
			},
			GCS: GCSStateConfig{
				Prefix: "cloudstrate-state",
			},
			LocalPath: ".cloudstrate-state",
		},
		Scanner: ScannerConfig{
			AWS: AWSScannerConfig{
				Regions:           []string{"us-east-1"},
				IncludeIAM:        true,
				IncludeNetwork:    true,
				IncludeCloudTrail: true,
			},
			GitHub: GitHubScannerConfig{
				IncludeWorkflows: true,
				IncludeOIDC:      true,
			},
		},
		Analyst: AnalystConfig{
			Port:             5001,
			Host:             "127.0.0.1",
			EnableCloudTrail: true,
			Athena: AthenaConfig{
				Database:  "cloudtrail_logs",
				Workgroup: "primary",
				Region:    "us-east-1",
			},
		},
		Auth: AuthConfig{
			Mode:      "none",
			APIKeyEnv: "CLOUDSTRATE_API_KEY",
			OIDC: OIDCConfig{
				ClientSecretEnv: "OIDC_CLIENT_SECRET",
				Scopes:          []string{"openid", "profile", "email"},
			},
		},
		Knowledge: KnowledgeConfig{
			Enabled:        false,
			VectorStore:    "weaviate",
			WeaviateURL:    "http://localhost:8080",
			EmbeddingModel: "nomic-embed-text",
		},
		Resilience: ResilienceConfig{
			MaxRetries:   5,
			InitialDelay: "1s",
			MaxDelay:     "60s",
			Multiplier:   2.0,
			Jitter:       0.1,
		},
	}
}

// Validate checks structural constraints (enums, ranges) and returns
// advisory warnings for settings that are legal but probably wrong.
// Warnings never fail validation.
func (c *Config) Validate() ([]string, error) {
	if err := configValidate.Struct(c); err != nil {
		return nil, err
	}

	var warnings []string
	if c.Neo4j.Password == "" && os.Getenv("CLOUDSTRATE_NEO4J_PASSWORD") == "" && os.Getenv("NEO4J_PASSWORD") == "" {
		warnings = append(warnings, "neo4j.password is not set; set CLOUDSTRATE_NEO4J_PASSWORD before running graph commands")
	}
	if c.State.Backend == "github" && c.State.GitHub.Repo == "" {
		warnings = append(warnings, "state.backend is github but state.github.repo is not set")
	}
	if c.LLM.Provider == "gemini" && os.Getenv(c.LLM.Gemini.APIKeyEnv) == "" {
		warnings = append(warnings, "llm.provider is gemini but "+c.LLM.Gemini.APIKeyEnv+" is not set")
	}
	if c.State.Backend == "s3" && c.State.S3.Bucket == "" {
		warnings = append(warnings, "state.backend is s3 but state.s3.bucket is not set")
	}
	if c.State.Backend == "gcs" && c.State.GCS.Bucket == "" {
		warnings = append(warnings, "state.backend is gcs but state.gcs.bucket is not set")
	}
	return warnings, nil
}
