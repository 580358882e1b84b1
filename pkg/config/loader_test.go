// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// clearOverrideEnv neutralizes every override variable so tests see the
// file/default values regardless of the host environment.
func clearOverrideEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"CLOUDSTRATE_LLM_PROVIDER",
		"CLOUDSTRATE_NEO4J_URI",
		"CLOUDSTRATE_NEO4J_USER",
		"CLOUDSTRATE_NEO4J_PASSWORD",
		"CLOUDSTRATE_NEO4J_DATABASE",
		"CLOUDSTRATE_STATE_BACKEND",
		"CLOUDSTRATE_GITHUB_REPO",
		"CLOUDSTRATE_GITHUB_BRANCH",
		"CLOUDSTRATE_S3_BUCKET",
		"CLOUDSTRATE_AWS_PROFILE",
		"CLOUDSTRATE_AUTH_MODE",
		"CLOUDSTRATE_ANALYST_PORT",
		"NEO4J_PASSWORD",
	} {
		t.Setenv(env, "")
	}
}

// TestDiscover_WorkingDirectory verifies discovery in the current dir.
func TestDiscover_WorkingDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, ConfigFileName)
	if err := os.WriteFile(configPath, []byte("llm:\n  provider: ollama\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Chdir(tmpDir)

	path, found := Discover()
	if !found {
		t.Fatal("Discover() did not find the config file")
	}
	if filepath.Base(path) != ConfigFileName {
		t.Errorf("Discover() = %q, want basename %q", path, ConfigFileName)
	}
}

// TestDiscover_ParentDirectory verifies the upward search.
func TestDiscover_ParentDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, ConfigFileName)
	if err := os.WriteFile(configPath, []byte("{}\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	nested := filepath.Join(tmpDir, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("failed to create nested dirs: %v", err)
	}
	t.Chdir(nested)

	path, found := Discover()
	if !found {
		t.Fatal("Discover() did not find the config in a parent directory")
	}
	if filepath.Dir(path) != tmpDir {
		t.Errorf("Discover() = %q, want file in %q", path, tmpDir)
	}
}

// TestDiscover_NotFound verifies the miss case.
func TestDiscover_NotFound(t *testing.T) {
	// Deep enough that the 4-parent walk cannot reach anything.
	tmpDir := t.TempDir()
	nested := filepath.Join(tmpDir, "1", "2", "3", "4", "5", "6")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("failed to create nested dirs: %v", err)
	}
	t.Chdir(nested)

	if path, found := Discover(); found {
		// A config file in the user config dir or /etc makes this
		// environment-dependent; only fail on an in-tree hit.
		if strings.HasPrefix(path, tmpDir) {
			t.Errorf("Discover() unexpectedly found %q", path)
		}
	}
}

// TestLoad_MissingFile verifies defaults when no config exists.
func TestLoad_MissingFile(t *testing.T) {
	clearOverrideEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load() failed for missing file: %v", err)
	}
	if cfg.LLM.Provider != "gemini" {
		t.Errorf("LLM.Provider = %q, want default %q", cfg.LLM.Provider, "gemini")
	}
}

// TestLoad_PartialFileKeepsDefaults verifies merge-over-defaults.
func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearOverrideEnv(t)

	configPath := filepath.Join(t.TempDir(), ConfigFileName)
	content := "llm:\n  provider: ollama\nneo4j:\n  uri: bolt://graph.internal:7687\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.LLM.Provider != "ollama" {
		t.Errorf("LLM.Provider = %q, want %q", cfg.LLM.Provider, "ollama")
	}
	if cfg.Neo4j.URI != "bolt://graph.internal:7687" {
		t.Errorf("Neo4j.URI = %q, want file value", cfg.Neo4j.URI)
	}
	// Fields absent from the file keep defaults.
	if cfg.Neo4j.User != "neo4j" {
		t.Errorf("Neo4j.User = %q, want default %q", cfg.Neo4j.User, "neo4j")
	}
	if cfg.Analyst.Port != 5001 {
		t.Errorf("Analyst.Port = %d, want default %d", cfg.Analyst.Port, 5001)
	}
}

// TestLoad_InvalidYAML verifies the parse error path.
func TestLoad_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(configPath, []byte("llm: [unclosed\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("Load() should fail on invalid YAML")
	}
}

// TestSave_RoundTrip verifies Save then Load preserves values.
func TestSave_RoundTrip(t *testing.T) {
	clearOverrideEnv(t)

	cfg := Default()
	cfg.LLM.Provider = "vllm"
	cfg.Scanner.AWS.Regions = []string{"eu-west-1", "us-east-2"}
	cfg.State.Backend = "s3"
	cfg.State.S3.Bucket = "governance-state"
	cfg.Analyst.Port = 6001

	configPath := filepath.Join(t.TempDir(), "nested", ConfigFileName)
	if err := Save(cfg, configPath); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# Cloudstrate Configuration") {
		t.Error("saved config missing the header comment")
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.LLM.Provider != "vllm" {
		t.Errorf("LLM.Provider = %q, want %q", loaded.LLM.Provider, "vllm")
	}
	if len(loaded.Scanner.AWS.Regions) != 2 || loaded.Scanner.AWS.Regions[0] != "eu-west-1" {
		t.Errorf("Scanner.AWS.Regions = %v, want [eu-west-1 us-east-2]", loaded.Scanner.AWS.Regions)
	}
	if loaded.State.S3.Bucket != "governance-state" {
		t.Errorf("State.S3.Bucket = %q, want %q", loaded.State.S3.Bucket, "governance-state")
	}
	if loaded.Analyst.Port != 6001 {
		t.Errorf("Analyst.Port = %d, want %d", loaded.Analyst.Port, 6001)
	}
}

// TestApplyEnvOverrides verifies the environment override matrix.
func TestApplyEnvOverrides(t *testing.T) {
	clearOverrideEnv(t)
	t.Setenv("CLOUDSTRATE_LLM_PROVIDER", "ollama")
	t.Setenv("CLOUDSTRATE_NEO4J_URI", "bolt://override:7687")
	t.Setenv("CLOUDSTRATE_NEO4J_PASSWORD", "envsecret")
	t.Setenv("CLOUDSTRATE_AWS_PROFILE", "prod-readonly")
	t.Setenv("CLOUDSTRATE_ANALYST_PORT", "6001")

	cfg := Default()
	warnings := cfg.ApplyEnvOverrides()
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}

	if cfg.LLM.Provider != "ollama" {
		t.Errorf("LLM.Provider = %q, want %q", cfg.LLM.Provider, "ollama")
	}
	if cfg.Neo4j.URI != "bolt://override:7687" {
		t.Errorf("Neo4j.URI = %q, want override", cfg.Neo4j.URI)
	}
	if cfg.Neo4j.Password != "envsecret" {
		t.Errorf("Neo4j.Password = %q, want %q", cfg.Neo4j.Password, "envsecret")
	}
	if cfg.Scanner.AWS.Profile != "prod-readonly" {
		t.Errorf("Scanner.AWS.Profile = %q, want %q", cfg.Scanner.AWS.Profile, "prod-readonly")
	}
	if cfg.Analyst.Port != 6001 {
		t.Errorf("Analyst.Port = %d, want %d", cfg.Analyst.Port, 6001)
	}
}

// TestApplyEnvOverrides_PasswordPrecedence verifies CLOUDSTRATE_NEO4J_PASSWORD
// wins over the NEO4J_PASSWORD fallback.
func TestApplyEnvOverrides_PasswordPrecedence(t *testing.T) {
	clearOverrideEnv(t)
	t.Setenv("NEO4J_PASSWORD", "fallback")

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if cfg.Neo4j.Password != "fallback" {
		t.Errorf("Neo4j.Password = %q, want fallback value", cfg.Neo4j.Password)
	}

	t.Setenv("CLOUDSTRATE_NEO4J_PASSWORD", "primary")
	cfg = Default()
	cfg.ApplyEnvOverrides()
	if cfg.Neo4j.Password != "primary" {
		t.Errorf("Neo4j.Password = %q, want %q", cfg.Neo4j.Password, "primary")
	}
}

// TestApplyEnvOverrides_InvalidPort verifies coercion warnings.
func TestApplyEnvOverrides_InvalidPort(t *testing.T) {
	clearOverrideEnv(t)
	t.Setenv("CLOUDSTRATE_ANALYST_PORT", "not-a-port")

	cfg := Default()
	warnings := cfg.ApplyEnvOverrides()
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", warnings)
	}
	if !strings.Contains(warnings[0], "CLOUDSTRATE_ANALYST_PORT") {
		t.Errorf("warning %q should name the variable", warnings[0])
	}
	if cfg.Analyst.Port != 5001 {
		t.Errorf("Analyst.Port = %d, want unchanged default %d", cfg.Analyst.Port, 5001)
	}
}

// TestApplyEnvOverrides_Idempotent verifies repeat application is safe.
func TestApplyEnvOverrides_Idempotent(t *testing.T) {
	clearOverrideEnv(t)
	t.Setenv("CLOUDSTRATE_LLM_PROVIDER", "vllm")

	cfg := Default()
	cfg.ApplyEnvOverrides()
	first := cfg.LLM.Provider
	cfg.ApplyEnvOverrides()
	if cfg.LLM.Provider != first {
		t.Errorf("second apply changed provider: %q -> %q", first, cfg.LLM.Provider)
	}
}

// TestSet verifies dot-notation mutation with type coercion.
func TestSet(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		check func(*Config) bool
	}{
		{"top-level string", "llm.provider", "ollama", func(c *Config) bool { return c.LLM.Provider == "ollama" }},
		{"nested string", "state.github.repo", "org/repo", func(c *Config) bool { return c.State.GitHub.Repo == "org/repo" }},
		{"int", "analyst.port", "8080", func(c *Config) bool { return c.Analyst.Port == 8080 }},
		{"bool", "knowledge.enabled", "true", func(c *Config) bool { return c.Knowledge.Enabled }},
		{"float", "llm.gemini.temperature", "0.2", func(c *Config) bool { return c.LLM.Gemini.Temperature == 0.2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			if err := cfg.Set(tt.key, tt.value); err != nil {
				t.Fatalf("Set(%q, %q) failed: %v", tt.key, tt.value, err)
			}
			if !tt.check(cfg) {
				t.Errorf("Set(%q, %q) did not take effect", tt.key, tt.value)
			}
		})
	}
}

// TestSet_Errors verifies rejection of bad keys and values.
func TestSet_Errors(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown key", "nonexistent.key", "x"},
		{"unknown leaf", "neo4j.hostname", "x"},
		{"section as leaf", "neo4j", "x"},
		{"bad int", "analyst.port", "eighty"},
		{"bad bool", "knowledge.enabled", "maybe"},
		{"slice unsupported", "scanner.aws.regions", "us-east-1"},
		{"empty key", "", "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			if err := cfg.Set(tt.key, tt.value); err == nil {
				t.Errorf("Set(%q, %q) should fail", tt.key, tt.value)
			}
		})
	}
}
