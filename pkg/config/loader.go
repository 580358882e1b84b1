// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxParentSearch bounds the upward directory walk in Discover.
const maxParentSearch = 4

// Discover locates the config file. Search order:
//
//  1. The working directory and up to four parent directories
//  2. The user config dir (~/.config/cloudstrate/)
//  3. /etc/cloudstrate/
//
// Returns the path and true when found, or ("", false) when no config
// file exists anywhere on the search path.
func Discover() (string, bool) {
	dir, err := os.Getwd()
	if err == nil {
		for i := 0; i <= maxParentSearch; i++ {
			candidate := filepath.Join(dir, ConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, true
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if userDir, err := os.UserConfigDir(); err == nil {
		candidate := filepath.Join(userDir, "cloudstrate", ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}

	candidate := filepath.Join("/etc/cloudstrate", ConfigFileName)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, true
	}

	return "", false
}

// Load resolves and parses the configuration. An empty path triggers
// Discover. A missing file yields the defaults, not an error, so every
// command works without prior setup. Environment overrides are applied
// last; coercion warnings are printed to stderr.
func Load(path string) (*Config, error) {
	if path == "" {
		discovered, found := Discover()
		if !found {
			cfg := Default()
			for _, w := range cfg.ApplyEnvOverrides() {
				fmt.Fprintf(os.Stderr, "warning: %s\n", w)
			}
			return cfg, nil
		}
		path = discovered
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			for _, w := range cfg.ApplyEnvOverrides() {
				fmt.Fprintf(os.Stderr, "warning: %s\n", w)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Unmarshal over the defaults so omitted fields keep their values.
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	for _, w := range cfg.ApplyEnvOverrides() {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies CLOUDSTRATE_* environment variables on top
// of the loaded values. Returns warnings for values that could not be
// coerced (the config value is left unchanged). Calling it twice is
// harmless.
func (c *Config) ApplyEnvOverrides() []string {
	var warnings []string

	setString := func(env string, target *string) {
		if v := os.Getenv(env); v != "" {
			*target = v
		}
	}

	setString("CLOUDSTRATE_LLM_PROVIDER", &c.LLM.Provider)
	setString("CLOUDSTRATE_NEO4J_URI", &c.Neo4j.URI)
	setString("CLOUDSTRATE_NEO4J_USER", &c.Neo4j.User)
	setString("CLOUDSTRATE_NEO4J_DATABASE", &c.Neo4j.Database)
	setString("CLOUDSTRATE_STATE_BACKEND", &c.State.Backend)
	setString("CLOUDSTRATE_GITHUB_REPO", &c.State.GitHub.Repo)
	setString("CLOUDSTRATE_GITHUB_BRANCH", &c.State.GitHub.Branch)
	setString("CLOUDSTRATE_S3_BUCKET", &c.State.S3.Bucket)
	setString("CLOUDSTRATE_AWS_PROFILE", &c.Scanner.AWS.Profile)
	setString("CLOUDSTRATE_AUTH_MODE", &c.Auth.Mode)

	// CLOUDSTRATE_NEO4J_PASSWORD wins over the plain NEO4J_PASSWORD
	// fallback accepted for compatibility with Neo4j tooling.
	if v := os.Getenv("CLOUDSTRATE_NEO4J_PASSWORD"); v != "" {
		c.Neo4j.Password = v
	} else if v := os.Getenv("NEO4J_PASSWORD"); v != "" {
		c.Neo4j.Password = v
	}

	if v := os.Getenv("CLOUDSTRATE_ANALYST_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			warnings = append(warnings, fmt.Sprintf("CLOUDSTRATE_ANALYST_PORT=%q is not a valid port, ignoring", v))
		} else {
			c.Analyst.Port = port
		}
	}

	return warnings
}

// Save writes the config as YAML with a header comment. Parent
// directories are created as needed.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# Cloudstrate Configuration\n# Generated by cloudstrate. Edit freely; unknown keys are ignored.\n\n"
	return os.WriteFile(path, append([]byte(header), data...), 0644)
}

// =============================================================================
// Dot-Notation Mutation
// =============================================================================

// Set assigns a value by dot-notation key ("neo4j.uri",
// "analyst.port"). Values are coerced to the field's type: bools accept
// true/false, numerics are parsed, everything else is a string. Unknown
// keys and slice fields return an error.
func (c *Config) Set(key, value string) error {
	parts := strings.Split(key, ".")
	if len(parts) == 0 || key == "" {
		return fmt.Errorf("empty config key")
	}

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByYAMLTag(v, part)
		if !ok {
			return fmt.Errorf("unknown config key %q (no such field %q)", key, part)
		}
		if i == len(parts)-1 {
			return assignField(field, key, value)
		}
		if field.Kind() != reflect.Struct {
			return fmt.Errorf("config key %q does not address a nested section", key)
		}
		v = field
	}
	return nil
}

// fieldByYAMLTag resolves a struct field by its yaml tag name.
func fieldByYAMLTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("yaml")
		if idx := strings.Index(tag, ","); idx >= 0 {
			tag = tag[:idx]
		}
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// assignField coerces value into the field's Go type.
func assignField(field reflect.Value, key, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("config key %q cannot be set", key)
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("config key %q expects a boolean, got %q", key, value)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("config key %q expects an integer, got %q", key, value)
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("config key %q expects a number, got %q", key, value)
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("config key %q has unsupported type %s", key, field.Kind())
	}
	return nil
}
