// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cloudstrate/cloudstrate/pkg/config"
	"github.com/cloudstrate/cloudstrate/pkg/resilience"
)

func testPolicy() resilience.Policy {
	return resilience.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestValidateKey(t *testing.T) {
	valid := []string{
		"latest.yaml",
		"scans/latest.yaml",
		"scans/2026/08/scan.yaml",
		".hidden",
	}
	for _, key := range valid {
		if err := validateKey(key); err != nil {
			t.Errorf("validateKey(%q) = %v, want nil", key, err)
		}
	}

	invalid := []string{
		"",
		"/absolute",
		"../escape",
		"scans/../escape",
		"scans//double",
		"trailing/",
		"back\\slash",
		"./dot",
	}
	for _, key := range invalid {
		if err := validateKey(key); err == nil {
			t.Errorf("validateKey(%q) = nil, want error", key)
		}
	}
}

func TestJoinPrefix(t *testing.T) {
	tests := []struct {
		prefix, key, want string
	}{
		{"", "a.yaml", "a.yaml"},
		{"cloudstrate-state", "a.yaml", "cloudstrate-state/a.yaml"},
		{"cloudstrate-state/", "a.yaml", "cloudstrate-state/a.yaml"},
		{"/nested/prefix/", "scans/a.yaml", "nested/prefix/scans/a.yaml"},
		{"p", "", "p"},
	}
	for _, tt := range tests {
		if got := joinPrefix(tt.prefix, tt.key); got != tt.want {
			t.Errorf("joinPrefix(%q, %q) = %q, want %q", tt.prefix, tt.key, got, tt.want)
		}
	}
}

func TestNew_Local(t *testing.T) {
	dir := t.TempDir()
	backend, err := New(context.Background(), config.StateConfig{Backend: "local", LocalPath: dir}, nil, testPolicy())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := backend.(*LocalBackend); !ok {
		t.Errorf("New(local) = %T, want *LocalBackend", backend)
	}
}

func TestNew_DefaultsToLocal(t *testing.T) {
	t.Chdir(t.TempDir())
	backend, err := New(context.Background(), config.StateConfig{}, nil, testPolicy())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := backend.(*LocalBackend); !ok {
		t.Errorf("New(empty) = %T, want *LocalBackend", backend)
	}
}

func TestNew_GitHubWithoutToken(t *testing.T) {
	t.Setenv("CLOUDSTRATE_TEST_STATE_TOKEN", "")
	_, err := New(context.Background(), config.StateConfig{
		Backend: "github",
		GitHub:  config.GitHubStateConfig{Repo: "myorg/state", TokenEnv: "CLOUDSTRATE_TEST_STATE_TOKEN"},
	}, nil, testPolicy())
	if err == nil {
		t.Fatal("New(github) succeeded without a token")
	}
	if !strings.Contains(err.Error(), "CLOUDSTRATE_TEST_STATE_TOKEN") {
		t.Errorf("error %q does not name the token env var", err)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(context.Background(), config.StateConfig{Backend: "ftp"}, nil, testPolicy())
	if err == nil {
		t.Fatal("New accepted unknown backend")
	}
	if !strings.Contains(err.Error(), `"ftp"`) {
		t.Errorf("error = %q", err)
	}
}
