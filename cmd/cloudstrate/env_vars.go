package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// envVarKeyPattern validates environment variable key names.
// Keys must:
//   - Start with a letter or underscore
//   - Contain only alphanumeric characters and underscores
//   - Not be empty
//
// This follows POSIX naming conventions and prevents shell metacharacter
// injection attacks.
var envVarKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrInvalidEnvVarKey is returned when an environment variable key is invalid.
var ErrInvalidEnvVarKey = fmt.Errorf("invalid environment variable key")

// recognizedEnvKeys lists every environment variable the CLI reads, in the
// order config show reports them. Keep in sync with pkg/config's
// ApplyEnvOverrides and the credential lookups in the scan and setup commands.
var recognizedEnvKeys = []string{
	"CLOUDSTRATE_NEO4J_PASSWORD",
	"CLOUDSTRATE_NEO4J_URI",
	"CLOUDSTRATE_NEO4J_USER",
	"CLOUDSTRATE_NEO4J_DATABASE",
	"CLOUDSTRATE_LLM_PROVIDER",
	"CLOUDSTRATE_STATE_BACKEND",
	"CLOUDSTRATE_GITHUB_REPO",
	"CLOUDSTRATE_GITHUB_BRANCH",
	"CLOUDSTRATE_S3_BUCKET",
	"CLOUDSTRATE_AWS_PROFILE",
	"CLOUDSTRATE_AUTH_MODE",
	"CLOUDSTRATE_ANALYST_PORT",
	"NEO4J_PASSWORD",
	"NEO4J_URI",
	"NEO4J_USER",
	"GITHUB_TOKEN",
	"GEMINI_API_KEY",
	"AWS_PROFILE",
}

// EnvVar represents a single environment variable.
//
// # Description
//
// A typed representation of an environment variable with validation
// and sensitivity marking for secure logging.
//
// # Example
//
//	ev := EnvVar{Key: "GEMINI_API_KEY", Value: "AIza...", Sensitive: true}
//	fmt.Println(ev.Redacted()) // GEMINI_API_KEY=[REDACTED]
type EnvVar struct {
	// Key is the environment variable name.
	// Must match pattern: ^[a-zA-Z_][a-zA-Z0-9_]*$
	Key string

	// Value is the environment variable value.
	// May be empty string (valid in POSIX).
	Value string

	// Sensitive indicates this value should be redacted in logs.
	Sensitive bool
}

// String returns the KEY=VALUE format.
func (e EnvVar) String() string {
	return fmt.Sprintf("%s=%s", e.Key, e.Value)
}

// Redacted returns KEY=[REDACTED] for sensitive vars, otherwise String().
func (e EnvVar) Redacted() string {
	if e.Sensitive {
		return fmt.Sprintf("%s=[REDACTED]", e.Key)
	}
	return e.String()
}

// Validate checks if the key is valid.
func (e EnvVar) Validate() error {
	if !envVarKeyPattern.MatchString(e.Key) {
		return fmt.Errorf("%w: %q must match pattern [a-zA-Z_][a-zA-Z0-9_]*", ErrInvalidEnvVarKey, e.Key)
	}
	return nil
}

// EnvVars is a validated collection of environment variables.
//
// # Description
//
// Provides a type-safe container for environment variables with
// validation and redaction. config show and analyst serve use it to
// report which overrides are active without leaking credentials.
//
// # Thread Safety
//
// EnvVars is NOT thread-safe. Do not modify concurrently.
type EnvVars struct {
	vars []EnvVar
}

// NewEnvVars creates a validated EnvVars collection.
//
// Returns an error if any key is invalid. Duplicate keys are allowed
// (last wins in Get).
func NewEnvVars(vars ...EnvVar) (*EnvVars, error) {
	for _, v := range vars {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return &EnvVars{vars: vars}, nil
}

// EmptyEnvVars returns an empty EnvVars.
func EmptyEnvVars() *EnvVars {
	return &EnvVars{vars: []EnvVar{}}
}

// Add appends a validated environment variable.
//
// Sensitivity is detected from the key name; use AddSensitive to force
// redaction for keys the heuristic misses.
func (e *EnvVars) Add(key, value string) error {
	ev := EnvVar{Key: key, Value: value, Sensitive: isSensitiveKey(key)}
	if err := ev.Validate(); err != nil {
		return err
	}
	e.vars = append(e.vars, ev)
	return nil
}

// AddSensitive appends a variable that must always be redacted.
func (e *EnvVars) AddSensitive(key, value string) error {
	ev := EnvVar{Key: key, Value: value, Sensitive: true}
	if err := ev.Validate(); err != nil {
		return err
	}
	e.vars = append(e.vars, ev)
	return nil
}

// MustAdd adds a variable or panics.
func (e *EnvVars) MustAdd(key, value string) {
	if err := e.Add(key, value); err != nil {
		panic(err)
	}
}

// Get returns the value for a key, or empty string if not found.
func (e *EnvVars) Get(key string) string {
	if e == nil {
		return ""
	}
	// Return last value for key (in case of duplicates)
	for i := len(e.vars) - 1; i >= 0; i-- {
		if e.vars[i].Key == key {
			return e.vars[i].Value
		}
	}
	return ""
}

// Has returns true if the key exists.
func (e *EnvVars) Has(key string) bool {
	if e == nil {
		return false
	}
	for _, v := range e.vars {
		if v.Key == key {
			return true
		}
	}
	return false
}

// Len returns the number of environment variables.
func (e *EnvVars) Len() int {
	if e == nil {
		return 0
	}
	return len(e.vars)
}

// RedactedSlice returns []string with sensitive values masked.
//
// Like KEY=VALUE lines but sensitive values become [REDACTED]. Safe
// for logging and terminal display.
func (e *EnvVars) RedactedSlice() []string {
	if e == nil {
		return nil
	}
	result := make([]string, len(e.vars))
	for i, v := range e.vars {
		result[i] = v.Redacted()
	}
	return result
}

// ActiveOverrides collects the recognized environment variables that are
// set in the current process environment, in report order.
func ActiveOverrides() *EnvVars {
	envs := EmptyEnvVars()
	for _, key := range recognizedEnvKeys {
		if value, ok := os.LookupEnv(key); ok && value != "" {
			envs.MustAdd(key, value)
		}
	}
	return envs
}

// isSensitiveKey detects common sensitive key patterns. AUTH alone is not
// enough: CLOUDSTRATE_AUTH_MODE is a mode selector, not a credential.
func isSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	return strings.Contains(upper, "TOKEN") ||
		strings.Contains(upper, "SECRET") ||
		strings.Contains(upper, "KEY") ||
		strings.Contains(upper, "PASSWORD") ||
		strings.Contains(upper, "CREDENTIAL")
}
