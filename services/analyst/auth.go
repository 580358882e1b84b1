// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyst

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/cloudstrate/cloudstrate/pkg/config"
)

// =============================================================================
// Auth Providers
// =============================================================================

// ErrUnauthorized is returned when a credential is present but invalid.
// Providers wrap it so the middleware can distinguish rejection from
// provider failure.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo identifies the caller after successful authentication.
type AuthInfo struct {
	UserID string
	Roles  []string
}

// AuthProvider validates credentials and returns the caller's identity.
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as a local admin. This is the
// auth.mode "none" behavior: a single-user CLI deployment needs no
// authentication infrastructure.
type NopAuthProvider struct{}

// Validate ignores the token, including empty string, and returns the
// local user.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Roles: []string{"admin"}}, nil
}

// APIKeyAuthProvider compares the presented key against a single
// expected key resolved from the environment at construction.
type APIKeyAuthProvider struct {
	key []byte
}

// NewAPIKeyAuthProvider reads the expected key from keyEnv.
func NewAPIKeyAuthProvider(keyEnv string) (*APIKeyAuthProvider, error) {
	key := os.Getenv(keyEnv)
	if key == "" {
		return nil, fmt.Errorf("api key auth enabled but %s is not set", keyEnv)
	}
	return &APIKeyAuthProvider{key: []byte(key)}, nil
}

// Validate accepts the request only when the token matches the expected
// key. The comparison is constant time.
func (p *APIKeyAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if subtle.ConstantTimeCompare([]byte(token), p.key) != 1 {
		return nil, fmt.Errorf("invalid api key: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: "api-key", Roles: []string{"analyst"}}, nil
}

// OIDCAuthProvider validates bearer tokens issued by the configured
// identity provider. Tokens are HS256 JWTs signed with the client
// secret; the issuer claim must match, and the audience must match the
// client id when one is configured.
type OIDCAuthProvider struct {
	secret []byte
	parser *jwt.Parser
}

// NewOIDCAuthProvider reads the shared secret from cfg.ClientSecretEnv.
func NewOIDCAuthProvider(cfg config.OIDCConfig) (*OIDCAuthProvider, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("oidc auth enabled but auth.oidc.issuer is not set")
	}
	secret := os.Getenv(cfg.ClientSecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("oidc auth enabled but %s is not set", cfg.ClientSecretEnv)
	}
	opts := []jwt.ParserOption{jwt.WithIssuer(cfg.Issuer)}
	if cfg.ClientID != "" {
		opts = append(opts, jwt.WithAudience(cfg.ClientID))
	}
	return &OIDCAuthProvider{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
	}, nil
}

// Validate parses and verifies the JWT, returning the subject as the
// user id and any "roles" claim as roles.
func (p *OIDCAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}

	claims := &oidcClaims{}
	parsed, err := p.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return p.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token expired: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("invalid token: %w", ErrUnauthorized)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: claims.Subject, Roles: claims.Roles}, nil
}

type oidcClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// NewAuthProvider selects the provider for the configured auth mode.
func NewAuthProvider(cfg config.AuthConfig) (AuthProvider, error) {
	switch cfg.Mode {
	case "", "none":
		return &NopAuthProvider{}, nil
	case "api_key":
		return NewAPIKeyAuthProvider(cfg.APIKeyEnv)
	case "oidc":
		return NewOIDCAuthProvider(cfg.OIDC)
	default:
		return nil, fmt.Errorf("unknown auth mode %q (want none, api_key, or oidc)", cfg.Mode)
	}
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*APIKeyAuthProvider)(nil)
	_ AuthProvider = (*OIDCAuthProvider)(nil)
)

// =============================================================================
// Auth Middleware
// =============================================================================

// authInfoKey is the Gin context key for the authenticated identity.
const authInfoKey = "cloudstrate_auth_info"

// AuthMiddleware authenticates each request with the provider and
// stores the resulting AuthInfo for downstream handlers. Credentials
// are read from the X-API-Key header or an Authorization bearer token.
func AuthMiddleware(provider AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractCredential(c)

		info, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		c.Set(authInfoKey, info)
		c.Next()
	}
}

// GetAuthInfo returns the identity stored by AuthMiddleware, or nil if
// the request was not authenticated.
func GetAuthInfo(c *gin.Context) *AuthInfo {
	if v, exists := c.Get(authInfoKey); exists {
		if info, ok := v.(*AuthInfo); ok {
			return info
		}
	}
	return nil
}

// extractCredential prefers the X-API-Key header and falls back to a
// bearer token. The "Bearer" prefix is case-insensitive per RFC 7235.
func extractCredential(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
