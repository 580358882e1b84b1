// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package setup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/go-github/v47/github"
	"golang.org/x/oauth2"

	"github.com/cloudstrate/cloudstrate/pkg/logging"
)

// DefaultTokenEnv is where the GitHub token is read from when none is
// passed explicitly.
const DefaultTokenEnv = "GITHUB_TOKEN"

// RequiredScopes are the classic-token scopes the GitHub scanner needs.
// admin:org is only needed for OIDC configuration reads and is treated
// as optional by the checks.
var RequiredScopes = []string{"repo", "read:org", "admin:org", "workflow"}

// GitHubPermissionCheck records one probe against a token scope.
type GitHubPermissionCheck struct {
	Scope   string `json:"scope"`
	Allowed bool   `json:"allowed"`
	Error   string `json:"error,omitempty"`
}

// GitHubStatus reports GitHub token state for the setup and check
// commands.
type GitHubStatus struct {
	Authenticated    bool                    `json:"authenticated"`
	Username         string                  `json:"username,omitempty"`
	TokenType        string                  `json:"token_type,omitempty"`
	Organization     string                  `json:"organization,omitempty"`
	OrgAccessible    bool                    `json:"org_accessible"`
	Scopes           []string                `json:"scopes,omitempty"`
	PermissionChecks []GitHubPermissionCheck `json:"permission_checks,omitempty"`
	Error            string                  `json:"error,omitempty"`
}

// AllPermissionsValid reports whether every permission check passed.
func (s *GitHubStatus) AllPermissionsValid() bool {
	for _, c := range s.PermissionChecks {
		if !c.Allowed {
			return false
		}
	}
	return true
}

// GitHubSetup validates a token and its access to the organization the
// scanner will walk.
type GitHubSetup struct {
	token        string
	organization string
	client       *github.Client
	logger       *logging.Logger
}

// NewGitHubSetup builds the probe. An empty token falls back to the
// GITHUB_TOKEN environment variable; a still-empty token is reported by
// CheckToken rather than an error here so `setup check` can render it.
func NewGitHubSetup(ctx context.Context, token, organization string, logger *logging.Logger) *GitHubSetup {
	if token == "" {
		token = os.Getenv(DefaultTokenEnv)
	}
	if logger == nil {
		logger = logging.Default()
	}

	var client *github.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		client = github.NewClient(oauth2.NewClient(ctx, ts))
	}
	return &GitHubSetup{token: token, organization: organization, client: client, logger: logger}
}

// newGitHubSetupWithClient is the test seam: the same probe against an
// arbitrary API client.
func newGitHubSetupWithClient(client *github.Client, token, organization string, logger *logging.Logger) *GitHubSetup {
	if logger == nil {
		logger = logging.Default()
	}
	return &GitHubSetup{token: token, organization: organization, client: client, logger: logger}
}

// CheckToken authenticates and classifies the token, then verifies
// organization access when one is configured.
func (s *GitHubSetup) CheckToken(ctx context.Context) *GitHubStatus {
	if s.token == "" {
		return &GitHubStatus{
			Error: fmt.Sprintf("GitHub token not found. Set %s environment variable.", DefaultTokenEnv),
		}
	}

	user, resp, err := s.client.Users.Get(ctx, "")
	if err != nil {
		return &GitHubStatus{Error: err.Error()}
	}

	status := &GitHubStatus{
		Authenticated: true,
		Username:      user.GetLogin(),
		TokenType:     tokenType(s.token),
		Scopes:        parseScopes(resp.Header.Get("X-OAuth-Scopes")),
	}

	if s.organization != "" {
		status.Organization = s.organization
		if _, _, err := s.client.Organizations.Get(ctx, s.organization); err != nil {
			switch githubErrStatus(err) {
			case 404:
				status.Error = fmt.Sprintf("Organization %q not found", s.organization)
			case 403:
				status.Error = fmt.Sprintf("Access denied to organization %q", s.organization)
			default:
				status.Error = err.Error()
			}
		} else {
			status.OrgAccessible = true
		}
	}

	return status
}

// CheckPermissions exercises the scopes the scanner needs with minimal
// API calls: one own-repo listing for repo, one org-repo listing for
// read:org, and one workflow listing for workflow.
func (s *GitHubSetup) CheckPermissions(ctx context.Context) *GitHubStatus {
	status := s.CheckToken(ctx)
	if !status.Authenticated {
		return status
	}

	one := &github.ListOptions{PerPage: 1}

	repoCheck := GitHubPermissionCheck{Scope: "repo", Allowed: true}
	if _, _, err := s.client.Repositories.List(ctx, "", &github.RepositoryListOptions{ListOptions: *one}); err != nil {
		repoCheck.Allowed = false
		repoCheck.Error = err.Error()
	}
	status.PermissionChecks = append(status.PermissionChecks, repoCheck)

	if s.organization == "" {
		return status
	}

	orgCheck := GitHubPermissionCheck{Scope: "read:org", Allowed: true}
	repos, _, err := s.client.Repositories.ListByOrg(ctx, s.organization, &github.RepositoryListByOrgOptions{ListOptions: *one})
	if err != nil {
		orgCheck.Allowed = false
		orgCheck.Error = err.Error()
	}
	status.PermissionChecks = append(status.PermissionChecks, orgCheck)

	workflowCheck := GitHubPermissionCheck{Scope: "workflow", Allowed: true}
	if len(repos) > 0 {
		if _, _, err := s.client.Actions.ListWorkflows(ctx, s.organization, repos[0].GetName(), one); err != nil {
			// Repositories with Actions disabled 404; that is not a
			// scope failure.
			if githubErrStatus(err) != 404 {
				workflowCheck.Allowed = false
				workflowCheck.Error = err.Error()
			}
		}
	}
	status.PermissionChecks = append(status.PermissionChecks, workflowCheck)

	s.logger.Debug("GitHub permission checks complete", "checks", len(status.PermissionChecks))
	return status
}

// tokenType classifies a token by its prefix.
func tokenType(token string) string {
	switch {
	case strings.HasPrefix(token, "ghp_"):
		return "classic"
	case strings.HasPrefix(token, "github_pat_"):
		return "fine-grained"
	case strings.HasPrefix(token, "gho_"):
		return "oauth"
	default:
		return "unknown"
	}
}

// parseScopes splits the X-OAuth-Scopes response header. Fine-grained
// tokens do not send it; the result is empty for them.
func parseScopes(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	scopes := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

func githubErrStatus(err error) int {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode
	}
	return 0
}

// RequiredScopesHelp returns operator guidance for minting a token.
// Shown by `cloudstrate setup github --show-scopes`.
func RequiredScopesHelp() string {
	return `Required GitHub Token Scopes:

For Classic Tokens (ghp_...):
  - repo: Full control of private repositories
  - read:org: Read org and team membership
  - workflow: Update GitHub Action workflows (optional)
  - admin:org: Full control of orgs (optional, for OIDC configs)

For Fine-Grained Tokens (github_pat_...):
  Repository permissions:
    - Contents: Read
    - Metadata: Read
    - Actions: Read (for workflows)

  Organization permissions:
    - Members: Read
    - Administration: Read (for OIDC configs)

Create a token at: https://github.com/settings/tokens
`
}
