// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v47/github"
	"golang.org/x/oauth2"

	"github.com/cloudstrate/cloudstrate/pkg/logging"
	"github.com/cloudstrate/cloudstrate/pkg/resilience"
)

// GitHubScannerOptions configures a GitHub organization scan.
type GitHubScannerOptions struct {
	Organization     string
	IncludeWorkflows bool
	// IncludeOIDC inspects each workflow file for an id-token
	// permission, marking workflows that federate into cloud accounts.
	IncludeOIDC bool
}

// GitHubScanner inventories a GitHub organization: repositories, their
// Actions workflows, and which workflows use OIDC federation.
type GitHubScanner struct {
	client *github.Client
	opts   GitHubScannerOptions
	logger *logging.Logger
	policy resilience.Policy
}

// NewGitHubScanner builds a scanner authenticated with a personal
// access token or fine-grained token.
func NewGitHubScanner(ctx context.Context, token string, opts GitHubScannerOptions, logger *logging.Logger, policy resilience.Policy) (*GitHubScanner, error) {
	if opts.Organization == "" {
		return nil, fmt.Errorf("GitHub organization is required")
	}
	if token == "" {
		return nil, fmt.Errorf("GitHub token is required (set GITHUB_TOKEN or configure scanner.github)")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if logger == nil {
		logger = logging.Default()
	}
	return &GitHubScanner{client: client, opts: opts, logger: logger, policy: policy}, nil
}

// newGitHubScannerWithClient is the test seam: the same scanner against
// an arbitrary API client.
func newGitHubScannerWithClient(client *github.Client, opts GitHubScannerOptions, logger *logging.Logger, policy resilience.Policy) *GitHubScanner {
	if logger == nil {
		logger = logging.Default()
	}
	return &GitHubScanner{client: client, opts: opts, logger: logger, policy: policy}
}

// Scan inventories the organization. A missing or unreadable
// organization fails the scan; per-repository failures are recorded and
// skipped.
func (s *GitHubScanner) Scan(ctx context.Context) (*ScanResult, error) {
	result := &ScanResult{
		Metadata: ScanMetadata{
			ScanTime: time.Now().UTC().Format(time.RFC3339),
			Source:   "github",
		},
	}

	org, err := resilience.Do(ctx, s.policy, func() (*github.Organization, error) {
		o, _, err := s.client.Organizations.Get(ctx, s.opts.Organization)
		return o, classifyGitHubError(err)
	})
	if err != nil {
		switch githubStatus(err) {
		case 404:
			return nil, fmt.Errorf("GitHub organization %q not found", s.opts.Organization)
		case 403:
			return nil, fmt.Errorf("access denied to GitHub organization %q (token needs repo and read:org scopes)", s.opts.Organization)
		}
		return nil, fmt.Errorf("failed to read GitHub organization %q: %w", s.opts.Organization, err)
	}

	result.GitHub = &GitHubResources{
		Organization: &GitHubOrganization{
			Login:       org.GetLogin(),
			Name:        org.GetName(),
			Description: org.GetDescription(),
			URL:         org.GetHTMLURL(),
		},
	}

	if err := s.listRepositories(ctx, result); err != nil {
		return nil, err
	}

	s.logger.Info("GitHub scan complete",
		"organization", s.opts.Organization,
		"repositories", len(result.GitHub.Repositories),
		"errors", len(result.Metadata.Errors),
	)
	return result, nil
}

func (s *GitHubScanner) listRepositories(ctx context.Context, result *ScanResult) error {
	opt := &github.RepositoryListByOrgOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		repos, resp, err := s.client.Repositories.ListByOrg(ctx, s.opts.Organization, opt)
		if err != nil {
			return fmt.Errorf("failed to list repositories for %q: %w", s.opts.Organization, err)
		}
		for _, repo := range repos {
			entry := GitHubRepository{
				Name:          repo.GetName(),
				FullName:      repo.GetFullName(),
				Private:       repo.GetPrivate(),
				DefaultBranch: repo.GetDefaultBranch(),
				URL:           repo.GetHTMLURL(),
			}
			if s.opts.IncludeWorkflows || s.opts.IncludeOIDC {
				entry.Workflows = s.listWorkflows(ctx, result, repo.GetName())
			}
			result.GitHub.Repositories = append(result.GitHub.Repositories, entry)
		}
		if resp.NextPage == 0 {
			return nil
		}
		opt.Page = resp.NextPage
	}
}

func (s *GitHubScanner) listWorkflows(ctx context.Context, result *ScanResult, repo string) []GitHubWorkflow {
	var workflows []GitHubWorkflow
	opt := &github.ListOptions{PerPage: 100}
	for {
		page, resp, err := s.client.Actions.ListWorkflows(ctx, s.opts.Organization, repo, opt)
		if err != nil {
			// Repositories with Actions disabled 404 here.
			if githubStatus(err) != 404 {
				result.Metadata.Errors = append(result.Metadata.Errors, ScanError{
					Scope:   "github/workflows/" + repo,
					Message: err.Error(),
				})
				s.logger.Warn("workflow listing failed, continuing", "repo", repo, "error", err)
			}
			return nil
		}
		for _, wf := range page.Workflows {
			entry := GitHubWorkflow{
				ID:    wf.GetID(),
				Name:  wf.GetName(),
				Path:  wf.GetPath(),
				State: wf.GetState(),
			}
			if s.opts.IncludeOIDC {
				entry.UsesOIDC = s.workflowUsesOIDC(ctx, repo, wf.GetPath())
			}
			workflows = append(workflows, entry)
		}
		if resp.NextPage == 0 {
			return workflows
		}
		opt.Page = resp.NextPage
	}
}

// workflowUsesOIDC reads the workflow file and looks for an id-token
// permission grant, the marker for cloud keyless federation.
func (s *GitHubScanner) workflowUsesOIDC(ctx context.Context, repo, path string) bool {
	if path == "" {
		return false
	}
	file, _, _, err := s.client.Repositories.GetContents(ctx, s.opts.Organization, repo, path, nil)
	if err != nil || file == nil {
		return false
	}
	content, err := file.GetContent()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(content), "id-token")
}

func classifyGitHubError(err error) error {
	if err == nil {
		return nil
	}
	switch githubStatus(err) {
	case 401, 403, 404:
		return resilience.Permanent(err)
	}
	return err
}

func githubStatus(err error) int {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode
	}
	return 0
}
