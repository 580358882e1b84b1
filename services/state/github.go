// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/google/go-github/v47/github"
	"golang.org/x/oauth2"

	"github.com/cloudstrate/cloudstrate/pkg/config"
	"github.com/cloudstrate/cloudstrate/pkg/logging"
	"github.com/cloudstrate/cloudstrate/pkg/resilience"
)

// GitHubBackend stores documents as files in a repository through the
// contents API, giving governance state a reviewable git history for
// free.
type GitHubBackend struct {
	client *github.Client
	owner  string
	repo   string
	branch string
	path   string
	policy resilience.Policy
	logger *logging.Logger
}

// NewGitHubBackend authenticates with the token from cfg.TokenEnv
// (GITHUB_TOKEN when unset).
func NewGitHubBackend(ctx context.Context, cfg config.GitHubStateConfig, logger *logging.Logger, policy resilience.Policy) (*GitHubBackend, error) {
	tokenEnv := cfg.TokenEnv
	if tokenEnv == "" {
		tokenEnv = "GITHUB_TOKEN"
	}
	token := os.Getenv(tokenEnv)
	if token == "" {
		return nil, fmt.Errorf("github state backend requires a token (export %s)", tokenEnv)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	return newGitHubBackendWithClient(client, cfg, logger, policy)
}

func newGitHubBackendWithClient(client *github.Client, cfg config.GitHubStateConfig, logger *logging.Logger, policy resilience.Policy) (*GitHubBackend, error) {
	owner, repo, ok := strings.Cut(cfg.Repo, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("github state repo must be owner/name, got %q", cfg.Repo)
	}
	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &GitHubBackend{
		client: client,
		owner:  owner,
		repo:   repo,
		branch: branch,
		path:   strings.Trim(cfg.Path, "/"),
		policy: policy,
		logger: logger,
	}, nil
}

func (b *GitHubBackend) fullPath(key string) string {
	return joinPrefix(b.path, key)
}

func (b *GitHubBackend) refOpts() *github.RepositoryContentGetOptions {
	return &github.RepositoryContentGetOptions{Ref: b.branch}
}

// Put creates or updates the file. The contents API rejects updates
// without the current blob SHA, so the write is fetch-then-update.
func (b *GitHubBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	full := b.fullPath(key)
	err := resilience.DoVoid(ctx, b.policy, func() error {
		var sha *string
		file, _, _, err := b.client.Repositories.GetContents(ctx, b.owner, b.repo, full, b.refOpts())
		switch {
		case err == nil && file != nil:
			sha = file.SHA
		case err != nil && githubStatus(err) != http.StatusNotFound:
			return classifyGitHubError(err)
		}

		opts := &github.RepositoryContentFileOptions{
			Message: github.String(fmt.Sprintf("cloudstrate: update %s", key)),
			Content: data,
			Branch:  github.String(b.branch),
			SHA:     sha,
		}
		if sha != nil {
			_, _, err = b.client.Repositories.UpdateFile(ctx, b.owner, b.repo, full, opts)
		} else {
			_, _, err = b.client.Repositories.CreateFile(ctx, b.owner, b.repo, full, opts)
		}
		return classifyGitHubError(err)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s to github: %w", key, err)
	}
	b.logger.Debug("state written to github", "key", key, "repo", b.owner+"/"+b.repo)
	return nil
}

func (b *GitHubBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	file, err := resilience.Do(ctx, b.policy, func() (*github.RepositoryContent, error) {
		file, _, _, err := b.client.Repositories.GetContents(ctx, b.owner, b.repo, b.fullPath(key), b.refOpts())
		if err != nil {
			return nil, classifyGitHubError(err)
		}
		if file == nil {
			return nil, resilience.Permanent(fmt.Errorf("%s is a directory", key))
		}
		return file, nil
	})
	if err != nil {
		if githubStatus(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read %s from github: %w", key, err)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return []byte(content), nil
}

// List walks the state directory tree. A missing directory lists as
// empty rather than failing: nothing has been stored yet.
func (b *GitHubBackend) List(ctx context.Context, prefix string) ([]string, error) {
	root := b.path
	if prefix != "" {
		if err := validateKey(prefix); err != nil {
			return nil, err
		}
		root = b.fullPath(prefix)
	}
	keys, err := b.listDir(ctx, root)
	if err != nil {
		if githubStatus(err) == http.StatusNotFound {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list state from github: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *GitHubBackend) listDir(ctx context.Context, dir string) ([]string, error) {
	entries, err := resilience.Do(ctx, b.policy, func() ([]*github.RepositoryContent, error) {
		_, entries, _, err := b.client.Repositories.GetContents(ctx, b.owner, b.repo, dir, b.refOpts())
		if err != nil {
			return nil, classifyGitHubError(err)
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	keys := []string{}
	for _, entry := range entries {
		switch entry.GetType() {
		case "file":
			keys = append(keys, b.relKey(entry.GetPath()))
		case "dir":
			sub, err := b.listDir(ctx, entry.GetPath())
			if err != nil {
				return nil, err
			}
			keys = append(keys, sub...)
		}
	}
	return keys, nil
}

// relKey strips the configured path prefix from a repository path.
func (b *GitHubBackend) relKey(full string) string {
	if b.path == "" {
		return full
	}
	return strings.TrimPrefix(full, b.path+"/")
}

func (b *GitHubBackend) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	full := b.fullPath(key)
	err := resilience.DoVoid(ctx, b.policy, func() error {
		file, _, _, err := b.client.Repositories.GetContents(ctx, b.owner, b.repo, full, b.refOpts())
		if err != nil {
			return classifyGitHubError(err)
		}
		if file == nil {
			return resilience.Permanent(fmt.Errorf("%s is a directory", key))
		}
		opts := &github.RepositoryContentFileOptions{
			Message: github.String(fmt.Sprintf("cloudstrate: delete %s", key)),
			SHA:     file.SHA,
			Branch:  github.String(b.branch),
		}
		_, _, err = b.client.Repositories.DeleteFile(ctx, b.owner, b.repo, full, opts)
		return classifyGitHubError(err)
	})
	if err != nil {
		if githubStatus(err) == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("failed to delete %s from github: %w", key, err)
	}
	return nil
}

// classifyGitHubError marks statuses retrying cannot fix as permanent.
func classifyGitHubError(err error) error {
	if err == nil {
		return nil
	}
	switch githubStatus(err) {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity:
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

var _ Backend = (*GitHubBackend)(nil)
