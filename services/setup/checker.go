// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package setup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/cloudstrate/cloudstrate/pkg/config"
	"github.com/cloudstrate/cloudstrate/pkg/logging"
)

// kubectlMinVersion is the oldest kubectl the deploy manifests are
// exercised against.
const kubectlMinVersion = "v1.23"

// CheckResult is one line of a status check report.
type CheckResult struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Required bool   `json:"required"`
	Detail   string `json:"detail,omitempty"`
	Hint     string `json:"hint,omitempty"`
}

// DiagnosticReport aggregates the environment checks run by
// `cloudstrate setup check`.
type DiagnosticReport struct {
	Checks []CheckResult `json:"checks"`
}

// Passed reports whether every required check succeeded. Advisory
// checks (AWS, GitHub, Docker, kubectl) never fail the report; only a
// broken Neo4j connection does, since nothing works without the graph.
func (r *DiagnosticReport) Passed() bool {
	for _, c := range r.Checks {
		if c.Required && !c.OK {
			return false
		}
	}
	return true
}

// Checker runs the full environment diagnosis. The per-backend probes
// are func fields so tests can inject statuses without network access.
type Checker struct {
	cfg     *config.Config
	cfgPath string
	runner  CommandRunner
	logger  *logging.Logger

	checkNeo4j  func(ctx context.Context) *Neo4jStatus
	checkAWS    func(ctx context.Context) *AWSStatus
	checkGitHub func(ctx context.Context) *GitHubStatus
}

// NewChecker wires probes from the loaded configuration. cfgPath is
// empty when no config file was discovered.
func NewChecker(ctx context.Context, cfg *config.Config, cfgPath string, runner CommandRunner, logger *logging.Logger) *Checker {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.Default()
	}

	c := &Checker{cfg: cfg, cfgPath: cfgPath, runner: runner, logger: logger}

	neo4j := NewNeo4jSetup(Neo4jSetupOptions{
		URI:      cfg.Neo4j.URI,
		User:     cfg.Neo4j.User,
		Password: cfg.Neo4j.Password,
		Database: cfg.Neo4j.Database,
	}, runner, logger)
	c.checkNeo4j = neo4j.CheckConnection

	aws, err := NewAWSSetup(cfg.Scanner.AWS.Profile, "", logger)
	if err != nil {
		c.checkAWS = func(context.Context) *AWSStatus {
			return &AWSStatus{Error: err.Error()}
		}
	} else {
		c.checkAWS = aws.CheckCredentials
	}

	github := NewGitHubSetup(ctx, "", cfg.Scanner.GitHub.Organization, logger)
	c.checkGitHub = github.CheckToken

	return c
}

// Run executes every check and returns the report. Probe failures are
// recorded, not returned, so the caller always gets a full picture.
func (c *Checker) Run(ctx context.Context) *DiagnosticReport {
	ctx, span := setupTracer.Start(ctx, "setup.check")
	defer span.End()

	report := &DiagnosticReport{}
	report.Checks = append(report.Checks, c.configCheck())
	report.Checks = append(report.Checks, c.neo4jCheck(ctx))
	report.Checks = append(report.Checks, c.awsCheck(ctx))
	report.Checks = append(report.Checks, c.githubCheck(ctx))
	report.Checks = append(report.Checks, c.dockerCheck(ctx))
	report.Checks = append(report.Checks, c.kubectlCheck(ctx))

	c.logger.Debug("status check complete", "checks", len(report.Checks), "passed", report.Passed())
	return report
}

func (c *Checker) configCheck() CheckResult {
	if c.cfgPath == "" {
		return CheckResult{
			Name:   "Config file",
			Detail: "no configuration file found",
			Hint:   "run: cloudstrate config init",
		}
	}
	return CheckResult{Name: "Config file", OK: true, Detail: c.cfgPath}
}

func (c *Checker) neo4jCheck(ctx context.Context) CheckResult {
	st := c.checkNeo4j(ctx)
	if !st.Connected {
		return CheckResult{
			Name:     "Neo4j",
			Required: true,
			Detail:   st.Error,
			Hint:     "run: cloudstrate setup neo4j",
		}
	}
	detail := fmt.Sprintf("connected to %s", c.cfg.Neo4j.URI)
	if st.Version != "" {
		detail = fmt.Sprintf("Neo4j %s at %s", st.Version, c.cfg.Neo4j.URI)
	}
	return CheckResult{
		Name:     "Neo4j",
		OK:       true,
		Required: true,
		Detail:   fmt.Sprintf("%s (%d nodes)", detail, st.NodeCount),
	}
}

func (c *Checker) awsCheck(ctx context.Context) CheckResult {
	st := c.checkAWS(ctx)
	if !st.Authenticated {
		return CheckResult{
			Name:   "AWS credentials",
			Detail: st.Error,
			Hint:   "run: cloudstrate setup aws",
		}
	}
	return CheckResult{
		Name:   "AWS credentials",
		OK:     true,
		Detail: fmt.Sprintf("account %s (%s)", st.AccountID, st.UserARN),
	}
}

func (c *Checker) githubCheck(ctx context.Context) CheckResult {
	st := c.checkGitHub(ctx)
	if !st.Authenticated {
		return CheckResult{
			Name:   "GitHub token",
			Detail: st.Error,
			Hint:   "export GITHUB_TOKEN, then run: cloudstrate setup github",
		}
	}
	detail := fmt.Sprintf("user %s (%s token)", st.Username, st.TokenType)
	if st.Organization != "" && !st.OrgAccessible {
		return CheckResult{Name: "GitHub token", Detail: st.Error, Hint: "check the token's organization access"}
	}
	return CheckResult{Name: "GitHub token", OK: true, Detail: detail}
}

func (c *Checker) dockerCheck(ctx context.Context) CheckResult {
	out, err := c.runner.Run(ctx, "docker", "--version")
	if err != nil {
		return CheckResult{
			Name:   "Docker",
			Detail: "docker not found in PATH",
			Hint:   "install Docker to run a local Neo4j via: cloudstrate setup neo4j",
		}
	}
	return CheckResult{Name: "Docker", OK: true, Detail: strings.TrimSpace(string(out))}
}

func (c *Checker) kubectlCheck(ctx context.Context) CheckResult {
	out, err := c.runner.Run(ctx, "kubectl", "version", "--client", "-o", "json")
	if err != nil {
		return CheckResult{
			Name:   "kubectl",
			Detail: "kubectl not found in PATH",
			Hint:   "install kubectl " + kubectlMinVersion + " or newer to use deploy.sh",
		}
	}

	var payload struct {
		ClientVersion struct {
			GitVersion string `json:"gitVersion"`
		} `json:"clientVersion"`
	}
	if err := json.Unmarshal(out, &payload); err != nil || payload.ClientVersion.GitVersion == "" {
		return CheckResult{Name: "kubectl", Detail: "cannot parse kubectl version output"}
	}

	version := payload.ClientVersion.GitVersion
	if !semver.IsValid(version) {
		return CheckResult{Name: "kubectl", Detail: fmt.Sprintf("unrecognized kubectl version %q", version)}
	}
	if semver.Compare(version, kubectlMinVersion) < 0 {
		return CheckResult{
			Name:   "kubectl",
			Detail: fmt.Sprintf("kubectl %s is older than %s", version, kubectlMinVersion),
			Hint:   "upgrade kubectl before running deploy.sh",
		}
	}
	return CheckResult{Name: "kubectl", OK: true, Detail: "kubectl " + version}
}
