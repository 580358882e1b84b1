// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/cloudstrate/cloudstrate/pkg/config"
	"github.com/cloudstrate/cloudstrate/pkg/ux"
	"github.com/cloudstrate/cloudstrate/services/setup"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	setupInitNeo4jPassword string
	setupInitAWSProfile    string
	setupInitGitHubOrg     string
	setupInitSkipNeo4j     bool
	setupInitSkipAWS       bool
	setupInitSkipGitHub    bool

	setupNeo4jPassword   string
	setupNeo4jURI        string
	setupNeo4jDockerName string

	setupAWSProfile    string
	setupAWSShowPolicy bool

	setupGitHubOrg        string
	setupGitHubShowScopes bool
)

// setupLongTimeout covers Docker image pulls on first Neo4j start.
const setupLongTimeout = 15 * time.Minute

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// setupInitCmd bootstraps the whole environment.
var setupInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize Cloudstrate environment",
	Long: `Initialize Cloudstrate environment.

Sets up the Neo4j database, validates AWS and GitHub access, and writes
cloudstrate-config.yaml. Prompts for the Neo4j password when
--neo4j-password is not given. Exits 1 when any step fails.

Examples:
  cloudstrate setup init
  cloudstrate setup init --aws-profile my-org --github-org my-org
  cloudstrate setup init --skip-github`,
	Run: runSetupInit,
}

// setupNeo4jCmd sets up only the graph database.
var setupNeo4jCmd = &cobra.Command{
	Use:   "neo4j",
	Short: "Set up Neo4j database and create schema",
	Long: `Set up Neo4j database and create schema.

Uses a local Neo4j install when one is running, otherwise starts a
Docker container (image neo4j:5, ports 7474/7687, apoc plugin, named
data volume). Verifies connectivity and creates indexes and
constraints.

Examples:
  cloudstrate setup neo4j
  cloudstrate setup neo4j --password secret
  NEO4J_PASSWORD=secret cloudstrate setup neo4j --docker-name my-neo4j`,
	Run: runSetupNeo4j,
}

// setupAWSCmd validates AWS credentials and permissions.
var setupAWSCmd = &cobra.Command{
	Use:   "aws",
	Short: "Validate AWS credentials and permissions",
	Long: `Validate AWS credentials and permissions.

Checks that the AWS profile can authenticate and probes the permissions
the scanner needs. Use --show-policy to print the minimum IAM policy.

Examples:
  cloudstrate setup aws --profile my-org-profile
  cloudstrate setup aws --show-policy`,
	Run: runSetupAWS,
}

// setupGitHubCmd validates the GitHub token.
var setupGitHubCmd = &cobra.Command{
	Use:   "github",
	Short: "Validate GitHub token and permissions",
	Long: `Validate GitHub token and permissions.

Checks that GITHUB_TOKEN authenticates, detects the token type, probes
the scopes the scanner needs, and verifies organization access. Use
--show-scopes to print the required scopes.

Examples:
  cloudstrate setup github --org my-org
  cloudstrate setup github --show-scopes`,
	Run: runSetupGitHub,
}

// setupCheckCmd runs the aggregate environment diagnosis.
var setupCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check status of all Cloudstrate components",
	Long: `Check status of all Cloudstrate components.

Verifies the config file, Neo4j reachability, AWS credentials, GitHub
token, Docker, and kubectl, with remediation hints for anything that
fails. A failed required check exits 1.

Examples:
  cloudstrate setup check
  cloudstrate setup check --output-format json`,
	Run: runSetupCheck,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	setupInitCmd.Flags().StringVar(&setupInitNeo4jPassword, "neo4j-password", "",
		"Password for Neo4j database (prompted when omitted)")
	setupInitCmd.Flags().StringVar(&setupInitAWSProfile, "aws-profile", "",
		"AWS profile to use for scanning")
	setupInitCmd.Flags().StringVar(&setupInitGitHubOrg, "github-org", "",
		"GitHub organization to scan")
	setupInitCmd.Flags().BoolVar(&setupInitSkipNeo4j, "skip-neo4j", false,
		"Skip Neo4j setup")
	setupInitCmd.Flags().BoolVar(&setupInitSkipAWS, "skip-aws", false,
		"Skip AWS validation")
	setupInitCmd.Flags().BoolVar(&setupInitSkipGitHub, "skip-github", false,
		"Skip GitHub validation")

	setupNeo4jCmd.Flags().StringVar(&setupNeo4jPassword, "password", "",
		"Neo4j password (default from NEO4J_PASSWORD, prompted when unset)")
	setupNeo4jCmd.Flags().StringVar(&setupNeo4jURI, "neo4j-uri", "",
		"Neo4j connection URI (default bolt://localhost:7687)")
	setupNeo4jCmd.Flags().StringVar(&setupNeo4jDockerName, "docker-name", setup.DefaultDockerName,
		"Name for the managed Neo4j container")

	setupAWSCmd.Flags().StringVarP(&setupAWSProfile, "profile", "p", "",
		"AWS profile to validate")
	setupAWSCmd.Flags().BoolVar(&setupAWSShowPolicy, "show-policy", false,
		"Show required IAM policy")

	setupGitHubCmd.Flags().StringVarP(&setupGitHubOrg, "org", "o", "",
		"GitHub organization to validate")
	setupGitHubCmd.Flags().BoolVar(&setupGitHubShowScopes, "show-scopes", false,
		"Show required token scopes")

	setupCmd.AddCommand(setupInitCmd)
	setupCmd.AddCommand(setupNeo4jCmd)
	setupCmd.AddCommand(setupAWSCmd)
	setupCmd.AddCommand(setupGitHubCmd)
	setupCmd.AddCommand(setupCheckCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

// runSetupInit walks the three-step bootstrap and writes the config.
func runSetupInit(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()
	textMode := !out.JSON && !out.Quiet

	ctx, cancel := context.WithTimeout(context.Background(), setupLongTimeout)
	defer cancel()

	password := setupInitNeo4jPassword
	if password == "" {
		if out.JSON {
			os.Exit(OutputResult(out, "setup init", start, nil, false,
				fmt.Errorf("Neo4j password required (use --neo4j-password with --output-format json)")))
		}
		var err error
		password, err = promptNeo4jPassword(true)
		if err != nil {
			os.Exit(OutputResult(out, "setup init", start, nil, false, err))
		}
	}

	if textMode {
		ux.Banner("CLOUDSTRATE SETUP")
	}

	newCfg := config.Default()
	newCfg.Neo4j.Password = password
	if setupInitAWSProfile != "" {
		newCfg.Scanner.AWS.Profile = setupInitAWSProfile
	}
	if setupInitGitHubOrg != "" {
		newCfg.Scanner.GitHub.Organization = setupInitGitHubOrg
	}

	success := true
	var steps []SetupStepResult

	if !setupInitSkipNeo4j {
		if textMode {
			fmt.Println("[1/3] Setting up Neo4j database...")
		}
		ok := setupNeo4jFlow(ctx, out, password, "", setup.DefaultDockerName)
		steps = append(steps, SetupStepResult{Step: "neo4j", Success: ok})
		if !ok {
			success = false
		}
		if textMode {
			fmt.Println()
		}
	}

	if !setupInitSkipAWS {
		if textMode {
			fmt.Println("[2/3] Validating AWS permissions...")
		}
		ok, _ := setupAWSFlow(ctx, out, setupInitAWSProfile)
		steps = append(steps, SetupStepResult{Step: "aws", Success: ok})
		if !ok {
			success = false
		}
		if textMode {
			fmt.Println()
		}
	}

	if !setupInitSkipGitHub {
		if textMode {
			fmt.Println("[3/3] Validating GitHub permissions...")
		}
		ok, _ := setupGitHubFlow(ctx, out, setupInitGitHubOrg)
		steps = append(steps, SetupStepResult{Step: "github", Success: ok})
		if !ok {
			success = false
		}
		if textMode {
			fmt.Println()
		}
	}

	// The config is written even when a step failed, so a re-run after
	// fixing credentials does not restart from nothing.
	path := config.ConfigFileName
	if err := config.Save(newCfg, path); err != nil {
		os.Exit(OutputResult(out, "setup init", start, nil, false, err))
	}
	if textMode {
		fmt.Printf("Configuration written to: %s\n", path)
	}

	data := struct {
		Steps      []SetupStepResult `json:"steps"`
		ConfigFile string            `json:"config_file"`
	}{steps, path}

	if success {
		if textMode {
			ux.Banner("SETUP COMPLETE")
			fmt.Println("Next steps:")
			fmt.Println("  1. Run a scan:      cloudstrate scan aws --profile <profile>")
			fmt.Println("  2. Run mapping:     cloudstrate map phase1 <scan.json>")
			fmt.Println("  3. Start analyst:   cloudstrate analyst serve")
		}
		os.Exit(OutputResult(out, "setup init", start, data, false, nil))
	}

	if textMode {
		ux.Banner("SETUP INCOMPLETE - Some components failed")
		fmt.Println("Re-run setup after fixing the issues above.")
	}
	os.Exit(OutputResult(out, "setup init", start, data, true, nil))
}

// runSetupNeo4j sets up only the graph database.
func runSetupNeo4j(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	ctx, cancel := context.WithTimeout(context.Background(), setupLongTimeout)
	defer cancel()

	password := setupNeo4jPassword
	if password == "" {
		password = os.Getenv("NEO4J_PASSWORD")
	}
	if password == "" && !out.JSON {
		var err error
		password, err = promptNeo4jPassword(false)
		if err != nil {
			os.Exit(OutputResult(out, "setup neo4j", start, nil, false, err))
		}
	}
	if password == "" {
		os.Exit(OutputResult(out, "setup neo4j", start, nil, false,
			fmt.Errorf("Neo4j password required (set --password or NEO4J_PASSWORD)")))
	}

	if !out.JSON && !out.Quiet {
		fmt.Println("Setting up Neo4j...")
	}
	ok := setupNeo4jFlow(ctx, out, password, setupNeo4jURI, setupNeo4jDockerName)

	os.Exit(OutputResult(out, "setup neo4j", start,
		SetupStepResult{Step: "neo4j", Success: ok}, !ok, nil))
}

// runSetupAWS validates AWS access or prints the required policy.
func runSetupAWS(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	if setupAWSShowPolicy {
		fmt.Println("Required IAM Policy:")
		fmt.Println(setup.RequiredPolicy())
		os.Exit(CLIExitSuccess)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if !out.JSON && !out.Quiet {
		fmt.Println("Validating AWS permissions...")
	}
	ok, status := setupAWSFlow(ctx, out, setupAWSProfile)

	result := SetupStepResult{Step: "aws", Success: ok}
	if status != nil && status.Error != "" {
		result.Detail = status.Error
	}
	os.Exit(OutputResult(out, "setup aws", start, result, !ok, nil))
}

// runSetupGitHub validates the GitHub token or prints scope help.
func runSetupGitHub(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	if setupGitHubShowScopes {
		fmt.Println(setup.RequiredScopesHelp())
		os.Exit(CLIExitSuccess)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if !out.JSON && !out.Quiet {
		fmt.Println("Validating GitHub permissions...")
	}
	ok, status := setupGitHubFlow(ctx, out, setupGitHubOrg)

	result := SetupStepResult{Step: "github", Success: ok}
	if status != nil && status.Error != "" {
		result.Detail = status.Error
	}
	os.Exit(OutputResult(out, "setup github", start, result, !ok, nil))
}

// runSetupCheck renders the aggregate diagnostic report.
func runSetupCheck(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath, _ = config.Discover()
	}

	checker := setup.NewChecker(ctx, cfg, cfgPath, NewDefaultProcessManager(), logger)
	report := checker.Run(ctx)

	if !out.JSON && !out.Quiet {
		ux.Banner("CLOUDSTRATE STATUS CHECK")
		for _, c := range report.Checks {
			ux.Check(c.Name, c.OK, c.Required, c.Detail, c.Hint)
		}
	}

	os.Exit(OutputResult(out, "setup check", start, report, !report.Passed(), nil))
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// promptNeo4jPassword reads a password with hidden input. confirm adds
// a second field that must match.
func promptNeo4jPassword(confirm bool) (string, error) {
	var password, repeat string

	fields := []huh.Field{
		huh.NewInput().
			Title("Neo4j password").
			EchoMode(huh.EchoModePassword).
			Validate(func(s string) error {
				if s == "" {
					return errors.New("password must not be empty")
				}
				return nil
			}).
			Value(&password),
	}
	if confirm {
		fields = append(fields, huh.NewInput().
			Title("Repeat for confirmation").
			EchoMode(huh.EchoModePassword).
			Validate(func(s string) error {
				if s != password {
					return errors.New("passwords do not match")
				}
				return nil
			}).
			Value(&repeat))
	}

	form := huh.NewForm(huh.NewGroup(fields...))
	if err := form.Run(); err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return password, nil
}

// setupNeo4jFlow detects or starts Neo4j, verifies the connection, and
// creates the schema. Returns false when the database is unusable.
func setupNeo4jFlow(ctx context.Context, out OutputConfig, password, uri, dockerName string) bool {
	textMode := !out.JSON && !out.Quiet
	echo := func(format string, a ...any) {
		if textMode {
			fmt.Printf(format+"\n", a...)
		}
	}

	pm := NewDefaultProcessManager()
	ns := setup.NewNeo4jSetup(setup.Neo4jSetupOptions{
		URI:        uri,
		Password:   password,
		DockerName: dockerName,
	}, pm, logger)

	needDocker := false
	installed, version := ns.CheckInstalled(ctx)
	if installed {
		echo("  Neo4j installed: %s", version)
		// The JVM entry point class keeps this pattern from matching
		// the CLI's own "setup neo4j" argv.
		running, pid, err := pm.IsRunning(ctx, "org.neo4j")
		if err == nil && !running {
			echo("  Neo4j server not running")
			needDocker = true
		} else if running {
			logger.Debug("native Neo4j server detected", "pid", pid)
		}
	} else {
		echo("  Neo4j not found locally")
		needDocker = true
	}

	if needDocker {
		if err := ns.StartDocker(ctx); err != nil {
			echo("  ERROR: Could not start Neo4j")
			echo("  Install Neo4j or Docker to continue")
			logger.Debug("docker start failed", "error", err)
			return false
		}
		echo("  Started Neo4j in Docker")

		wait := func() error { return ns.WaitForBolt(ctx) }
		var err error
		if textMode {
			err = SpinWhileContext(ctx, "Waiting for Bolt...", wait)
		} else {
			err = wait()
		}
		if err != nil {
			echo("  ERROR: %v", err)
			return false
		}
	}

	status := ns.CheckConnection(ctx)
	if !status.Connected {
		echo("  ERROR: %s", status.Error)
		return false
	}
	echo("  Connected to Neo4j %s", status.Version)
	echo("  Database: %s", status.Database)
	echo("  Existing nodes: %d", status.NodeCount)

	echo("  Creating schema indexes...")
	schema := ns.CreateSchema(ctx)
	if schema.Error != "" {
		echo("  WARNING: Could not create indexes: %s", schema.Error)
	} else {
		echo("  Created %d indexes", schema.IndexesCreated)
		echo("  Created %d constraints", schema.ConstraintsCreated)
	}

	echo("  Neo4j setup complete")
	return true
}

// setupAWSFlow validates credentials and probes scanner permissions.
// Denied permissions are warnings; only a failed authentication fails
// the step.
func setupAWSFlow(ctx context.Context, out OutputConfig, profile string) (bool, *setup.AWSStatus) {
	textMode := !out.JSON && !out.Quiet
	echo := func(format string, a ...any) {
		if textMode {
			fmt.Printf(format+"\n", a...)
		}
	}

	probe, err := setup.NewAWSSetup(profile, "", logger)
	if err != nil {
		echo("  ERROR: %v", err)
		return false, &setup.AWSStatus{Error: err.Error()}
	}

	status := probe.CheckCredentials(ctx)
	if !status.Authenticated {
		echo("  ERROR: %s", status.Error)
		return false, status
	}
	echo("  Authenticated as: %s", status.UserARN)
	echo("  Account: %s", status.AccountID)
	if status.AccountAlias != "" {
		echo("  Alias: %s", status.AccountAlias)
	}
	if status.IsOrganizationAccount {
		echo("  Organization management account")
	}

	perms := probe.CheckPermissions(ctx)
	if failed := perms.FailedPermissions(); len(failed) > 0 {
		echo("  WARNING: %d permission checks failed:", len(failed))
		for _, check := range failed {
			echo("    - %s:%s: %s", check.Service, check.Action, check.Error)
		}
		echo("  Run 'cloudstrate setup aws --show-policy' for required IAM policy")
	} else {
		echo("  All %d permission checks passed", len(perms.PermissionChecks))
	}

	echo("  AWS setup complete")
	return true, status
}

// setupGitHubFlow validates the token and probes scopes.
func setupGitHubFlow(ctx context.Context, out OutputConfig, org string) (bool, *setup.GitHubStatus) {
	textMode := !out.JSON && !out.Quiet
	echo := func(format string, a ...any) {
		if textMode {
			fmt.Printf(format+"\n", a...)
		}
	}

	probe := setup.NewGitHubSetup(ctx, "", org, logger)

	status := probe.CheckToken(ctx)
	if !status.Authenticated {
		echo("  ERROR: %s", status.Error)
		echo("  Run 'cloudstrate setup github --show-scopes' for help")
		return false, status
	}
	echo("  Authenticated as: %s", status.Username)
	echo("  Token type: %s", status.TokenType)

	if org != "" {
		if status.OrgAccessible {
			echo("  Organization '%s' accessible", org)
		} else {
			echo("  WARNING: Cannot access organization '%s'", org)
			if status.Error != "" {
				echo("    %s", status.Error)
			}
		}
	}

	perms := probe.CheckPermissions(ctx)
	var failed []setup.GitHubPermissionCheck
	for _, p := range perms.PermissionChecks {
		if !p.Allowed {
			failed = append(failed, p)
		}
	}
	if len(failed) > 0 {
		echo("  WARNING: %d permission checks failed:", len(failed))
		for _, check := range failed {
			echo("    - %s: %s", check.Scope, check.Error)
		}
	} else {
		echo("  All permission checks passed")
	}

	echo("  GitHub setup complete")
	return true, status
}
