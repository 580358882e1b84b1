// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cloudstrate/cloudstrate/pkg/secrets"
	"github.com/cloudstrate/cloudstrate/services/scanner"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	// AWS-specific
	scanAWSProfile        string
	scanAWSRegions        []string
	scanAWSOutput         string
	scanAWSIncludeIAM     bool
	scanAWSIncludeNetwork bool

	// Kubernetes-specific
	scanK8sContext string
	scanK8sOutput  string

	// GitHub-specific
	scanGitHubOrg              string
	scanGitHubOutput           string
	scanGitHubIncludeWorkflows bool

	// Cartography-specific
	scanCartographyConfig string
	scanCartographyURI    string
	scanCartographyOutput string
)

// scanTimeout bounds a full estate scan. Large organizations with many
// regions take a while; interactive cancellation still works via SIGINT.
const scanTimeout = 30 * time.Minute

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// scanAWSCmd scans AWS organization structure and resources.
var scanAWSCmd = &cobra.Command{
	Use:   "aws",
	Short: "Scan AWS organization structure and resources",
	Long: `Scan AWS organization structure and resources.

Discovers accounts, OUs, IAM roles, VPCs, and cross-account relationships.
Credentials come from the named shared-credentials profile.

Examples:
  cloudstrate scan aws --profile my-org-profile
  cloudstrate scan aws --profile prod -r us-east-1 -r eu-west-1
  cloudstrate scan aws --profile prod --include-iam=false --output scans/aws.json`,
	Run: runScanAWS,
}

// scanKubernetesCmd scans a Kubernetes cluster.
var scanKubernetesCmd = &cobra.Command{
	Use:   "kubernetes",
	Short: "Scan Kubernetes cluster resources",
	Long: `Scan Kubernetes cluster resources.

Discovers namespaces, deployments, services, and pods using the local
kubeconfig. The configured namespace filter (scanner.kubernetes.namespaces)
limits the scan when set.

Examples:
  cloudstrate scan kubernetes
  cloudstrate scan kubernetes --context prod-cluster --output k8s.json`,
	Run: runScanKubernetes,
}

// scanGitHubCmd scans a GitHub organization.
var scanGitHubCmd = &cobra.Command{
	Use:   "github",
	Short: "Scan GitHub organization repositories and configuration",
	Long: `Scan GitHub organization repositories and configuration.

Discovers repositories, workflows, and OIDC configurations. Requires a
token in GITHUB_TOKEN with repo and read:org scopes (see 'cloudstrate
setup github --show-scopes').

Examples:
  cloudstrate scan github --org my-org
  cloudstrate scan github -o my-org --include-workflows=false`,
	Run: runScanGitHub,
}

// scanCartographyCmd imports from an existing Cartography database.
var scanCartographyCmd = &cobra.Command{
	Use:   "cartography",
	Short: "Import inventory from an existing Cartography Neo4j database",
	Long: `Import inventory from an existing Cartography Neo4j database.

Estates already mapped by Lyft's Cartography can skip the direct AWS scan:
this command reads the Cartography graph (AWSAccount, AWSVpc, AWSRole
labels) and converts it to a Cloudstrate scan file. Connection details
come from the cartography config.yaml; --neo4j-uri overrides its uri.
The source database password is read from NEO4J_PASSWORD.

Examples:
  cloudstrate scan cartography --config cartography/config.yaml
  cloudstrate scan cartography -c config.yaml --neo4j-uri bolt://graph:7687`,
	Run: runScanCartography,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	// AWS flags
	scanAWSCmd.Flags().StringVarP(&scanAWSProfile, "profile", "p", "",
		"AWS profile name for authentication")
	scanAWSCmd.Flags().StringSliceVarP(&scanAWSRegions, "regions", "r", []string{"us-east-1"},
		"AWS regions to scan (can be specified multiple times)")
	scanAWSCmd.Flags().StringVarP(&scanAWSOutput, "output", "o", "aws-scan.json",
		"Output file path for scan results")
	scanAWSCmd.Flags().BoolVar(&scanAWSIncludeIAM, "include-iam", true,
		"Include IAM roles and policies in scan")
	scanAWSCmd.Flags().BoolVar(&scanAWSIncludeNetwork, "include-network", true,
		"Include VPCs and network topology in scan")
	scanAWSCmd.MarkFlagRequired("profile")

	// Kubernetes flags
	scanKubernetesCmd.Flags().StringVarP(&scanK8sContext, "context", "c", "",
		"Kubernetes context to use (defaults to current context)")
	scanKubernetesCmd.Flags().StringVarP(&scanK8sOutput, "output", "o", "k8s-scan.json",
		"Output file path for scan results")

	// GitHub flags. -o belongs to --org here, matching the command's
	// documented usage; --output has no shorthand.
	scanGitHubCmd.Flags().StringVarP(&scanGitHubOrg, "org", "o", "",
		"GitHub organization name")
	scanGitHubCmd.Flags().StringVar(&scanGitHubOutput, "output", "github-scan.json",
		"Output file path for scan results")
	scanGitHubCmd.Flags().BoolVar(&scanGitHubIncludeWorkflows, "include-workflows", true,
		"Include GitHub Actions workflows in scan")
	scanGitHubCmd.MarkFlagRequired("org")

	// Cartography flags
	scanCartographyCmd.Flags().StringVarP(&scanCartographyConfig, "config", "c", "",
		"Path to cartography config.yaml")
	scanCartographyCmd.Flags().StringVar(&scanCartographyURI, "neo4j-uri", "",
		"Neo4j connection URI (overrides the cartography config)")
	scanCartographyCmd.Flags().StringVar(&scanCartographyOutput, "output", "cartography-scan.json",
		"Output file path for the converted scan results")
	scanCartographyCmd.MarkFlagRequired("config")

	scanCmd.AddCommand(scanAWSCmd)
	scanCmd.AddCommand(scanKubernetesCmd)
	scanCmd.AddCommand(scanGitHubCmd)
	scanCmd.AddCommand(scanCartographyCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

// runScanAWS executes the AWS estate scan.
func runScanAWS(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	textMode := !out.JSON && !out.Quiet
	if textMode {
		fmt.Printf("Scanning AWS with profile: %s\n", scanAWSProfile)
		fmt.Printf("Regions: %s\n", strings.Join(scanAWSRegions, ", "))
	}

	aws, err := scanner.NewAWSScanner(scanner.AWSScannerOptions{
		Profile:        scanAWSProfile,
		Regions:        scanAWSRegions,
		IncludeIAM:     scanAWSIncludeIAM,
		IncludeNetwork: scanAWSIncludeNetwork,
	}, logger, retryPolicy(cfg))
	if err != nil {
		os.Exit(OutputResult(out, "scan aws", start, nil, false, err))
	}

	spin := NewSpinner(SpinnerConfig{Message: "Scanning..."})
	if textMode {
		aws.SetProgress(func(step string, current, total int) {
			spin.SetMessage(fmt.Sprintf("Scanning: %s (%d/%d)", step, current, total))
		})
		spin.Start()
	}

	result, err := aws.Scan(ctx)
	spin.Stop()
	if err != nil {
		os.Exit(OutputResult(out, "scan aws", start, nil, false, err))
	}

	if err := scanner.WriteScan(scanAWSOutput, result); err != nil {
		os.Exit(OutputResult(out, "scan aws", start, nil, false, err))
	}

	if textMode {
		fmt.Printf("\nScan complete. Results written to: %s\n", scanAWSOutput)
		fmt.Printf("  Accounts discovered: %d\n", len(result.Accounts))
		fmt.Printf("  OUs discovered: %d\n", len(result.OrganizationalUnits))
		fmt.Printf("\nNext: cloudstrate map phase1 %s\n", scanAWSOutput)
	}

	os.Exit(OutputResult(out, "scan aws", start, scanSummary("aws", scanAWSOutput, result, start), false, nil))
}

// runScanKubernetes executes the cluster scan.
func runScanKubernetes(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	textMode := !out.JSON && !out.Quiet
	if textMode {
		clusterName := scanK8sContext
		if clusterName == "" {
			clusterName = "current context"
		}
		fmt.Printf("Scanning Kubernetes cluster: %s\n", clusterName)
	}

	k8s, err := scanner.NewKubernetesScanner(scanner.KubernetesScannerOptions{
		Context:    scanK8sContext,
		Namespaces: cfg.Scanner.Kubernetes.Namespaces,
	}, logger)
	if err != nil {
		os.Exit(OutputResult(out, "scan kubernetes", start, nil, false, err))
	}

	result, err := k8s.Scan(ctx)
	if err != nil {
		os.Exit(OutputResult(out, "scan kubernetes", start, nil, false, err))
	}

	if err := scanner.WriteScan(scanK8sOutput, result); err != nil {
		os.Exit(OutputResult(out, "scan kubernetes", start, nil, false, err))
	}

	if textMode {
		fmt.Printf("Scan complete. Results written to: %s\n", scanK8sOutput)
		if result.Kubernetes != nil {
			fmt.Printf("  Namespaces discovered: %d\n", len(result.Kubernetes.Namespaces))
		}
	}

	os.Exit(OutputResult(out, "scan kubernetes", start, scanSummary("kubernetes", scanK8sOutput, result, start), false, nil))
}

// runScanGitHub executes the GitHub organization scan.
func runScanGitHub(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	textMode := !out.JSON && !out.Quiet
	if textMode {
		fmt.Printf("Scanning GitHub organization: %s\n", scanGitHubOrg)
	}

	token, err := secrets.Resolve("GITHUB_TOKEN")
	if err != nil {
		os.Exit(OutputResult(out, "scan github", start, nil, false,
			fmt.Errorf("GitHub token required (create one with repo and read:org scopes, then export GITHUB_TOKEN): %w", err)))
	}
	defer token.Destroy()

	gh, err := scanner.NewGitHubScanner(ctx, token.Value(), scanner.GitHubScannerOptions{
		Organization:     scanGitHubOrg,
		IncludeWorkflows: scanGitHubIncludeWorkflows,
		IncludeOIDC:      cfg.Scanner.GitHub.IncludeOIDC,
	}, logger, retryPolicy(cfg))
	if err != nil {
		os.Exit(OutputResult(out, "scan github", start, nil, false, err))
	}

	result, err := gh.Scan(ctx)
	if err != nil {
		os.Exit(OutputResult(out, "scan github", start, nil, false, err))
	}

	if err := scanner.WriteScan(scanGitHubOutput, result); err != nil {
		os.Exit(OutputResult(out, "scan github", start, nil, false, err))
	}

	if textMode {
		fmt.Printf("Scan complete. Results written to: %s\n", scanGitHubOutput)
		if result.GitHub != nil {
			fmt.Printf("  Repositories discovered: %d\n", len(result.GitHub.Repositories))
		}
	}

	os.Exit(OutputResult(out, "scan github", start, scanSummary("github", scanGitHubOutput, result, start), false, nil))
}

// runScanCartography converts a Cartography graph into a scan file.
func runScanCartography(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	textMode := !out.JSON && !out.Quiet
	if textMode {
		fmt.Printf("Running Cartography scan with config: %s\n", scanCartographyConfig)
	}

	conn, err := cartographyConnection(scanCartographyConfig)
	if err != nil {
		os.Exit(OutputResult(out, "scan cartography", start, nil, false, err))
	}
	if scanCartographyURI != "" {
		conn.URI = scanCartographyURI
	}
	if textMode {
		fmt.Printf("Neo4j URI: %s\n", conn.URI)
	}

	importer, err := scanner.NewCartographyImporter(ctx, scanner.CartographyImporterOptions{
		URI:      conn.URI,
		User:     conn.User,
		Password: os.Getenv("NEO4J_PASSWORD"),
		Database: conn.Database,
	}, logger)
	if err != nil {
		os.Exit(OutputResult(out, "scan cartography", start, nil, false, err))
	}
	defer importer.Close(ctx)

	result, err := importer.Import(ctx)
	if err != nil {
		os.Exit(OutputResult(out, "scan cartography", start, nil, false, err))
	}

	if err := scanner.WriteScan(scanCartographyOutput, result); err != nil {
		os.Exit(OutputResult(out, "scan cartography", start, nil, false, err))
	}

	if textMode {
		fmt.Println("Cartography scan complete")
		fmt.Printf("Results written to: %s\n", scanCartographyOutput)
	}

	counts := result.ResourceCounts()
	os.Exit(OutputResult(out, "scan cartography", start, GraphLoadResult{
		Output:    scanCartographyOutput,
		Resources: counts,
		Total:     sumCounts(counts),
	}, false, nil))
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// cartographyConn holds the subset of a cartography config.yaml that
// locates its Neo4j database.
type cartographyConn struct {
	URI      string
	User     string
	Database string
}

// cartographyConnection extracts Neo4j connection details from a
// cartography config.yaml. Cartography configs carry a neo4j section
// with uri/user keys; anything missing falls back to local defaults.
func cartographyConnection(path string) (cartographyConn, error) {
	conn := cartographyConn{
		URI:  "bolt://localhost:7687",
		User: "neo4j",
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return conn, fmt.Errorf("cannot read cartography config %s: %w", path, err)
	}

	var raw struct {
		Neo4j struct {
			URI      string `yaml:"uri"`
			User     string `yaml:"user"`
			Database string `yaml:"database"`
		} `yaml:"neo4j"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return conn, fmt.Errorf("cannot parse cartography config %s: %w", path, err)
	}

	if raw.Neo4j.URI != "" {
		conn.URI = raw.Neo4j.URI
	}
	if raw.Neo4j.User != "" {
		conn.User = raw.Neo4j.User
	}
	conn.Database = raw.Neo4j.Database
	return conn, nil
}

// scanSummary builds the JSON-mode result payload for a scan command.
func scanSummary(provider, output string, result *scanner.ScanResult, start time.Time) ScanSummaryResult {
	counts := result.ResourceCounts()
	return ScanSummaryResult{
		Provider:   provider,
		Output:     output,
		Resources:  counts,
		Total:      sumCounts(counts),
		DurationMs: time.Since(start).Milliseconds(),
	}
}

func sumCounts(counts map[string]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}
