// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/cloudstrate/cloudstrate/pkg/config"
	"github.com/cloudstrate/cloudstrate/pkg/logging"
	"github.com/cloudstrate/cloudstrate/pkg/resilience"
	"github.com/spf13/cobra"
)

// cliVersion is reported by --version and in JSON result metadata.
const cliVersion = "0.1.0"

// --- Global Command Variables ---
var (
	cfgFile       string
	outputFormat  string
	quietOutput   bool
	verboseOutput bool

	// cfg and logger are populated by the root PersistentPreRunE before
	// any subcommand runs.
	cfg    *config.Config
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:     "cloudstrate",
		Short:   "Multi-cloud governance: scan, map, and query your cloud estate",
		Version: cliVersion,
		Long: `Cloudstrate discovers cloud resources across AWS, Kubernetes, and
GitHub, maps them into a governance model of security zones and
tenants, and loads everything into a Neo4j graph you can query in
plain English.

Typical workflow:
  cloudstrate scan aws --profile prod        # inventory the estate
  cloudstrate map phase1 aws-scan.json       # propose a governance model
  cloudstrate map phase2                     # review proposals in the browser
  cloudstrate build generate --state mapping-state.yaml
  cloudstrate analyst serve                  # ask questions about the graph`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if outputFormat != "text" && outputFormat != "json" {
				return fmt.Errorf("invalid --output-format %q (use text or json)", outputFormat)
			}

			loaded, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			cfg = loaded

			level := logging.LevelInfo
			if verboseOutput {
				level = logging.LevelDebug
			}
			logger = logging.New(logging.Config{
				Level:   level,
				Service: "cli",
				Quiet:   quietOutput,
			})
			return nil
		},
	}

	// --- Command Groups ---
	scanCmd = &cobra.Command{
		Use:   "scan",
		Short: "Inventory cloud resources into scan files",
		Long: `Scan commands collect resource inventory from a provider and write
it to a scan file for the mapping phase.

Subcommands:
  aws          - Scan AWS Organizations, accounts, network, and IAM
  kubernetes   - Scan a Kubernetes cluster
  github       - Scan a GitHub organization
  cartography  - Import an existing Cartography Neo4j database`,
	} // Subcommands defined in cmd_scan.go

	mapCmd = &cobra.Command{
		Use:   "map",
		Short: "Map scan results into a governance model",
	} // Subcommands defined in cmd_map.go

	buildCmd = &cobra.Command{
		Use:   "build",
		Short: "Generate infrastructure code from approved mapping state",
	} // Subcommands defined in cmd_build.go

	analystCmd = &cobra.Command{
		Use:   "analyst",
		Short: "Query the governance graph in natural language",
	} // Subcommands defined in cmd_analyst.go

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect and edit the Cloudstrate configuration file",
	} // Subcommands defined in cmd_config.go

	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "Bootstrap Neo4j, AWS, and GitHub access",
	} // Subcommands defined in cmd_setup.go
)

// init wires global flags and command groups. Leaf commands register
// themselves with their group in the per-topic cmd_*.go init functions.
func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Path to "+config.ConfigFileName+" (searched upward from the working directory when empty)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output-format", "text",
		"Output format: text or json")
	rootCmd.PersistentFlags().BoolVar(&quietOutput, "quiet", false,
		"Suppress output; communicate through the exit code only")
	rootCmd.PersistentFlags().BoolVarP(&verboseOutput, "verbose", "v", false,
		"Enable debug logging")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(mapCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(analystCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(setupCmd)
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// outputConfig translates the global flags into an OutputConfig.
func outputConfig() OutputConfig {
	return OutputConfig{
		JSON:  outputFormat == "json",
		Quiet: quietOutput,
	}
}

// resolvedConfigPath returns the explicit --config path, the discovered
// config file, or the default file name in the working directory for
// commands that write configuration.
func resolvedConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if path, ok := config.Discover(); ok {
		return path
	}
	return config.ConfigFileName
}

// retryPolicy builds the backoff policy the scan and setup commands hand
// to the scanner and graph layers. All transient cloud throttling is
// retried with the same tuning.
func retryPolicy(c *config.Config) resilience.Policy {
	r := c.Resilience
	return resilience.Policy{
		MaxRetries:   r.MaxRetries,
		InitialDelay: r.GetInitialDelay(),
		MaxDelay:     r.GetMaxDelay(),
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
	}
}
