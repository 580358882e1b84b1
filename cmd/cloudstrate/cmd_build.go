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
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudstrate/cloudstrate/services/builder"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	buildState     string
	buildOutputDir string
	buildFormat    string
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// buildGenerateCmd renders infrastructure code from mapping state.
var buildGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate Terraform from approved mapping state",
	Long: `Generate Terraform from approved mapping state.

Renders one module per security zone plus tenant and network domain
definitions. Only accepted proposals contribute to the output; pending
and rejected ones are skipped.

Examples:
  cloudstrate build generate --state mapping-state.yaml
  cloudstrate build generate -s mapping-state.yaml --output-dir infra/`,
	Run: runBuildGenerate,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	buildGenerateCmd.Flags().StringVarP(&buildState, "state", "s", "",
		"Path to mapping state file")
	buildGenerateCmd.Flags().StringVar(&buildOutputDir, "output-dir", "generated",
		"Directory for generated files")
	buildGenerateCmd.Flags().StringVar(&buildFormat, "format", "terraform",
		"Output format (only terraform is available)")
	buildGenerateCmd.MarkFlagRequired("state")

	buildCmd.AddCommand(buildGenerateCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

// runBuildGenerate renders the Terraform tree.
func runBuildGenerate(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if buildFormat != "terraform" {
		os.Exit(OutputResult(out, "build generate", start, nil, false,
			fmt.Errorf("unsupported format %q (only terraform is available)", buildFormat)))
	}

	textMode := !out.JSON && !out.Quiet
	if textMode {
		fmt.Printf("Generating terraform from: %s\n", buildState)
	}

	tf, err := builder.NewTerraformBuilder(buildState, buildOutputDir, logger)
	if err != nil {
		os.Exit(OutputResult(out, "build generate", start, nil, false, err))
	}

	result, err := tf.Generate(ctx)
	if err != nil {
		os.Exit(OutputResult(out, "build generate", start, nil, false, err))
	}

	if textMode {
		fmt.Printf("Generation complete. %d files written to: %s\n", result.FilesCreated, result.OutputDir)
	}

	os.Exit(OutputResult(out, "build generate", start, result, false, nil))
}
