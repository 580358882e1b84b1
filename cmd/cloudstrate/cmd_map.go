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
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudstrate/cloudstrate/services/mapper"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	// Phase1-specific
	mapPhase1Output    string
	mapPhase1Decisions string

	// Phase2-specific
	mapPhase2State string
	mapPhase2Port  int
	mapPhase2Host  string

	// Show-specific
	mapShowState  string
	mapShowFormat string
	mapShowFilter string
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// mapPhase1Cmd runs deterministic proposal generation.
var mapPhase1Cmd = &cobra.Command{
	Use:   "phase1 SCAN_FILE",
	Short: "Run Phase 1 automatic mapping",
	Long: `Run Phase 1 automatic mapping.

Analyzes scan results and creates an initial governance model with
security zones, tenants, and subtenants. Each derived element carries a
proposal the Phase 2 review can accept, reject, or modify.

Examples:
  cloudstrate map phase1 aws-scan.json
  cloudstrate map phase1 aws-scan.json --output state.yaml
  cloudstrate map phase1 aws-scan.json -d decisions.yaml`,
	Args: cobra.ExactArgs(1),
	Run:  runMapPhase1,
}

// mapPhase2Cmd serves the interactive review UI.
var mapPhase2Cmd = &cobra.Command{
	Use:   "phase2",
	Short: "Start the Phase 2 interactive review server",
	Long: `Start the Phase 2 interactive review server.

Launches a local web UI for reviewing the proposals Phase 1 generated.
Accepted and rejected decisions are written back to the state file.
Stop the server with Ctrl-C.

Examples:
  cloudstrate map phase2
  cloudstrate map phase2 --state mapping-state.yaml --port 5000`,
	Run: runMapPhase2,
}

// mapShowCmd displays mapping state.
var mapShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current mapping state",
	Long: `Show current mapping state.

Displays security zones, tenants, and subtenants from the mapping state.
--filter takes a CEL expression evaluated against each proposal, for
example: proposal.status == "pending" && proposal.confidence < 0.8

Examples:
  cloudstrate map show --state mapping-state.yaml
  cloudstrate map show -s mapping-state.yaml --format yaml
  cloudstrate map show -s mapping-state.yaml --filter 'proposal.status == "pending"'`,
	Run: runMapShow,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	// Phase1 flags
	mapPhase1Cmd.Flags().StringVarP(&mapPhase1Output, "output", "o", "mapping-state.yaml",
		"Output file for mapping state")
	mapPhase1Cmd.Flags().StringVarP(&mapPhase1Decisions, "decisions", "d", "",
		"Optional decisions file for pre-configured mappings")

	// Phase2 flags
	mapPhase2Cmd.Flags().StringVarP(&mapPhase2State, "state", "s", "mapping-state.yaml",
		"Path to mapping state file")
	mapPhase2Cmd.Flags().IntVarP(&mapPhase2Port, "port", "p", 5000,
		"Port for review server")
	mapPhase2Cmd.Flags().StringVar(&mapPhase2Host, "host", "127.0.0.1",
		"Host to bind review server to")

	// Show flags
	mapShowCmd.Flags().StringVarP(&mapShowState, "state", "s", "",
		"Path to mapping state file")
	mapShowCmd.Flags().StringVarP(&mapShowFormat, "format", "f", "table",
		"Output format: yaml, json, or table")
	mapShowCmd.Flags().StringVar(&mapShowFilter, "filter", "",
		"CEL expression filtering proposals")
	mapShowCmd.MarkFlagRequired("state")

	mapCmd.AddCommand(mapPhase1Cmd)
	mapCmd.AddCommand(mapPhase2Cmd)
	mapCmd.AddCommand(mapShowCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

// runMapPhase1 executes the automatic mapping pass.
func runMapPhase1(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	scanFile := args[0]
	textMode := !out.JSON && !out.Quiet
	if textMode {
		fmt.Printf("Running Phase 1 mapping on: %s\n", scanFile)
	}

	m := mapper.NewPhase1Mapper(scanFile, mapPhase1Decisions, logger)
	state, err := m.Map(ctx)
	if err != nil {
		os.Exit(OutputResult(out, "map phase1", start, nil, false, err))
	}

	if err := m.SaveState(mapPhase1Output); err != nil {
		os.Exit(OutputResult(out, "map phase1", start, nil, false, err))
	}

	if textMode {
		fmt.Printf("Phase 1 mapping complete. State written to: %s\n", mapPhase1Output)
		fmt.Printf("  Security zones: %d\n", len(state.SecurityZones))
		fmt.Printf("  Tenants: %d\n", len(state.Tenants))
		fmt.Printf("  Subtenants: %d\n", len(state.Subtenants))
	}

	os.Exit(OutputResult(out, "map phase1", start, MappingSummaryResult{
		StateFile:      mapPhase1Output,
		SecurityZones:  len(state.SecurityZones),
		Tenants:        len(state.Tenants),
		Subtenants:     len(state.Subtenants),
		NetworkDomains: len(state.NetworkDomains),
		Proposals:      len(state.Proposals),
	}, false, nil))
}

// runMapPhase2 serves the review UI until interrupted.
func runMapPhase2(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !out.Quiet {
		fmt.Printf("Starting Phase 2 review server on %s:%d\n", mapPhase2Host, mapPhase2Port)
		fmt.Printf("State file: %s\n", mapPhase2State)
	}

	server, err := mapper.NewReviewServer(mapPhase2State, logger)
	if err != nil {
		os.Exit(OutputResult(out, "map phase2", start, nil, false, err))
	}

	if !out.Quiet {
		fmt.Printf("\nOpen http://%s:%d in your browser\n", mapPhase2Host, mapPhase2Port)
	}

	addr := fmt.Sprintf("%s:%d", mapPhase2Host, mapPhase2Port)
	if err := server.Run(ctx, addr); err != nil {
		os.Exit(OutputResult(out, "map phase2", start, nil, false, err))
	}

	os.Exit(CLIExitSuccess)
}

// runMapShow displays the mapping state.
func runMapShow(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	state, err := mapper.LoadState(mapShowState)
	if err != nil {
		os.Exit(OutputResult(out, "map show", start, nil, false, err))
	}

	if mapShowFilter != "" {
		state, err = mapper.FilterProposals(state, mapShowFilter)
		if err != nil {
			os.Exit(OutputResult(out, "map show", start, nil, false, err))
		}
	}

	if out.JSON || out.Quiet {
		os.Exit(OutputResult(out, "map show", start, state, false, nil))
	}

	rendered, err := mapper.RenderState(state, mapShowFormat)
	if err != nil {
		os.Exit(OutputResult(out, "map show", start, nil, false, err))
	}
	fmt.Print(rendered)

	os.Exit(CLIExitSuccess)
}
