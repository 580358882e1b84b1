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
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudstrate/cloudstrate/pkg/config"
	"github.com/cloudstrate/cloudstrate/pkg/telemetry"
	"github.com/cloudstrate/cloudstrate/services/analyst"
	"github.com/cloudstrate/cloudstrate/services/graph"
	"github.com/cloudstrate/cloudstrate/services/knowledge"
	"github.com/cloudstrate/cloudstrate/services/llm"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	// Shared Neo4j connection flags (env fallbacks NEO4J_URI,
	// NEO4J_USER, NEO4J_PASSWORD)
	analystNeo4jURI      string
	analystNeo4jUser     string
	analystNeo4jPassword string

	// Serve-specific
	analystServePort int
	analystServeHost string

	// Query-specific
	analystQueryFormat string
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// analystServeCmd runs the analyst web interface.
var analystServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the analyst web interface",
	Long: `Start the analyst web interface.

Serves a console for natural language queries against the governance
graph, plus /api/query, /api/stats, /health, and /metrics. The Neo4j
password must come from --neo4j-password, NEO4J_PASSWORD, or the config
file; starting without one is an error.

Examples:
  cloudstrate analyst serve
  cloudstrate analyst serve --port 5001 --host 0.0.0.0
  NEO4J_PASSWORD=secret cloudstrate analyst serve`,
	Run: runAnalystServe,
}

// analystQueryCmd runs a one-shot natural language query.
var analystQueryCmd = &cobra.Command{
	Use:   "query QUESTION",
	Short: "Run a natural language query",
	Long: `Run a natural language query.

Translates natural language to Cypher and executes it against Neo4j.
Raw Cypher is passed through untranslated.

Examples:
  cloudstrate analyst query "Show all production accounts"
  cloudstrate analyst query "Which roles trust external accounts?" --format table
  cloudstrate analyst query "MATCH (a:AWSAccount) RETURN a.name" -f json`,
	Args: cobra.ExactArgs(1),
	Run:  runAnalystQuery,
}

// analystStatsCmd shows graph statistics.
var analystStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show graph database statistics",
	Long: `Show graph database statistics.

Displays node and relationship counts for the governance graph.

Examples:
  cloudstrate analyst stats
  NEO4J_PASSWORD=secret cloudstrate analyst stats`,
	Run: runAnalystStats,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	// Connection flags are registered per command rather than as
	// persistent flags so each help page documents them.
	for _, c := range []*cobra.Command{analystServeCmd, analystQueryCmd, analystStatsCmd} {
		c.Flags().StringVar(&analystNeo4jURI, "neo4j-uri", "",
			"Neo4j connection URI (default from NEO4J_URI or config)")
		c.Flags().StringVar(&analystNeo4jUser, "neo4j-user", "",
			"Neo4j username (default from NEO4J_USER or config)")
		c.Flags().StringVar(&analystNeo4jPassword, "neo4j-password", "",
			"Neo4j password (default from NEO4J_PASSWORD or config)")
	}

	analystServeCmd.Flags().IntVarP(&analystServePort, "port", "p", 5001,
		"Port for analyst server")
	analystServeCmd.Flags().StringVar(&analystServeHost, "host", "127.0.0.1",
		"Host to bind server to")

	analystQueryCmd.Flags().StringVarP(&analystQueryFormat, "format", "f", "text",
		"Output format: text, json, or table")

	analystCmd.AddCommand(analystServeCmd)
	analystCmd.AddCommand(analystQueryCmd)
	analystCmd.AddCommand(analystStatsCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

// runAnalystServe starts the HTTP server and blocks until interrupted.
func runAnalystServe(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := analystConnection()
	if err != nil {
		os.Exit(OutputResult(out, "analyst serve", start, nil, false, err))
	}

	port := analystServePort
	if !cmd.Flags().Changed("port") && cfg.Analyst.Port != 0 {
		port = cfg.Analyst.Port
	}
	host := analystServeHost
	if !cmd.Flags().Changed("host") && cfg.Analyst.Host != "" {
		host = cfg.Analyst.Host
	}

	if !out.Quiet {
		fmt.Printf("Starting Analyst server on %s:%d\n", host, port)
		fmt.Printf("Neo4j: %s\n", conn.URI)
	}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    "cloudstrate-analyst",
			ServiceVersion: cliVersion,
			TraceExporter:  "otlp",
			OTLPEndpoint:   endpoint,
		})
		if err != nil {
			logger.Warn("telemetry init failed", "error", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	store, err := graph.Connect(ctx, conn, logger)
	if err != nil {
		os.Exit(OutputResult(out, "analyst serve", start, nil, false, err))
	}
	defer store.Close(context.Background())

	engine, cleanup, err := buildQueryEngine(ctx, store)
	if err != nil {
		os.Exit(OutputResult(out, "analyst serve", start, nil, false, err))
	}
	defer cleanup()

	var cloudtrail *analyst.CloudTrailQuerier
	if cfg.Analyst.EnableCloudTrail {
		cloudtrail, err = analyst.NewCloudTrailQuerier(cfg.Analyst.Athena, cfg.Scanner.AWS.Profile, logger)
		if err != nil {
			logger.Warn("CloudTrail endpoint disabled", "error", err)
			cloudtrail = nil
		}
	}

	provider, err := analyst.NewAuthProvider(cfg.Auth)
	if err != nil {
		os.Exit(OutputResult(out, "analyst serve", start, nil, false, err))
	}

	server := analyst.NewServer(engine, store, cloudtrail, provider, logger)

	if !out.Quiet {
		fmt.Printf("\nOpen http://%s:%d in your browser\n", host, port)
	}

	if err := server.Run(ctx, fmt.Sprintf("%s:%d", host, port)); err != nil {
		os.Exit(OutputResult(out, "analyst serve", start, nil, false, err))
	}

	os.Exit(CLIExitSuccess)
}

// runAnalystQuery executes a single question and prints the result.
func runAnalystQuery(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()
	question := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	textMode := !out.JSON && !out.Quiet
	if textMode {
		fmt.Printf("Query: %s\n\n", question)
	}

	conn, err := analystConnection()
	if err != nil {
		os.Exit(OutputResult(out, "analyst query", start, nil, false, err))
	}

	store, err := graph.Connect(ctx, conn, logger)
	if err != nil {
		os.Exit(OutputResult(out, "analyst query", start, nil, false, err))
	}
	defer store.Close(context.Background())

	engine, cleanup, err := buildQueryEngine(ctx, store)
	if err != nil {
		os.Exit(OutputResult(out, "analyst query", start, nil, false, err))
	}
	defer cleanup()

	result := engine.Execute(ctx, question)

	if out.JSON || out.Quiet {
		code := OutputResult(out, "analyst query", start, result, false, nil)
		if result.Error != "" && code == CLIExitSuccess {
			code = CLIExitError
		}
		os.Exit(code)
	}

	switch analystQueryFormat {
	case "json":
		if err := OutputJSON(result, false); err != nil {
			os.Exit(OutputResult(out, "analyst query", start, nil, false, err))
		}
	case "table":
		fmt.Print(analyst.FormatTable(result))
	default:
		fmt.Print(analyst.FormatResult(result))
	}

	if result.Error != "" {
		os.Exit(CLIExitError)
	}
	os.Exit(CLIExitSuccess)
}

// runAnalystStats prints node and relationship counts.
func runAnalystStats(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn, err := analystConnection()
	if err != nil {
		os.Exit(OutputResult(out, "analyst stats", start, nil, false, err))
	}

	store, err := graph.Connect(ctx, conn, logger)
	if err != nil {
		os.Exit(OutputResult(out, "analyst stats", start, nil, false, err))
	}
	defer store.Close(context.Background())

	nodes, err := store.NodeCountsByLabel(ctx)
	if err != nil {
		os.Exit(OutputResult(out, "analyst stats", start, nil, false, err))
	}
	rels, err := store.RelationshipCountsByType(ctx)
	if err != nil {
		os.Exit(OutputResult(out, "analyst stats", start, nil, false, err))
	}

	if !out.JSON && !out.Quiet {
		fmt.Println("\nNode Counts by Label:")
		fmt.Println(strings.Repeat("-", 40))
		for _, label := range keysByCountDesc(nodes) {
			fmt.Printf("  %s: %d\n", label, nodes[label])
		}

		fmt.Println("\nRelationship Counts:")
		fmt.Println(strings.Repeat("-", 40))
		for _, relType := range keysByCountDesc(rels) {
			fmt.Printf("  %s: %d\n", relType, rels[relType])
		}
	}

	var total int64
	for _, n := range nodes {
		total += n
	}
	os.Exit(OutputResult(out, "analyst stats", start, StatsResult{
		Nodes:         nodes,
		Relationships: rels,
		TotalNodes:    total,
	}, false, nil))
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// analystConnection resolves Neo4j coordinates for the analyst commands.
// Precedence: flag, plain NEO4J_* environment, config file (which has
// already folded in the CLOUDSTRATE_* overrides). A missing password is
// a startup error rather than a connection-time surprise.
func analystConnection() (graph.Config, error) {
	conn := graph.Config{
		URI:      cfg.Neo4j.URI,
		User:     cfg.Neo4j.User,
		Password: cfg.Neo4j.Password,
		Database: cfg.Neo4j.Database,
	}

	if analystNeo4jURI != "" {
		conn.URI = analystNeo4jURI
	} else if env := os.Getenv("NEO4J_URI"); env != "" {
		conn.URI = env
	}
	if analystNeo4jUser != "" {
		conn.User = analystNeo4jUser
	} else if env := os.Getenv("NEO4J_USER"); env != "" {
		conn.User = env
	}
	if analystNeo4jPassword != "" {
		conn.Password = analystNeo4jPassword
	}

	if conn.Password == "" {
		return conn, fmt.Errorf("Neo4j password required (set --neo4j-password, NEO4J_PASSWORD, or neo4j.password in %s)",
			config.ConfigFileName)
	}
	return conn, nil
}

// buildQueryEngine wires the LLM client, translation cache, and optional
// governance document search into a query engine. The returned cleanup
// closes the cache.
func buildQueryEngine(ctx context.Context, store *graph.Store) (*analyst.QueryEngine, func(), error) {
	llmClient, err := llm.NewFromConfig(ctx, cfg.LLM)
	if err != nil {
		return nil, nil, fmt.Errorf("configuring llm provider: %w", err)
	}

	cleanup := func() {}
	var cache *analyst.TranslationCache
	cache, err = analyst.OpenTranslationCache(translationCacheDir(), logger)
	if err != nil {
		// A locked or unwritable cache degrades to uncached translation.
		logger.Warn("translation cache unavailable", "error", err)
		cache = nil
	} else {
		cleanup = func() { cache.Close() }
	}

	engine := analyst.NewQueryEngine(store, llmClient, cache, cfg.LLM.ContextInjection, logger)

	if cfg.Knowledge.Enabled {
		docs, err := knowledge.New(ctx, cfg.Knowledge, logger)
		if err != nil {
			logger.Warn("governance document search unavailable", "error", err)
		} else {
			engine.UseDocumentSearch(docs)
		}
	}

	return engine, cleanup, nil
}

// translationCacheDir returns the configured cache directory or the
// default under the user's home.
func translationCacheDir() string {
	if cfg.Analyst.CacheDir != "" {
		return cfg.Analyst.CacheDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "cloudstrate-cache")
	}
	return filepath.Join(home, ".cloudstrate", "cache")
}

// keysByCountDesc sorts map keys by value descending, name ascending on
// ties, matching how the stats report reads best.
func keysByCountDesc(counts map[string]int64) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
