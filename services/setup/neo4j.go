// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package setup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/cloudstrate/cloudstrate/pkg/logging"
	"github.com/cloudstrate/cloudstrate/pkg/resilience"
	"github.com/cloudstrate/cloudstrate/services/graph"
)

// setupTracer is the OpenTelemetry tracer for setup operations.
var setupTracer = otel.Tracer("cloudstrate.setup")

const (
	// DefaultDockerName is the container name for the managed Neo4j
	// instance. `setup neo4j` reuses a stopped container of this name
	// rather than creating a second one.
	DefaultDockerName = "cloudstrate-neo4j"

	// neo4jImage pins the major version the schema statements are
	// written against.
	neo4jImage = "neo4j:5"

	// neo4jVolume persists graph data across container restarts.
	neo4jVolume = "cloudstrate-neo4j-data"
)

// CommandRunner executes external commands and returns their combined
// output. The CLI's process manager satisfies it; tests substitute a
// recorder.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Neo4jStatus reports the state of the graph database for the setup and
// check commands.
type Neo4jStatus struct {
	Connected          bool   `json:"connected"`
	Version            string `json:"version,omitempty"`
	Database           string `json:"database,omitempty"`
	NodeCount          int64  `json:"node_count"`
	IndexesCreated     int    `json:"indexes_created"`
	ConstraintsCreated int    `json:"constraints_created"`
	Error              string `json:"error,omitempty"`
}

// Neo4jSetupOptions configures the Neo4j probe. Zero values fall back
// to the standard local instance.
type Neo4jSetupOptions struct {
	URI        string // default bolt://localhost:7687
	User       string // default neo4j
	Password   string
	Database   string // default neo4j
	DockerName string // default DefaultDockerName
}

// graphStore is the slice of *graph.Store the probes use.
type graphStore interface {
	Status(ctx context.Context) *graph.Status
	EnsureSchema(ctx context.Context) error
	Close(ctx context.Context) error
}

// Neo4jSetup detects, starts, and initializes the Neo4j backing store.
//
// The flow mirrors what an operator would do by hand: prefer a local
// install, fall back to a Docker container, wait for Bolt to accept
// connections, then create the schema.
type Neo4jSetup struct {
	opts   Neo4jSetupOptions
	runner CommandRunner
	logger *logging.Logger

	// connect and waitPolicy are swappable in tests.
	connect    func(ctx context.Context, cfg graph.Config, logger *logging.Logger) (graphStore, error)
	waitPolicy resilience.Policy
}

// NewNeo4jSetup builds the probe. runner must not be nil; it executes
// the neo4j and docker binaries.
func NewNeo4jSetup(opts Neo4jSetupOptions, runner CommandRunner, logger *logging.Logger) *Neo4jSetup {
	if opts.URI == "" {
		opts.URI = "bolt://localhost:7687"
	}
	if opts.User == "" {
		opts.User = "neo4j"
	}
	if opts.Database == "" {
		opts.Database = "neo4j"
	}
	if opts.DockerName == "" {
		opts.DockerName = DefaultDockerName
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Neo4jSetup{
		opts:       opts,
		runner:     runner,
		logger:     logger,
		connect:    defaultConnect,
		waitPolicy: boltWaitPolicy(),
	}
}

func defaultConnect(ctx context.Context, cfg graph.Config, logger *logging.Logger) (graphStore, error) {
	return graph.Connect(ctx, cfg, logger)
}

// boltWaitPolicy bounds how long setup waits for a freshly started
// container to accept Bolt connections; neo4j:5 cold starts take tens
// of seconds on the first run while plugins download.
func boltWaitPolicy() resilience.Policy {
	return resilience.Policy{
		MaxRetries:   20,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   1.5,
		Jitter:       0.1,
	}
}

func (s *Neo4jSetup) graphConfig() graph.Config {
	return graph.Config{
		URI:      s.opts.URI,
		User:     s.opts.User,
		Password: s.opts.Password,
		Database: s.opts.Database,
	}
}

// CheckInstalled reports whether a local neo4j binary is on PATH and
// its version banner when it is.
func (s *Neo4jSetup) CheckInstalled(ctx context.Context) (bool, string) {
	out, err := s.runner.Run(ctx, "neo4j", "--version")
	if err != nil {
		return false, "neo4j not found in PATH"
	}
	return true, strings.TrimSpace(string(out))
}

// StartDocker starts the managed Neo4j container, reusing an existing
// container of the same name when one is present.
func (s *Neo4jSetup) StartDocker(ctx context.Context) error {
	ctx, span := setupTracer.Start(ctx, "Neo4jSetup.StartDocker")
	defer span.End()

	if _, err := s.runner.Run(ctx, "docker", "--version"); err != nil {
		return fmt.Errorf("docker not available: %w", err)
	}

	out, err := s.runner.Run(ctx, "docker", "ps", "-a",
		"--filter", "name="+s.opts.DockerName, "--format", "{{.Names}}")
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	if strings.Contains(string(out), s.opts.DockerName) {
		if _, err := s.runner.Run(ctx, "docker", "start", s.opts.DockerName); err != nil {
			return fmt.Errorf("failed to start existing container %s: %w", s.opts.DockerName, err)
		}
		s.logger.Info("restarted Neo4j container", "name", s.opts.DockerName)
		return nil
	}

	if _, err := s.runner.Run(ctx, "docker", s.dockerRunArgs()...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create Neo4j container: %w", err)
	}
	s.logger.Info("started Neo4j container",
		"name", s.opts.DockerName, "image", neo4jImage, "volume", neo4jVolume)
	return nil
}

// dockerRunArgs is the container creation command line. The password
// rides in NEO4J_AUTH; callers must not log these args verbatim.
func (s *Neo4jSetup) dockerRunArgs() []string {
	return []string{
		"run", "-d",
		"--name", s.opts.DockerName,
		"-p", "7474:7474",
		"-p", "7687:7687",
		"-e", "NEO4J_AUTH=neo4j/" + s.opts.Password,
		"-e", `NEO4J_PLUGINS=["apoc"]`,
		"-v", neo4jVolume + ":/data",
		neo4jImage,
	}
}

// WaitForBolt blocks until the server accepts Bolt connections or the
// retry budget runs out.
func (s *Neo4jSetup) WaitForBolt(ctx context.Context) error {
	ctx, span := setupTracer.Start(ctx, "Neo4jSetup.WaitForBolt")
	defer span.End()

	err := resilience.DoVoid(ctx, s.waitPolicy, func() error {
		store, err := s.connect(ctx, s.graphConfig(), s.logger)
		if err != nil {
			return err
		}
		return store.Close(ctx)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("Neo4j did not become reachable at %s: %w", s.opts.URI, err)
	}
	return nil
}

// CheckConnection connects and reports server version, database name,
// and node count. Failures land in the status rather than an error so
// the check command can render them.
func (s *Neo4jSetup) CheckConnection(ctx context.Context) *Neo4jStatus {
	if s.opts.Password == "" {
		return &Neo4jStatus{Error: "Neo4j password not provided"}
	}

	store, err := s.connect(ctx, s.graphConfig(), s.logger)
	if err != nil {
		return &Neo4jStatus{Error: err.Error()}
	}
	defer store.Close(ctx)

	st := store.Status(ctx)
	return &Neo4jStatus{
		Connected: st.Connected,
		Version:   st.Version,
		Database:  st.Database,
		NodeCount: st.NodeCount,
	}
}

// CreateSchema creates the indexes and constraints the mapper and
// analyst query paths rely on. Idempotent.
func (s *Neo4jSetup) CreateSchema(ctx context.Context) *Neo4jStatus {
	ctx, span := setupTracer.Start(ctx, "Neo4jSetup.CreateSchema")
	defer span.End()

	if s.opts.Password == "" {
		return &Neo4jStatus{Error: "Neo4j password not provided"}
	}

	store, err := s.connect(ctx, s.graphConfig(), s.logger)
	if err != nil {
		span.RecordError(err)
		return &Neo4jStatus{Error: err.Error()}
	}
	defer store.Close(ctx)

	if err := store.EnsureSchema(ctx); err != nil {
		span.RecordError(err)
		return &Neo4jStatus{Error: err.Error()}
	}

	indexes, constraints := graph.SchemaCounts()
	s.logger.Info("graph schema created", "indexes", indexes, "constraints", constraints)
	return &Neo4jStatus{
		Connected:          true,
		Database:           s.opts.Database,
		IndexesCreated:     indexes,
		ConstraintsCreated: constraints,
	}
}
