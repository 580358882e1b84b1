// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graph wraps the Neo4j driver with the operations the rest of
// Cloudstrate needs: parameterized reads and writes, schema management,
// and bulk loading of scan results.
//
// All Cypher sent through this package is parameterized. The only
// interpolated identifiers are index and constraint names built from
// the fixed schema tables in schema.go.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cloudstrate/cloudstrate/pkg/logging"
)

// graphTracer is the OpenTelemetry tracer for graph store operations.
var graphTracer = otel.Tracer("cloudstrate.graph")

// Config holds the connection settings for a Neo4j instance.
type Config struct {
	URI      string
	User     string
	Password string
	Database string
}

// Store is a connected Neo4j client. Safe for concurrent use; the
// underlying driver pools connections.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *logging.Logger
}

// Connect opens a driver and verifies the server is reachable before
// returning. Callers own the Store and must Close it.
func Connect(ctx context.Context, cfg Config, logger *logging.Logger) (*Store, error) {
	ctx, span := graphTracer.Start(ctx, "Store.Connect")
	defer span.End()
	span.SetAttributes(attribute.String("neo4j.uri", cfg.URI))

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "driver creation failed")
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "connectivity check failed")
		return nil, fmt.Errorf("cannot reach Neo4j at %s: %w (is the database running? try: cloudstrate setup neo4j)", cfg.URI, err)
	}

	if logger == nil {
		logger = logging.Default()
	}
	logger.Debug("connected to Neo4j", "uri", cfg.URI, "database", cfg.Database)
	return &Store{driver: driver, database: cfg.Database, logger: logger}, nil
}

// Close releases the driver's connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Store) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
}

// Run executes a read query and returns each record as a map keyed by
// the query's return aliases.
func (s *Store) Run(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	ctx, span := graphTracer.Start(ctx, "Store.Run")
	defer span.End()

	session := s.session(ctx)
	defer session.Close(ctx)

	records, err := session.Run(ctx, cypher, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("query failed: %w", err)
	}

	var rows []map[string]any
	for records.Next(ctx) {
		rows = append(rows, records.Record().AsMap())
	}
	if err := records.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "result iteration failed")
		return nil, fmt.Errorf("query failed: %w", err)
	}
	span.SetAttributes(attribute.Int("neo4j.rows", len(rows)))
	return rows, nil
}

// RunWrite executes a mutation inside a managed write transaction,
// retried by the driver on transient cluster errors.
func (s *Store) RunWrite(ctx context.Context, cypher string, params map[string]any) error {
	ctx, span := graphTracer.Start(ctx, "Store.RunWrite")
	defer span.End()

	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// Status describes the backing database for `cloudstrate analyst stats`
// and the health endpoint.
type Status struct {
	Connected bool   `json:"connected"`
	Version   string `json:"version,omitempty"`
	Database  string `json:"database,omitempty"`
	NodeCount int64  `json:"node_count"`
}

// Status reports connectivity, server version, and total node count.
// A partially failing server still yields Connected=false rather than
// an error so health checks can degrade gracefully.
func (s *Store) Status(ctx context.Context) *Status {
	status := &Status{Database: s.database}

	rows, err := s.Run(ctx,
		"CALL dbms.components() YIELD name, versions RETURN name, versions[0] as version", nil)
	if err != nil {
		s.logger.Warn("Neo4j status check failed", "error", err)
		return status
	}
	status.Connected = true
	if len(rows) > 0 {
		if v, ok := rows[0]["version"].(string); ok {
			status.Version = v
		}
	}

	counts, err := s.Run(ctx, "MATCH (n) RETURN count(n) as count", nil)
	if err == nil && len(counts) > 0 {
		if n, ok := counts[0]["count"].(int64); ok {
			status.NodeCount = n
		}
	}
	return status
}

// RelationshipCountsByType returns relationship totals per type.
func (s *Store) RelationshipCountsByType(ctx context.Context) (map[string]int64, error) {
	rows, err := s.Run(ctx,
		"MATCH ()-[r]->() RETURN type(r) AS type, count(*) AS count ORDER BY type", nil)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		relType, _ := row["type"].(string)
		n, _ := row["count"].(int64)
		if relType != "" {
			counts[relType] = n
		}
	}
	return counts, nil
}

// NodeCountsByLabel returns how many nodes carry each label. Multi-label
// nodes count once per label.
func (s *Store) NodeCountsByLabel(ctx context.Context) (map[string]int64, error) {
	rows, err := s.Run(ctx,
		"MATCH (n) UNWIND labels(n) AS label RETURN label, count(*) AS count ORDER BY label", nil)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		label, _ := row["label"].(string)
		n, _ := row["count"].(int64)
		if label != "" {
			counts[label] = n
		}
	}
	return counts, nil
}

// Clear deletes every node and relationship. Destructive; the CLI
// prompts before calling this.
func (s *Store) Clear(ctx context.Context) error {
	ctx, span := graphTracer.Start(ctx, "Store.Clear")
	defer span.End()

	if err := s.RunWrite(ctx, "MATCH (n) DETACH DELETE n", nil); err != nil {
		return fmt.Errorf("failed to clear graph: %w", err)
	}
	s.logger.Info("graph cleared", "database", s.database)
	return nil
}
