// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"context"
	"fmt"
	"strings"
)

// schemaIndexes lists every lookup the analyst and mapper query paths
// depend on. Index names derive from these entries; labels and
// properties never come from user input.
var schemaIndexes = []struct {
	Label    string
	Property string
}{
	{"AWSAccount", "id"},
	{"AWSAccount", "name"},
	{"AWSOrganizationalUnit", "id"},
	{"AWSOrganization", "id"},
	{"SecurityZone", "id"},
	{"Tenant", "id"},
	{"Subtenant", "id"},
	{"NetworkDomain", "id"},
	{"VPC", "id"},
	{"Subnet", "id"},
	{"TransitGateway", "id"},
	{"SecurityGroup", "id"},
	{"IAMRole", "arn"},
	{"IAMPolicy", "arn"},
	{"IAMUser", "arn"},
	{"GitHubRepository", "full_name"},
	{"GitHubWorkflow", "id"},
}

// schemaConstraints are the identity keys MERGE relies on.
var schemaConstraints = []struct {
	Label    string
	Property string
}{
	{"AWSAccount", "id"},
	{"SecurityZone", "id"},
	{"Tenant", "id"},
	{"Subtenant", "id"},
}

// SchemaCounts returns the number of indexes and constraints
// EnsureSchema manages, for setup status reporting.
func SchemaCounts() (indexes, constraints int) {
	return len(schemaIndexes), len(schemaConstraints)
}

func indexStatements() []string {
	stmts := make([]string, 0, len(schemaIndexes))
	for _, idx := range schemaIndexes {
		name := fmt.Sprintf("idx_%s_%s", strings.ToLower(idx.Label), strings.ToLower(idx.Property))
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.%s)",
			name, idx.Label, idx.Property))
	}
	return stmts
}

func constraintStatements() []string {
	stmts := make([]string, 0, len(schemaConstraints))
	for _, c := range schemaConstraints {
		name := fmt.Sprintf("unique_%s_%s", strings.ToLower(c.Label), strings.ToLower(c.Property))
		stmts = append(stmts, fmt.Sprintf(
			"CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE",
			name, c.Label, c.Property))
	}
	return stmts
}

// EnsureSchema creates all indexes and uniqueness constraints.
// Idempotent; every statement carries IF NOT EXISTS.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, span := graphTracer.Start(ctx, "Store.EnsureSchema")
	defer span.End()

	for _, stmt := range constraintStatements() {
		if err := s.RunWrite(ctx, stmt, nil); err != nil {
			return fmt.Errorf("failed to create constraint: %w", err)
		}
	}
	for _, stmt := range indexStatements() {
		if err := s.RunWrite(ctx, stmt, nil); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	s.logger.Debug("graph schema ensured",
		"indexes", len(schemaIndexes), "constraints", len(schemaConstraints))
	return nil
}
