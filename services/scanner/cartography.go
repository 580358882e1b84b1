// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/cloudstrate/cloudstrate/pkg/logging"
)

// CartographyImporterOptions points at an existing Cartography Neo4j
// database.
type CartographyImporterOptions struct {
	URI      string
	User     string
	Password string
	Database string
}

// CartographyImporter reads an estate already mapped by Lyft's
// Cartography and converts its AWSAccount, AWSVpc, and AWSRole nodes
// into a scan result, so estates with an existing Cartography
// deployment skip the direct AWS scan.
type CartographyImporter struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *logging.Logger
}

// NewCartographyImporter connects and verifies reachability before
// returning.
func NewCartographyImporter(ctx context.Context, opts CartographyImporterOptions, logger *logging.Logger) (*CartographyImporter, error) {
	driver, err := neo4j.NewDriverWithContext(opts.URI, neo4j.BasicAuth(opts.User, opts.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create driver for Cartography database: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("cannot reach Cartography database at %s: %w", opts.URI, err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CartographyImporter{driver: driver, database: opts.Database, logger: logger}, nil
}

func (c *CartographyImporter) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// Import converts Cartography's inventory into a scan result. Sections
// whose labels are absent from the database come back empty, not as
// errors.
func (c *CartographyImporter) Import(ctx context.Context) (*ScanResult, error) {
	result := &ScanResult{
		Metadata: ScanMetadata{
			ScanTime: time.Now().UTC().Format(time.RFC3339),
			Source:   "cartography",
		},
		Network: &NetworkResources{},
	}

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
	defer session.Close(ctx)

	if err := c.importAccounts(ctx, session, result); err != nil {
		return nil, err
	}
	if err := c.importVPCs(ctx, session, result); err != nil {
		return nil, err
	}
	if err := c.importRoles(ctx, session, result); err != nil {
		return nil, err
	}

	c.logger.Info("Cartography import complete",
		"accounts", len(result.Accounts),
		"vpcs", len(result.Network.VPCs),
	)
	return result, nil
}

func (c *CartographyImporter) importAccounts(ctx context.Context, session neo4j.SessionWithContext, result *ScanResult) error {
	records, err := session.Run(ctx,
		"MATCH (a:AWSAccount) RETURN a.id AS id, a.name AS name ORDER BY id", nil)
	if err != nil {
		return fmt.Errorf("failed to read AWSAccount nodes: %w", err)
	}
	for records.Next(ctx) {
		m := records.Record().AsMap()
		result.Accounts = append(result.Accounts, Account{
			ID:   stringProp(m, "id"),
			Name: stringProp(m, "name"),
		})
	}
	return records.Err()
}

func (c *CartographyImporter) importVPCs(ctx context.Context, session neo4j.SessionWithContext, result *ScanResult) error {
	records, err := session.Run(ctx,
		`MATCH (v:AWSVpc)
		 OPTIONAL MATCH (a:AWSAccount)-[:RESOURCE]->(v)
		 RETURN v.id AS id, v.primary_cidr_block AS cidr, v.region AS region, a.id AS owner_id`, nil)
	if err != nil {
		return fmt.Errorf("failed to read AWSVpc nodes: %w", err)
	}
	for records.Next(ctx) {
		m := records.Record().AsMap()
		result.Network.VPCs = append(result.Network.VPCs, VPC{
			ID:      stringProp(m, "id"),
			CIDR:    stringProp(m, "cidr"),
			Region:  stringProp(m, "region"),
			OwnerID: stringProp(m, "owner_id"),
			State:   "available",
		})
	}
	return records.Err()
}

func (c *CartographyImporter) importRoles(ctx context.Context, session neo4j.SessionWithContext, result *ScanResult) error {
	records, err := session.Run(ctx,
		`MATCH (r:AWSRole)
		 OPTIONAL MATCH (r)-[:TRUSTS_AWS_PRINCIPAL]->(p)
		 RETURN r.arn AS arn, r.name AS name, collect(p.arn) AS trusted`, nil)
	if err != nil {
		return fmt.Errorf("failed to read AWSRole nodes: %w", err)
	}
	for records.Next(ctx) {
		m := records.Record().AsMap()
		role := IAMRole{
			ARN:  stringProp(m, "arn"),
			Name: stringProp(m, "name"),
		}
		if trusted, ok := m["trusted"].([]any); ok {
			for _, t := range trusted {
				arn, ok := t.(string)
				if !ok || arn == "" {
					continue
				}
				role.TrustedPrincipals = append(role.TrustedPrincipals, arn)
				if id := accountIDFromPrincipal(arn); id != "" {
					role.TrustedAccountIDs = append(role.TrustedAccountIDs, id)
				}
			}
		}
		if result.IAM == nil {
			result.IAM = &IAMResources{}
		}
		result.IAM.Roles = append(result.IAM.Roles, role)
	}
	return records.Err()
}

func stringProp(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
