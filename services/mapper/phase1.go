// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mapper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/cloudstrate/cloudstrate/pkg/logging"
	"github.com/cloudstrate/cloudstrate/services/scanner"
)

var mapperTracer = otel.Tracer("cloudstrate.mapper")

// Deterministic proposal ids so decisions files survive re-runs of
// phase 1 against a changed scan.
const (
	proposalIDTenantGrouping = "prop-tenant-grouping"
	proposalIDNetworkDomains = "prop-network-domains"
)

// Phase1Mapper derives an initial MappingState from a scan file.
//
// The mapping is mechanical: every organizational unit becomes a
// security zone, every account becomes a subtenant. Anything that needs
// judgment (grouping subtenants into tenants, carving VPCs into network
// domains) is emitted as a pending proposal instead of being decided
// here.
type Phase1Mapper struct {
	// ScanFile is the scan snapshot to map. Required.
	ScanFile string

	// DecisionsFile optionally pre-resolves proposals so unattended
	// pipelines can skip the review server.
	DecisionsFile string

	logger *logging.Logger
	state  *MappingState
}

// NewPhase1Mapper returns a mapper over the given scan file.
func NewPhase1Mapper(scanFile, decisionsFile string, logger *logging.Logger) *Phase1Mapper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Phase1Mapper{ScanFile: scanFile, DecisionsFile: decisionsFile, logger: logger}
}

// Map builds the mapping state from the scan file and applies any
// decisions file. The result is retained for SaveState.
func (m *Phase1Mapper) Map(ctx context.Context) (*MappingState, error) {
	_, span := mapperTracer.Start(ctx, "Phase1Mapper.Map")
	defer span.End()
	span.SetAttributes(attribute.String("scan_file", m.ScanFile))

	result, err := scanner.ReadScan(m.ScanFile)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	state := buildState(result)

	if m.DecisionsFile != "" {
		decisions, err := loadDecisions(m.DecisionsFile)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if err := applyDecisions(state, decisions, m.logger); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	m.logger.Info("phase 1 mapping complete",
		"security_zones", len(state.SecurityZones),
		"subtenants", len(state.Subtenants),
		"proposals", len(state.Proposals))
	span.SetAttributes(
		attribute.Int("security_zones", len(state.SecurityZones)),
		attribute.Int("proposals", len(state.Proposals)))

	m.state = state
	return state, nil
}

// SaveState writes the result of the last Map call.
func (m *Phase1Mapper) SaveState(path string) error {
	if m.state == nil {
		return errors.New("no state to save: run Map first")
	}
	if err := m.state.Write(path); err != nil {
		return err
	}
	m.logger.Info("mapping state saved", "path", path)
	return nil
}

func buildState(result *scanner.ScanResult) *MappingState {
	state := &MappingState{}
	now := time.Now().UTC().Format(time.RFC3339)

	for _, ou := range result.OrganizationalUnits {
		state.SecurityZones = append(state.SecurityZones, SecurityZone{
			ID:          "sz-" + strings.TrimPrefix(ou.ID, "ou-"),
			Name:        ou.Name,
			SourceOUID:  ou.ID,
			Description: fmt.Sprintf("Security zone from OU: %s", ou.Name),
		})
	}

	for _, account := range result.Accounts {
		state.Subtenants = append(state.Subtenants, Subtenant{
			ID:          "st-" + account.ID,
			Name:        account.Name,
			AWSAccounts: []string{account.ID},
		})
	}

	if len(state.Subtenants) > 1 {
		ids := make([]string, len(state.Subtenants))
		for i, st := range state.Subtenants {
			ids[i] = st.ID
		}
		state.Proposals = append(state.Proposals, Proposal{
			ID:          proposalIDTenantGrouping,
			Type:        ProposalTenantGrouping,
			Status:      ProposalPending,
			Description: fmt.Sprintf("Group %d subtenants into tenants", len(ids)),
			Subtenants:  ids,
			CreatedAt:   now,
		})
	}

	if result.Network != nil && len(result.Network.VPCs) > 0 {
		state.Proposals = append(state.Proposals, Proposal{
			ID:          proposalIDNetworkDomains,
			Type:        ProposalNetworkDomain,
			Status:      ProposalPending,
			Description: fmt.Sprintf("Create network domains from %d VPCs", len(result.Network.VPCs)),
			CreatedAt:   now,
		})
	}

	return state
}

// decisionsFile pre-resolves proposals by id:
//
//	decisions:
//	  prop-tenant-grouping: accept
//	  prop-network-domains: reject
type decisionsFile struct {
	Decisions map[string]string `yaml:"decisions"`
}

func loadDecisions(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read decisions file: %w", err)
	}
	var f decisionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse decisions file %s: %w", path, err)
	}
	return f.Decisions, nil
}

func applyDecisions(state *MappingState, decisions map[string]string, logger *logging.Logger) error {
	for id, verdict := range decisions {
		p := state.FindProposal(id)
		if p == nil {
			logger.Warn("decision refers to unknown proposal, skipping", "proposal", id)
			continue
		}
		switch verdict {
		case "accept", ProposalAccepted:
			p.Status = ProposalAccepted
		case "reject", ProposalRejected:
			p.Status = ProposalRejected
		default:
			return fmt.Errorf("invalid decision %q for proposal %s (want accept or reject)", verdict, id)
		}
	}
	return nil
}
