// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package mapper derives a governance model from a scan snapshot and
// drives the human review loop over it. Phase 1 proposes security zones,
// subtenants, and grouping decisions from the raw inventory; phase 2
// serves the proposals for interactive accept/reject before the model is
// handed to the builder.
package mapper

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Proposal statuses. A proposal starts pending and is resolved exactly
// once, either by a decisions file, the review UI, or the API.
const (
	ProposalPending  = "pending"
	ProposalAccepted = "accepted"
	ProposalRejected = "rejected"
)

// Proposal types understood by the builder.
const (
	ProposalTenantGrouping = "tenant_grouping"
	ProposalNetworkDomain  = "network_domain"
)

// SecurityZone is the governance boundary derived from an AWS
// organizational unit.
type SecurityZone struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	SourceOUID  string `yaml:"source_ou_id" json:"source_ou_id"`
	Description string `yaml:"description" json:"description"`
}

// Tenant groups subtenants under one owning organization. Phase 1 never
// creates tenants directly; they materialize when a tenant_grouping
// proposal is accepted.
type Tenant struct {
	ID         string   `yaml:"id" json:"id"`
	Name       string   `yaml:"name" json:"name"`
	Subtenants []string `yaml:"subtenants" json:"subtenants"`
}

// Subtenant is the smallest ownership unit, backed by one or more AWS
// accounts.
type Subtenant struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	AWSAccounts []string `yaml:"aws_accounts" json:"aws_accounts"`
}

// NetworkDomain is a routing scope over a set of VPCs.
type NetworkDomain struct {
	ID     string   `yaml:"id" json:"id"`
	Name   string   `yaml:"name" json:"name"`
	VPCIDs []string `yaml:"vpc_ids" json:"vpc_ids"`
}

// Proposal is a suggested change awaiting a human decision.
type Proposal struct {
	ID          string   `yaml:"id" json:"id"`
	Type        string   `yaml:"type" json:"type"`
	Status      string   `yaml:"status" json:"status"`
	Description string   `yaml:"description" json:"description"`
	Subtenants  []string `yaml:"subtenants,omitempty" json:"subtenants,omitempty"`
	CreatedAt   string   `yaml:"created_at" json:"created_at"`
}

// MappingState is the full phase 1 output and the document the review
// server serves and persists.
type MappingState struct {
	SecurityZones  []SecurityZone  `yaml:"security_zones" json:"security_zones"`
	Tenants        []Tenant        `yaml:"tenants" json:"tenants"`
	Subtenants     []Subtenant     `yaml:"subtenants" json:"subtenants"`
	NetworkDomains []NetworkDomain `yaml:"network_domains" json:"network_domains"`
	Proposals      []Proposal      `yaml:"proposals" json:"proposals"`
}

// FindProposal returns the proposal with the given id, or nil.
func (s *MappingState) FindProposal(id string) *Proposal {
	for i := range s.Proposals {
		if s.Proposals[i].ID == id {
			return &s.Proposals[i]
		}
	}
	return nil
}

// SetProposalStatus resolves a proposal in place.
func (s *MappingState) SetProposalStatus(id, status string) error {
	p := s.FindProposal(id)
	if p == nil {
		return fmt.Errorf("proposal not found: %s", id)
	}
	p.Status = status
	return nil
}

// PendingProposals returns the proposals still awaiting a decision.
func (s *MappingState) PendingProposals() []Proposal {
	var pending []Proposal
	for _, p := range s.Proposals {
		if p.Status == ProposalPending {
			pending = append(pending, p)
		}
	}
	return pending
}

// LoadState reads a mapping state file written by Write.
func LoadState(path string) (*MappingState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("mapping state not found: %s (run: cloudstrate map phase1)", path)
		}
		return nil, fmt.Errorf("failed to read mapping state: %w", err)
	}
	var state MappingState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse mapping state %s: %w", path, err)
	}
	return &state, nil
}

// Write persists the state as YAML under a generated header. The write
// is atomic: a temp file in the target directory is renamed over the
// destination so readers and the fsnotify watcher never see a partial
// document.
func (s *MappingState) Write(path string) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Cloudstrate mapping state\n")
	fmt.Fprintf(&buf, "# Generated at %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&buf, "# Edit by hand or review with: cloudstrate map phase2\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to encode mapping state: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode mapping state: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, ".mapping-state-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write mapping state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write mapping state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace mapping state: %w", err)
	}
	return nil
}
