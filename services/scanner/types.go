// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scanner collects cloud estate inventory into ScanResult files.
//
// Each scanner (AWS, GitHub, Kubernetes, cartography) fills its own
// section of ScanResult, so every downstream consumer (graph loader,
// phase 1 mapper) works from one source-agnostic shape. Scan files are
// JSON with snake_case keys and are safe to commit: they contain
// identifiers and topology, never credentials.
package scanner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ProgressFunc reports scan progress for CLI display. step names the
// unit of work ("accounts", "network/us-east-1"); current/total track
// overall completion.
type ProgressFunc func(step string, current, total int)

// =============================================================================
// Scan Result
// =============================================================================

// ScanResult is the common output of every scanner.
type ScanResult struct {
	Organization           *Organization          `json:"organization,omitempty"`
	OrganizationalUnits    []OrganizationalUnit   `json:"organizational_units,omitempty"`
	Accounts               []Account              `json:"accounts,omitempty"`
	ServiceControlPolicies []ServiceControlPolicy `json:"service_control_policies,omitempty"`
	Network                *NetworkResources      `json:"network,omitempty"`
	IAM                    *IAMResources          `json:"iam,omitempty"`
	ResourceShares         []ResourceShare        `json:"resource_shares,omitempty"`
	GitHub                 *GitHubResources       `json:"github,omitempty"`
	Kubernetes             *KubernetesResources   `json:"kubernetes,omitempty"`
	Metadata               ScanMetadata           `json:"scan_metadata"`
}

// ScanMetadata records how and when the scan ran. Errors holds partial
// failures (denied regions, unscannable services); a scan with errors is
// still usable.
type ScanMetadata struct {
	ScanTime        string      `json:"scan_time"` // UTC, RFC 3339
	Source          string      `json:"source"`    // aws | github | kubernetes | cartography
	Profile         string      `json:"profile,omitempty"`
	Regions         []string    `json:"regions,omitempty"`
	IncludeIAM      bool        `json:"include_iam,omitempty"`
	IncludeNetwork  bool        `json:"include_network,omitempty"`
	CallerAccountID string      `json:"caller_account_id,omitempty"`
	Errors          []ScanError `json:"errors,omitempty"`
}

// ScanError is one recorded partial failure.
type ScanError struct {
	Scope   string `json:"scope"` // e.g. "network/us-west-2", "iam"
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// =============================================================================
// AWS Organization
// =============================================================================

type Organization struct {
	ID                 string `json:"id"`
	ARN                string `json:"arn,omitempty"`
	MasterAccountID    string `json:"master_account_id"`
	MasterAccountEmail string `json:"master_account_email,omitempty"`
	FeatureSet         string `json:"feature_set,omitempty"`
}

type OrganizationalUnit struct {
	ID       string `json:"id"`
	ARN      string `json:"arn,omitempty"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"` // root id or parent OU id

	// AccountIDs lists the member accounts directly under this OU.
	AccountIDs []string `json:"account_ids,omitempty"`
}

type Account struct {
	ID         string `json:"id"`
	ARN        string `json:"arn,omitempty"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Status     string `json:"status,omitempty"`
	ParentOUID string `json:"parent_ou_id,omitempty"`
	JoinedAt   string `json:"joined_at,omitempty"`
}

type ServiceControlPolicy struct {
	ID          string         `json:"id"`
	ARN         string         `json:"arn,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	AWSManaged  bool           `json:"aws_managed"`
	Targets     []PolicyTarget `json:"targets,omitempty"`
}

type PolicyTarget struct {
	TargetID string `json:"target_id"`
	Type     string `json:"type"` // ROOT | ORGANIZATIONAL_UNIT | ACCOUNT
	Name     string `json:"name,omitempty"`
}

// =============================================================================
// AWS Network
// =============================================================================

type NetworkResources struct {
	VPCs               []VPC               `json:"vpcs,omitempty"`
	Subnets            []Subnet            `json:"subnets,omitempty"`
	TransitGateways    []TransitGateway    `json:"transit_gateways,omitempty"`
	PeeringConnections []PeeringConnection `json:"peering_connections,omitempty"`
	SecurityGroups     []SecurityGroup     `json:"security_groups,omitempty"`
}

type VPC struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"` // from the Name tag
	CIDR      string `json:"cidr,omitempty"`
	State     string `json:"state,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	Region    string `json:"region"`
	IsDefault bool   `json:"is_default,omitempty"`
}

type Subnet struct {
	ID               string `json:"id"`
	VPCID            string `json:"vpc_id"`
	CIDR             string `json:"cidr,omitempty"`
	AvailabilityZone string `json:"availability_zone,omitempty"`
	Region           string `json:"region"`
	Public           bool   `json:"public,omitempty"` // MapPublicIpOnLaunch
}

type TransitGateway struct {
	ID          string `json:"id"`
	State       string `json:"state,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
	Description string `json:"description,omitempty"`
	Region      string `json:"region"`

	// AttachedVPCIDs lists VPCs attached via TGW VPC attachments.
	AttachedVPCIDs []string `json:"attached_vpc_ids,omitempty"`
}

type PeeringConnection struct {
	ID               string `json:"id"`
	Status           string `json:"status,omitempty"`
	RequesterVPCID   string `json:"requester_vpc_id"`
	RequesterOwnerID string `json:"requester_owner_id,omitempty"`
	RequesterRegion  string `json:"requester_region,omitempty"`
	AccepterVPCID    string `json:"accepter_vpc_id"`
	AccepterOwnerID  string `json:"accepter_owner_id,omitempty"`
	AccepterRegion   string `json:"accepter_region,omitempty"`
}

type SecurityGroup struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	VPCID       string `json:"vpc_id,omitempty"`
	Description string `json:"description,omitempty"`
	Region      string `json:"region"`
	RuleCount   int    `json:"rule_count,omitempty"`
}

// =============================================================================
// AWS IAM
// =============================================================================

type IAMResources struct {
	Roles []IAMRole `json:"roles,omitempty"`
}

type IAMRole struct {
	Name       string `json:"name"`
	ARN        string `json:"arn"`
	ID         string `json:"id,omitempty"`
	Path       string `json:"path,omitempty"`
	CreateDate string `json:"create_date,omitempty"`

	// TrustedAccountIDs holds account ids extracted from the role's
	// assume-role policy. Cross-account entries become TRUSTS edges in
	// the graph.
	TrustedAccountIDs []string `json:"trusted_account_ids,omitempty"`

	// TrustedPrincipals preserves the raw principal ARNs for audit.
	TrustedPrincipals []string `json:"trusted_principals,omitempty"`

	AttachedPolicies []AttachedPolicy `json:"attached_policies,omitempty"`
}

type AttachedPolicy struct {
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

// =============================================================================
// AWS RAM
// =============================================================================

type ResourceShare struct {
	ARN                     string           `json:"arn"`
	Name                    string           `json:"name"`
	OwningAccountID         string           `json:"owning_account_id,omitempty"`
	Status                  string           `json:"status,omitempty"`
	AllowExternalPrincipals bool             `json:"allow_external_principals,omitempty"`
	Resources               []SharedResource `json:"resources,omitempty"`
}

type SharedResource struct {
	ARN  string `json:"arn"`
	Type string `json:"type,omitempty"`
}

// =============================================================================
// GitHub
// =============================================================================

type GitHubResources struct {
	Organization *GitHubOrganization `json:"organization,omitempty"`
	Repositories []GitHubRepository  `json:"repositories,omitempty"`
}

type GitHubOrganization struct {
	Login       string `json:"login"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

type GitHubRepository struct {
	Name          string           `json:"name"`
	FullName      string           `json:"full_name"`
	Private       bool             `json:"private"`
	DefaultBranch string           `json:"default_branch,omitempty"`
	URL           string           `json:"url,omitempty"`
	Workflows     []GitHubWorkflow `json:"workflows,omitempty"`
}

type GitHubWorkflow struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	State    string `json:"state,omitempty"`
	UsesOIDC bool   `json:"uses_oidc,omitempty"` // workflow requests an id-token for cloud federation
}

// =============================================================================
// Kubernetes
// =============================================================================

type KubernetesResources struct {
	Context    string                `json:"context,omitempty"`
	Namespaces []KubernetesNamespace `json:"namespaces,omitempty"`
}

type KubernetesNamespace struct {
	Name        string `json:"name"`
	Status      string `json:"status,omitempty"`
	Deployments int    `json:"deployments"`
	Services    int    `json:"services"`
	Pods        int    `json:"pods"`
}

// =============================================================================
// Scan File I/O
// =============================================================================

// WriteScan persists a scan result as indented JSON. Parent directories
// are created as needed.
func WriteScan(path string, result *ScanResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal scan result: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write scan file %s: %w", path, err)
	}
	return nil
}

// ReadScan loads a scan file written by WriteScan.
func ReadScan(path string) (*ScanResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("scan file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read scan file %s: %w", path, err)
	}
	var result ScanResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse scan file %s: %w", path, err)
	}
	return &result, nil
}

// ResourceCounts summarizes a scan for CLI output.
func (r *ScanResult) ResourceCounts() map[string]int {
	counts := map[string]int{}
	if len(r.Accounts) > 0 {
		counts["accounts"] = len(r.Accounts)
	}
	if len(r.OrganizationalUnits) > 0 {
		counts["organizational_units"] = len(r.OrganizationalUnits)
	}
	if len(r.ServiceControlPolicies) > 0 {
		counts["service_control_policies"] = len(r.ServiceControlPolicies)
	}
	if r.Network != nil {
		counts["vpcs"] = len(r.Network.VPCs)
		counts["subnets"] = len(r.Network.Subnets)
		counts["transit_gateways"] = len(r.Network.TransitGateways)
		counts["peering_connections"] = len(r.Network.PeeringConnections)
		counts["security_groups"] = len(r.Network.SecurityGroups)
	}
	if r.IAM != nil {
		counts["iam_roles"] = len(r.IAM.Roles)
	}
	if len(r.ResourceShares) > 0 {
		counts["resource_shares"] = len(r.ResourceShares)
	}
	if r.GitHub != nil {
		counts["repositories"] = len(r.GitHub.Repositories)
	}
	if r.Kubernetes != nil {
		counts["namespaces"] = len(r.Kubernetes.Namespaces)
	}
	return counts
}
