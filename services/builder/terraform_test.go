// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package builder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloudstrate/cloudstrate/services/mapper"
)

func writeStateFixture(t *testing.T, state *mapper.MappingState) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mapping-state.yaml")
	if err := state.Write(path); err != nil {
		t.Fatalf("writing state fixture: %v", err)
	}
	return path
}

func reviewedState() *mapper.MappingState {
	return &mapper.MappingState{
		SecurityZones: []mapper.SecurityZone{
			{ID: "sz-ab12-prod", Name: "Production", SourceOUID: "ou-ab12-prod", Description: "Security zone from OU: Production"},
			{ID: "sz-ab12-dev", Name: "Development", SourceOUID: "ou-ab12-dev", Description: "Security zone from OU: Development"},
		},
		Subtenants: []mapper.Subtenant{
			{ID: "st-111111111111", Name: "prod", AWSAccounts: []string{"111111111111"}},
			{ID: "st-222222222222", Name: "dev", AWSAccounts: []string{"222222222222"}},
		},
		Proposals: []mapper.Proposal{
			{
				ID:         "prop-tenant-grouping",
				Type:       mapper.ProposalTenantGrouping,
				Status:     mapper.ProposalAccepted,
				Subtenants: []string{"st-111111111111", "st-222222222222"},
			},
		},
	}
}

func generate(t *testing.T, state *mapper.MappingState) (string, *GenerateResult) {
	t.Helper()
	statePath := writeStateFixture(t, state)
	outputDir := filepath.Join(t.TempDir(), "generated")
	b, err := NewTerraformBuilder(statePath, outputDir, nil)
	if err != nil {
		t.Fatalf("NewTerraformBuilder() error = %v", err)
	}
	result, err := b.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	return outputDir, result
}

func readGenerated(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading %s: %v", name, err)
	}
	return string(data)
}

func generatedNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading output dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestNewTerraformBuilder_Defaults(t *testing.T) {
	statePath := writeStateFixture(t, reviewedState())

	b, err := NewTerraformBuilder(statePath, "", nil)
	if err != nil {
		t.Fatalf("NewTerraformBuilder() error = %v", err)
	}
	if b.StateFile != statePath {
		t.Errorf("StateFile = %q, want %q", b.StateFile, statePath)
	}
	if b.OutputDir != "generated" {
		t.Errorf("OutputDir = %q, want %q", b.OutputDir, "generated")
	}
	if b.Format != "terraform" {
		t.Errorf("Format = %q, want %q", b.Format, "terraform")
	}
}

func TestNewTerraformBuilder_MissingState(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "absent.yaml")

	_, err := NewTerraformBuilder(statePath, "", nil)
	if err == nil {
		t.Fatal("NewTerraformBuilder() error = nil, want missing state error")
	}
	if !strings.Contains(err.Error(), "mapping state not found") {
		t.Errorf("error = %q, want it to mention the missing state", err)
	}
	if !strings.Contains(err.Error(), statePath) {
		t.Errorf("error = %q, want it to name %q", err, statePath)
	}
}

func TestTerraformBuilder_Generate(t *testing.T) {
	outputDir, result := generate(t, reviewedState())

	if result.OutputDir != outputDir {
		t.Errorf("OutputDir = %q, want %q", result.OutputDir, outputDir)
	}
	// 4 base files, 2 zones, 1 tenant from the accepted grouping.
	if result.FilesCreated != 7 {
		t.Errorf("FilesCreated = %d, want 7", result.FilesCreated)
	}

	want := []string{
		"main.tf",
		"variables.tf",
		"outputs.tf",
		"terraform.tfvars",
		"zone_sz_ab12_prod.tf",
		"zone_sz_ab12_dev.tf",
		"tenant_t_tenant_grouping.tf",
	}
	for _, name := range want {
		if _, err := os.Stat(filepath.Join(outputDir, name)); err != nil {
			t.Errorf("expected generated file %s: %v", name, err)
		}
	}
}

func TestTerraformBuilder_MainTF(t *testing.T) {
	outputDir, _ := generate(t, reviewedState())
	mainTF := readGenerated(t, outputDir, "main.tf")

	for _, marker := range []string{
		"terraform {",
		"required_version",
		"hashicorp/aws",
		`provider "aws"`,
		"var.aws_region",
	} {
		if !strings.Contains(mainTF, marker) {
			t.Errorf("main.tf missing %q:\n%s", marker, mainTF)
		}
	}
}

func TestTerraformBuilder_VariablesTF(t *testing.T) {
	outputDir, _ := generate(t, reviewedState())
	variablesTF := readGenerated(t, outputDir, "variables.tf")

	if !strings.Contains(variablesTF, `variable "aws_region"`) {
		t.Errorf("variables.tf missing aws_region variable:\n%s", variablesTF)
	}
	if !strings.Contains(variablesTF, `variable "organization_root_id"`) {
		t.Errorf("variables.tf missing organization_root_id variable:\n%s", variablesTF)
	}
}

func TestTerraformBuilder_Tfvars(t *testing.T) {
	outputDir, _ := generate(t, reviewedState())
	tfvars := readGenerated(t, outputDir, "terraform.tfvars")

	if !strings.Contains(tfvars, "aws_region") {
		t.Errorf("terraform.tfvars missing aws_region:\n%s", tfvars)
	}
	if !strings.Contains(tfvars, "Cloudstrate") {
		t.Errorf("terraform.tfvars missing the Cloudstrate header:\n%s", tfvars)
	}
}

func TestTerraformBuilder_OutputsTF(t *testing.T) {
	outputDir, _ := generate(t, reviewedState())
	outputsTF := readGenerated(t, outputDir, "outputs.tf")

	if !strings.Contains(outputsTF, `"sz-ab12-prod" = aws_organizations_organizational_unit.sz_ab12_prod.id`) {
		t.Errorf("outputs.tf missing the prod zone output:\n%s", outputsTF)
	}
	if !strings.Contains(outputsTF, `"t-tenant-grouping" = aws_resourcegroups_group.t_tenant_grouping.arn`) {
		t.Errorf("outputs.tf missing the tenant output:\n%s", outputsTF)
	}
}

func TestTerraformBuilder_ZoneFile(t *testing.T) {
	outputDir, _ := generate(t, reviewedState())
	zoneTF := readGenerated(t, outputDir, "zone_sz_ab12_prod.tf")

	for _, marker := range []string{
		`resource "aws_organizations_organizational_unit" "sz_ab12_prod"`,
		`= "Production"`,
		"parent_id = var.organization_root_id",
		`"cloudstrate:zone" = "sz-ab12-prod"`,
		`"cloudstrate:source-ou" = "ou-ab12-prod"`,
	} {
		if !strings.Contains(zoneTF, marker) {
			t.Errorf("zone file missing %q:\n%s", marker, zoneTF)
		}
	}
}

func TestTerraformBuilder_TenantFile(t *testing.T) {
	outputDir, _ := generate(t, reviewedState())
	tenantTF := readGenerated(t, outputDir, "tenant_t_tenant_grouping.tf")

	for _, marker := range []string{
		`resource "aws_resourcegroups_group" "t_tenant_grouping"`,
		`"cloudstrate:tenant"`,
		"st-111111111111, st-222222222222",
	} {
		if !strings.Contains(tenantTF, marker) {
			t.Errorf("tenant file missing %q:\n%s", marker, tenantTF)
		}
	}
}

func TestTerraformBuilder_UnresolvedProposalsRenderNothing(t *testing.T) {
	for _, status := range []string{mapper.ProposalPending, mapper.ProposalRejected} {
		t.Run(status, func(t *testing.T) {
			state := reviewedState()
			state.Proposals[0].Status = status

			outputDir, result := generate(t, state)

			// Only the 4 base files and 2 zone files remain.
			if result.FilesCreated != 6 {
				t.Errorf("FilesCreated = %d, want 6", result.FilesCreated)
			}
			for _, name := range generatedNames(t, outputDir) {
				if strings.HasPrefix(name, "tenant_") {
					t.Errorf("unexpected tenant file %s for %s proposal", name, status)
				}
			}
		})
	}
}

func TestTerraformBuilder_ExplicitTenantsWin(t *testing.T) {
	state := reviewedState()
	state.Tenants = []mapper.Tenant{
		{ID: "t-payments", Name: "Payments", Subtenants: []string{"st-111111111111"}},
	}

	outputDir, result := generate(t, state)

	if result.FilesCreated != 7 {
		t.Errorf("FilesCreated = %d, want 7", result.FilesCreated)
	}
	if _, err := os.Stat(filepath.Join(outputDir, "tenant_t_payments.tf")); err != nil {
		t.Errorf("expected tenant_t_payments.tf: %v", err)
	}
	for _, name := range generatedNames(t, outputDir) {
		if name == "tenant_t_tenant_grouping.tf" {
			t.Error("accepted proposal rendered alongside explicit tenants")
		}
	}
}

func TestTerraformBuilder_NetworkDomainFile(t *testing.T) {
	state := reviewedState()
	state.NetworkDomains = []mapper.NetworkDomain{
		{ID: "nd-prod", Name: "Production Network", VPCIDs: []string{"vpc-1", "vpc-2"}},
	}

	outputDir, result := generate(t, state)

	if result.FilesCreated != 8 {
		t.Errorf("FilesCreated = %d, want 8", result.FilesCreated)
	}
	networkTF := readGenerated(t, outputDir, "network_nd_prod.tf")
	for _, marker := range []string{
		`resource "aws_ec2_transit_gateway" "nd_prod"`,
		"vpc-1, vpc-2",
		`"cloudstrate:domain" = "nd-prod"`,
	} {
		if !strings.Contains(networkTF, marker) {
			t.Errorf("network file missing %q:\n%s", marker, networkTF)
		}
	}
}

func TestTerraformBuilder_EmptyState(t *testing.T) {
	outputDir, result := generate(t, &mapper.MappingState{})

	if result.FilesCreated != 4 {
		t.Errorf("FilesCreated = %d, want 4", result.FilesCreated)
	}
	outputsTF := readGenerated(t, outputDir, "outputs.tf")
	if !strings.Contains(outputsTF, `output "security_zone_ou_ids"`) {
		t.Errorf("outputs.tf missing zone output block:\n%s", outputsTF)
	}
}

func TestTFName(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"sz-ab12-prod", "sz_ab12_prod"},
		{"T-Payments", "t_payments"},
		{"nd.core/eu", "nd_core_eu"},
		{"9lives", "_9lives"},
		{"", "_"},
	}
	for _, tt := range tests {
		if got := tfName(tt.id); got != tt.want {
			t.Errorf("tfName(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}
