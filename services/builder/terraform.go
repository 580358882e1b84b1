// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package builder renders a reviewed mapping state as Terraform
// configuration. The builder is the materialization step: security
// zones always render, while tenants and network domains only render
// once a human has accepted the matching proposal or written them into
// the state by hand.
package builder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cloudstrate/cloudstrate/pkg/logging"
	"github.com/cloudstrate/cloudstrate/services/mapper"
)

var builderTracer = otel.Tracer("cloudstrate.builder")

const defaultOutputDir = "generated"

// fileHeader marks every generated file so reviewers know where changes
// belong.
const fileHeader = `# Generated by Cloudstrate. Do not edit by hand; change the mapping
# state and rerun: cloudstrate build generate
`

// TerraformBuilder turns a mapping state file into a Terraform root
// module under OutputDir.
type TerraformBuilder struct {
	// StateFile is the mapping state produced by phase 1 and reviewed
	// in phase 2.
	StateFile string

	// OutputDir receives the generated configuration. Defaults to
	// "generated".
	OutputDir string

	// Format names the output flavor. Only "terraform" exists today.
	Format string

	state  *mapper.MappingState
	logger *logging.Logger
}

// GenerateResult reports what a Generate call produced.
type GenerateResult struct {
	FilesCreated int    `json:"files_created"`
	OutputDir    string `json:"output_dir"`
}

// NewTerraformBuilder loads the mapping state and prepares a builder.
// The state is read eagerly so a missing or malformed file fails here
// instead of halfway through generation.
func NewTerraformBuilder(stateFile, outputDir string, logger *logging.Logger) (*TerraformBuilder, error) {
	if outputDir == "" {
		outputDir = defaultOutputDir
	}
	if logger == nil {
		logger = logging.Default()
	}
	state, err := mapper.LoadState(stateFile)
	if err != nil {
		return nil, err
	}
	return &TerraformBuilder{
		StateFile: stateFile,
		OutputDir: outputDir,
		Format:    "terraform",
		state:     state,
		logger:    logger,
	}, nil
}

// Generate writes the Terraform root module for the reviewed state.
// The base files (main.tf, variables.tf, outputs.tf, terraform.tfvars)
// are always written; one resource file is added per security zone,
// per materialized tenant, and per network domain.
func (b *TerraformBuilder) Generate(ctx context.Context) (*GenerateResult, error) {
	_, span := builderTracer.Start(ctx, "TerraformBuilder.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("state_file", b.StateFile),
		attribute.String("output_dir", b.OutputDir))

	if err := os.MkdirAll(b.OutputDir, 0o755); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	tenants := b.materializedTenants()

	type plannedFile struct {
		name string
		tmpl string
		data any
	}
	files := []plannedFile{
		{"main.tf", "main.tf", nil},
		{"variables.tf", "variables.tf", nil},
		{"outputs.tf", "outputs.tf", outputsData{
			Zones:   b.state.SecurityZones,
			Tenants: tenants,
			Domains: b.state.NetworkDomains,
		}},
		{"terraform.tfvars", "terraform.tfvars", nil},
	}
	for _, zone := range b.state.SecurityZones {
		files = append(files, plannedFile{"zone_" + tfName(zone.ID) + ".tf", "zone", zone})
	}
	for _, tenant := range tenants {
		files = append(files, plannedFile{"tenant_" + tfName(tenant.ID) + ".tf", "tenant", tenant})
	}
	for _, domain := range b.state.NetworkDomains {
		files = append(files, plannedFile{"network_" + tfName(domain.ID) + ".tf", "network", domain})
	}

	for _, f := range files {
		if err := b.renderFile(f.name, f.tmpl, f.data); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	b.logger.Info("terraform configuration generated",
		"output_dir", b.OutputDir,
		"files", len(files),
		"security_zones", len(b.state.SecurityZones),
		"tenants", len(tenants),
		"network_domains", len(b.state.NetworkDomains))
	span.SetAttributes(attribute.Int("files_created", len(files)))

	return &GenerateResult{FilesCreated: len(files), OutputDir: b.OutputDir}, nil
}

// materializedTenants returns the tenants the plan renders. Explicit
// tenants written into the state win; otherwise each accepted
// tenant_grouping proposal collapses its subtenants into one tenant.
// Pending and rejected proposals render nothing.
func (b *TerraformBuilder) materializedTenants() []mapper.Tenant {
	if len(b.state.Tenants) > 0 {
		return b.state.Tenants
	}
	var tenants []mapper.Tenant
	for _, p := range b.state.Proposals {
		if p.Type != mapper.ProposalTenantGrouping || p.Status != mapper.ProposalAccepted {
			continue
		}
		tenants = append(tenants, mapper.Tenant{
			ID:         "t-" + strings.TrimPrefix(p.ID, "prop-"),
			Name:       "Grouped subtenants",
			Subtenants: p.Subtenants,
		})
	}
	return tenants
}

func (b *TerraformBuilder) renderFile(name, tmplName string, data any) error {
	var buf bytes.Buffer
	buf.WriteString(fileHeader)
	buf.WriteString("\n")
	if err := terraformTemplates.ExecuteTemplate(&buf, tmplName, data); err != nil {
		return fmt.Errorf("failed to render %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(b.OutputDir, name), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// tfName converts a mapping state identifier into a valid Terraform
// resource name.
func tfName(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "_" + name
	}
	return name
}

type outputsData struct {
	Zones   []mapper.SecurityZone
	Tenants []mapper.Tenant
	Domains []mapper.NetworkDomain
}

var terraformTemplates = func() *template.Template {
	root := template.New("terraform").Funcs(template.FuncMap{
		"tfname": tfName,
		"join":   strings.Join,
	})
	for name, src := range map[string]string{
		"main.tf":          mainTemplate,
		"variables.tf":     variablesTemplate,
		"outputs.tf":       outputsTemplate,
		"terraform.tfvars": tfvarsTemplate,
		"zone":             zoneTemplate,
		"tenant":           tenantTemplate,
		"network":          networkTemplate,
	} {
		template.Must(root.New(name).Parse(src))
	}
	return root
}()

const mainTemplate = `terraform {
  required_version = ">= 1.5.0"

  required_providers {
    aws = {
      source  = "hashicorp/aws"
      version = "~> 5.0"
    }
  }
}

provider "aws" {
  region = var.aws_region

  default_tags {
    tags = {
      ManagedBy = "cloudstrate"
    }
  }
}
`

const variablesTemplate = `variable "aws_region" {
  description = "Region the governance resources are managed from."
  type        = string
  default     = "us-east-1"
}

variable "organization_root_id" {
  description = "Organizations root (r-...) or parent OU the security zone OUs attach to."
  type        = string
}
`

const outputsTemplate = `output "security_zone_ou_ids" {
  description = "OU id of every managed security zone, keyed by zone id."
  value = {
{{- range .Zones }}
    "{{ .ID }}" = aws_organizations_organizational_unit.{{ tfname .ID }}.id
{{- end }}
  }
}

output "tenant_resource_groups" {
  description = "Resource group ARN of every tenant, keyed by tenant id."
  value = {
{{- range .Tenants }}
    "{{ .ID }}" = aws_resourcegroups_group.{{ tfname .ID }}.arn
{{- end }}
  }
}

output "network_domain_gateway_ids" {
  description = "Transit gateway id of every network domain, keyed by domain id."
  value = {
{{- range .Domains }}
    "{{ .ID }}" = aws_ec2_transit_gateway.{{ tfname .ID }}.id
{{- end }}
  }
}
`

const tfvarsTemplate = `aws_region = "us-east-1"

# Set to the Organizations root (r-...) or a parent OU id before applying.
organization_root_id = ""
`

const zoneTemplate = `# Security zone "{{ .Name }}"{{ if .SourceOUID }} derived from {{ .SourceOUID }}{{ end }}.
resource "aws_organizations_organizational_unit" "{{ tfname .ID }}" {
  name      = "{{ .Name }}"
  parent_id = var.organization_root_id

  tags = {
    "cloudstrate:zone" = "{{ .ID }}"
{{- if .SourceOUID }}
    "cloudstrate:source-ou" = "{{ .SourceOUID }}"
{{- end }}
  }
}
`

const tenantTemplate = `# Tenant "{{ .Name }}"{{ if .Subtenants }} grouping {{ join .Subtenants ", " }}{{ end }}.
resource "aws_resourcegroups_group" "{{ tfname .ID }}" {
  name        = "cloudstrate-{{ .ID }}"
  description = "{{ .Name }}"

  resource_query {
    query = jsonencode({
      ResourceTypeFilters = ["AWS::AllSupported"]
      TagFilters = [{
        Key    = "cloudstrate:tenant"
        Values = ["{{ .ID }}"]
      }]
    })
  }

  tags = {
    "cloudstrate:tenant" = "{{ .ID }}"
  }
}
`

const networkTemplate = `# Network domain "{{ .Name }}"{{ if .VPCIDs }} spanning {{ join .VPCIDs ", " }}{{ end }}.
# Attaching member VPCs requires subnet ids; add one
# aws_ec2_transit_gateway_vpc_attachment per VPC once those are known.
resource "aws_ec2_transit_gateway" "{{ tfname .ID }}" {
  description = "{{ .Name }}"

  tags = {
    Name                 = "cloudstrate-{{ .ID }}"
    "cloudstrate:domain" = "{{ .ID }}"
  }
}
`
