// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mapper

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// FilterProposals returns a copy of the state keeping only proposals for
// which the CEL expression evaluates true. The expression sees one
// variable, `proposal`, bound to the proposal's field map, e.g.
//
//	proposal.status == "pending"
//	proposal.type == "network_domain" && proposal.status != "rejected"
func FilterProposals(state *MappingState, expr string) (*MappingState, error) {
	env, err := cel.NewEnv(
		cel.Variable("proposal", cel.MapType(cel.StringType, cel.AnyType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build filter environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid filter expression: %w", iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter expression: %w", err)
	}

	filtered := *state
	filtered.Proposals = nil
	for _, p := range state.Proposals {
		out, _, err := prg.Eval(map[string]any{"proposal": proposalMap(p)})
		if err != nil {
			return nil, fmt.Errorf("filter evaluation failed for proposal %s: %w", p.ID, err)
		}
		keep, ok := out.Value().(bool)
		if !ok {
			return nil, fmt.Errorf("filter expression must evaluate to a boolean, got %v", out.Value())
		}
		if keep {
			filtered.Proposals = append(filtered.Proposals, p)
		}
	}
	return &filtered, nil
}

func proposalMap(p Proposal) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"type":        p.Type,
		"status":      p.Status,
		"description": p.Description,
		"subtenants":  p.Subtenants,
		"created_at":  p.CreatedAt,
	}
}

// RenderState formats the state as yaml, json, or a human table.
func RenderState(state *MappingState, format string) (string, error) {
	switch format {
	case "yaml":
		b, err := yaml.Marshal(state)
		if err != nil {
			return "", fmt.Errorf("failed to render state: %w", err)
		}
		return string(b), nil
	case "json":
		b, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to render state: %w", err)
		}
		return string(b) + "\n", nil
	case "table":
		return renderTable(state), nil
	default:
		return "", fmt.Errorf("unknown output format %q (want yaml, json, or table)", format)
	}
}

func renderTable(state *MappingState) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Security zones: %d  Tenants: %d  Subtenants: %d  Network domains: %d\n\n",
		len(state.SecurityZones), len(state.Tenants), len(state.Subtenants), len(state.NetworkDomains))

	if len(state.SecurityZones) > 0 {
		w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ZONE\tNAME\tSOURCE OU")
		for _, z := range state.SecurityZones {
			fmt.Fprintf(w, "%s\t%s\t%s\n", z.ID, z.Name, z.SourceOUID)
		}
		w.Flush()
		sb.WriteString("\n")
	}

	if len(state.Subtenants) > 0 {
		w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SUBTENANT\tNAME\tACCOUNTS")
		for _, st := range state.Subtenants {
			fmt.Fprintf(w, "%s\t%s\t%s\n", st.ID, st.Name, strings.Join(st.AWSAccounts, ","))
		}
		w.Flush()
		sb.WriteString("\n")
	}

	w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROPOSAL\tTYPE\tSTATUS\tDESCRIPTION")
	for _, p := range state.Proposals {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Type, p.Status, p.Description)
	}
	if len(state.Proposals) == 0 {
		fmt.Fprintln(w, "(none)\t\t\t")
	}
	w.Flush()

	return sb.String()
}
