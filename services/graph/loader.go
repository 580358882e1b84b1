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
	"regexp"
	"strings"

	"github.com/cloudstrate/cloudstrate/services/scanner"
)

var loaderAccountID = regexp.MustCompile(`^\d{12}$`)

// loadOp is one batched MERGE statement with its parameters. Building
// the full op list before touching the database keeps the translation
// from scan result to Cypher a pure function.
type loadOp struct {
	desc   string
	cypher string
	params map[string]any
}

// LoadSummary counts what a load submitted, for CLI output.
type LoadSummary struct {
	Organizations       int `json:"organizations"`
	OrganizationalUnits int `json:"organizational_units"`
	Accounts            int `json:"accounts"`
	VPCs                int `json:"vpcs"`
	Subnets             int `json:"subnets"`
	TransitGateways     int `json:"transit_gateways"`
	SecurityGroups      int `json:"security_groups"`
	PeeringConnections  int `json:"peering_connections"`
	IAMRoles            int `json:"iam_roles"`
	IAMPolicies         int `json:"iam_policies"`
	TrustEdges          int `json:"trust_edges"`
	Repositories        int `json:"repositories"`
	Workflows           int `json:"workflows"`
}

// LoadScan merges a scan result into the graph. Re-running with the
// same scan is idempotent: nodes key on their identity property and
// every relationship is MERGEd.
func (s *Store) LoadScan(ctx context.Context, result *scanner.ScanResult) (*LoadSummary, error) {
	ctx, span := graphTracer.Start(ctx, "Store.LoadScan")
	defer span.End()

	ops, summary := buildLoadOps(result)
	for _, op := range ops {
		if err := s.RunWrite(ctx, op.cypher, op.params); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", op.desc, err)
		}
	}
	s.logger.Info("scan loaded into graph",
		"accounts", summary.Accounts,
		"vpcs", summary.VPCs,
		"iam_roles", summary.IAMRoles,
		"repositories", summary.Repositories,
	)
	return summary, nil
}

func buildLoadOps(result *scanner.ScanResult) ([]loadOp, *LoadSummary) {
	var ops []loadOp
	summary := &LoadSummary{}

	orgID := ""
	if result.Organization != nil {
		orgID = result.Organization.ID
		summary.Organizations = 1
		ops = append(ops, loadOp{
			desc: "organization",
			cypher: `MERGE (o:AWSOrganization {id: $id})
SET o.arn = $arn, o.master_account_id = $master_account_id, o.feature_set = $feature_set`,
			params: map[string]any{
				"id":                result.Organization.ID,
				"arn":               result.Organization.ARN,
				"master_account_id": result.Organization.MasterAccountID,
				"feature_set":       result.Organization.FeatureSet,
			},
		})
	}

	ops = append(ops, accountOps(result, orgID, summary)...)
	ops = append(ops, organizationalUnitOps(result, orgID, summary)...)
	ops = append(ops, networkOps(result, summary)...)
	ops = append(ops, iamOps(result, summary)...)
	ops = append(ops, gitHubOps(result, summary)...)

	return ops, summary
}

func accountOps(result *scanner.ScanResult, orgID string, summary *LoadSummary) []loadOp {
	if len(result.Accounts) == 0 {
		return nil
	}
	summary.Accounts = len(result.Accounts)

	accounts := make([]map[string]any, 0, len(result.Accounts))
	var topLevel []string
	for _, a := range result.Accounts {
		accounts = append(accounts, map[string]any{
			"id":     a.ID,
			"arn":    a.ARN,
			"name":   a.Name,
			"email":  a.Email,
			"status": a.Status,
		})
		if a.ParentOUID == "" {
			topLevel = append(topLevel, a.ID)
		}
	}

	ops := []loadOp{{
		desc: "accounts",
		cypher: `UNWIND $accounts AS acct
MERGE (a:AWSAccount {id: acct.id})
SET a.name = acct.name, a.arn = acct.arn, a.email = acct.email, a.status = acct.status`,
		params: map[string]any{"accounts": accounts},
	}}

	if orgID != "" && len(topLevel) > 0 {
		ops = append(ops, loadOp{
			desc: "organization account containment",
			cypher: `UNWIND $account_ids AS accountId
MATCH (o:AWSOrganization {id: $org_id})
MATCH (a:AWSAccount {id: accountId})
MERGE (o)-[:CONTAINS]->(a)`,
			params: map[string]any{"org_id": orgID, "account_ids": topLevel},
		})
	}
	return ops
}

func organizationalUnitOps(result *scanner.ScanResult, orgID string, summary *LoadSummary) []loadOp {
	if len(result.OrganizationalUnits) == 0 {
		return nil
	}
	summary.OrganizationalUnits = len(result.OrganizationalUnits)

	ous := make([]map[string]any, 0, len(result.OrganizationalUnits))
	var rootChildren []string
	var nestedPairs []map[string]any
	var accountPairs []map[string]any
	for _, ou := range result.OrganizationalUnits {
		ous = append(ous, map[string]any{
			"id":   ou.ID,
			"arn":  ou.ARN,
			"name": ou.Name,
		})
		switch {
		case strings.HasPrefix(ou.ParentID, "ou-"):
			nestedPairs = append(nestedPairs, map[string]any{
				"parent_id": ou.ParentID,
				"child_id":  ou.ID,
			})
		case ou.ParentID != "":
			// Parent is an organization root.
			rootChildren = append(rootChildren, ou.ID)
		}
		for _, accountID := range ou.AccountIDs {
			accountPairs = append(accountPairs, map[string]any{
				"ou_id":      ou.ID,
				"account_id": accountID,
			})
		}
	}

	ops := []loadOp{{
		desc: "organizational units",
		cypher: `UNWIND $ous AS ou
MERGE (u:AWSOrganizationalUnit {id: ou.id})
SET u.name = ou.name, u.arn = ou.arn`,
		params: map[string]any{"ous": ous},
	}}

	if orgID != "" && len(rootChildren) > 0 {
		ops = append(ops, loadOp{
			desc: "organization OU containment",
			cypher: `UNWIND $ou_ids AS ouId
MATCH (o:AWSOrganization {id: $org_id})
MATCH (u:AWSOrganizationalUnit {id: ouId})
MERGE (o)-[:CONTAINS]->(u)`,
			params: map[string]any{"org_id": orgID, "ou_ids": rootChildren},
		})
	}
	if len(nestedPairs) > 0 {
		ops = append(ops, loadOp{
			desc: "nested OU containment",
			cypher: `UNWIND $pairs AS pair
MATCH (p:AWSOrganizationalUnit {id: pair.parent_id})
MATCH (c:AWSOrganizationalUnit {id: pair.child_id})
MERGE (p)-[:CONTAINS]->(c)`,
			params: map[string]any{"pairs": nestedPairs},
		})
	}
	if len(accountPairs) > 0 {
		ops = append(ops, loadOp{
			desc: "OU account containment",
			cypher: `UNWIND $pairs AS pair
MATCH (u:AWSOrganizationalUnit {id: pair.ou_id})
MATCH (a:AWSAccount {id: pair.account_id})
MERGE (u)-[:CONTAINS]->(a)`,
			params: map[string]any{"pairs": accountPairs},
		})
	}
	return ops
}

func networkOps(result *scanner.ScanResult, summary *LoadSummary) []loadOp {
	if result.Network == nil {
		return nil
	}
	net := result.Network
	var ops []loadOp

	if len(net.VPCs) > 0 {
		summary.VPCs = len(net.VPCs)
		vpcs := make([]map[string]any, 0, len(net.VPCs))
		var ownerPairs []map[string]any
		for _, v := range net.VPCs {
			vpcs = append(vpcs, map[string]any{
				"id":         v.ID,
				"name":       v.Name,
				"cidr":       v.CIDR,
				"state":      v.State,
				"region":     v.Region,
				"is_default": v.IsDefault,
			})
			if v.OwnerID != "" {
				ownerPairs = append(ownerPairs, map[string]any{
					"owner_id": v.OwnerID,
					"vpc_id":   v.ID,
				})
			}
		}
		ops = append(ops, loadOp{
			desc: "vpcs",
			cypher: `UNWIND $vpcs AS vpc
MERGE (v:VPC {id: vpc.id})
SET v.name = vpc.name, v.cidr = vpc.cidr, v.state = vpc.state, v.region = vpc.region, v.is_default = vpc.is_default`,
			params: map[string]any{"vpcs": vpcs},
		})
		if len(ownerPairs) > 0 {
			// Owners can be accounts outside the scanned organization,
			// so the account side is MERGEd, not MATCHed.
			ops = append(ops, loadOp{
				desc: "vpc ownership",
				cypher: `UNWIND $pairs AS pair
MERGE (a:AWSAccount {id: pair.owner_id})
MERGE (v:VPC {id: pair.vpc_id})
MERGE (a)-[:OWNS]->(v)`,
				params: map[string]any{"pairs": ownerPairs},
			})
		}
	}

	if len(net.Subnets) > 0 {
		summary.Subnets = len(net.Subnets)
		subnets := make([]map[string]any, 0, len(net.Subnets))
		for _, sn := range net.Subnets {
			subnets = append(subnets, map[string]any{
				"id":     sn.ID,
				"vpc_id": sn.VPCID,
				"cidr":   sn.CIDR,
				"az":     sn.AvailabilityZone,
				"region": sn.Region,
				"public": sn.Public,
			})
		}
		ops = append(ops, loadOp{
			desc: "subnets",
			cypher: `UNWIND $subnets AS sn
MERGE (s:Subnet {id: sn.id})
SET s.cidr = sn.cidr, s.availability_zone = sn.az, s.region = sn.region, s.public = sn.public
WITH s, sn
MATCH (v:VPC {id: sn.vpc_id})
MERGE (v)-[:CONTAINS]->(s)`,
			params: map[string]any{"subnets": subnets},
		})
	}

	if len(net.TransitGateways) > 0 {
		summary.TransitGateways = len(net.TransitGateways)
		tgws := make([]map[string]any, 0, len(net.TransitGateways))
		var attachPairs []map[string]any
		for _, tgw := range net.TransitGateways {
			tgws = append(tgws, map[string]any{
				"id":          tgw.ID,
				"state":       tgw.State,
				"owner_id":    tgw.OwnerID,
				"description": tgw.Description,
				"region":      tgw.Region,
			})
			for _, vpcID := range tgw.AttachedVPCIDs {
				attachPairs = append(attachPairs, map[string]any{
					"tgw_id": tgw.ID,
					"vpc_id": vpcID,
				})
			}
		}
		ops = append(ops, loadOp{
			desc: "transit gateways",
			cypher: `UNWIND $tgws AS tgw
MERGE (t:TransitGateway {id: tgw.id})
SET t.state = tgw.state, t.owner_id = tgw.owner_id, t.description = tgw.description, t.region = tgw.region`,
			params: map[string]any{"tgws": tgws},
		})
		if len(attachPairs) > 0 {
			ops = append(ops, loadOp{
				desc: "transit gateway attachments",
				cypher: `UNWIND $pairs AS pair
MERGE (v:VPC {id: pair.vpc_id})
WITH v, pair
MATCH (t:TransitGateway {id: pair.tgw_id})
MERGE (v)-[:ATTACHED_TO]->(t)`,
				params: map[string]any{"pairs": attachPairs},
			})
		}
	}

	if len(net.PeeringConnections) > 0 {
		summary.PeeringConnections = len(net.PeeringConnections)
		var pairs []map[string]any
		for _, pc := range net.PeeringConnections {
			if pc.RequesterVPCID == "" || pc.AccepterVPCID == "" {
				continue
			}
			pairs = append(pairs, map[string]any{
				"id":               pc.ID,
				"status":           pc.Status,
				"requester_vpc_id": pc.RequesterVPCID,
				"accepter_vpc_id":  pc.AccepterVPCID,
			})
		}
		if len(pairs) > 0 {
			ops = append(ops, loadOp{
				desc: "vpc peering",
				cypher: `UNWIND $pairs AS pair
MERGE (req:VPC {id: pair.requester_vpc_id})
MERGE (acc:VPC {id: pair.accepter_vpc_id})
MERGE (req)-[r:PEERED_WITH]->(acc)
SET r.id = pair.id, r.status = pair.status`,
				params: map[string]any{"pairs": pairs},
			})
		}
	}

	if len(net.SecurityGroups) > 0 {
		summary.SecurityGroups = len(net.SecurityGroups)
		groups := make([]map[string]any, 0, len(net.SecurityGroups))
		for _, sg := range net.SecurityGroups {
			groups = append(groups, map[string]any{
				"id":          sg.ID,
				"name":        sg.Name,
				"vpc_id":      sg.VPCID,
				"description": sg.Description,
				"region":      sg.Region,
				"rule_count":  sg.RuleCount,
			})
		}
		ops = append(ops, loadOp{
			desc: "security groups",
			cypher: `UNWIND $groups AS sg
MERGE (g:SecurityGroup {id: sg.id})
SET g.name = sg.name, g.description = sg.description, g.region = sg.region, g.rule_count = sg.rule_count
WITH g, sg
MATCH (v:VPC {id: sg.vpc_id})
MERGE (v)-[:CONTAINS]->(g)`,
			params: map[string]any{"groups": groups},
		})
	}

	return ops
}

func iamOps(result *scanner.ScanResult, summary *LoadSummary) []loadOp {
	if result.IAM == nil || len(result.IAM.Roles) == 0 {
		return nil
	}
	summary.IAMRoles = len(result.IAM.Roles)

	roles := make([]map[string]any, 0, len(result.IAM.Roles))
	var belongsPairs []map[string]any
	var trustPairs []map[string]any
	var policyPairs []map[string]any
	policySeen := map[string]bool{}

	for _, role := range result.IAM.Roles {
		roles = append(roles, map[string]any{
			"arn":                role.ARN,
			"name":               role.Name,
			"role_id":            role.ID,
			"path":               role.Path,
			"create_date":        role.CreateDate,
			"trusted_principals": role.TrustedPrincipals,
		})

		ownAccount := roleAccountID(role.ARN)
		if ownAccount != "" {
			belongsPairs = append(belongsPairs, map[string]any{
				"role_arn":   role.ARN,
				"account_id": ownAccount,
			})
		}
		for _, trusted := range role.TrustedAccountIDs {
			// Same-account trust is the default assume-role posture and
			// would drown the cross-account picture.
			if trusted == ownAccount {
				continue
			}
			trustPairs = append(trustPairs, map[string]any{
				"role_arn":           role.ARN,
				"trusted_account_id": trusted,
			})
		}
		for _, p := range role.AttachedPolicies {
			if !policySeen[p.ARN] {
				policySeen[p.ARN] = true
			}
			policyPairs = append(policyPairs, map[string]any{
				"role_arn":    role.ARN,
				"policy_arn":  p.ARN,
				"policy_name": p.Name,
			})
		}
	}
	summary.TrustEdges = len(trustPairs)
	summary.IAMPolicies = len(policySeen)

	ops := []loadOp{{
		desc: "iam roles",
		cypher: `UNWIND $roles AS role
MERGE (r:IAMRole {arn: role.arn})
SET r.name = role.name, r.role_id = role.role_id, r.path = role.path, r.create_date = role.create_date, r.trusted_principals = role.trusted_principals`,
		params: map[string]any{"roles": roles},
	}}

	if len(belongsPairs) > 0 {
		ops = append(ops, loadOp{
			desc: "role account membership",
			cypher: `UNWIND $pairs AS pair
MERGE (a:AWSAccount {id: pair.account_id})
WITH a, pair
MATCH (r:IAMRole {arn: pair.role_arn})
MERGE (r)-[:BELONGS_TO]->(a)`,
			params: map[string]any{"pairs": belongsPairs},
		})
	}
	if len(trustPairs) > 0 {
		ops = append(ops, loadOp{
			desc: "cross-account trust",
			cypher: `UNWIND $pairs AS pair
MERGE (a:AWSAccount {id: pair.trusted_account_id})
WITH a, pair
MATCH (r:IAMRole {arn: pair.role_arn})
MERGE (r)-[:TRUSTS]->(a)`,
			params: map[string]any{"pairs": trustPairs},
		})
	}
	if len(policyPairs) > 0 {
		ops = append(ops, loadOp{
			desc: "attached policies",
			cypher: `UNWIND $pairs AS pair
MERGE (p:IAMPolicy {arn: pair.policy_arn})
SET p.name = pair.policy_name
WITH p, pair
MATCH (r:IAMRole {arn: pair.role_arn})
MERGE (r)-[:HAS_POLICY]->(p)`,
			params: map[string]any{"pairs": policyPairs},
		})
	}
	return ops
}

func gitHubOps(result *scanner.ScanResult, summary *LoadSummary) []loadOp {
	if result.GitHub == nil || len(result.GitHub.Repositories) == 0 {
		return nil
	}
	summary.Repositories = len(result.GitHub.Repositories)

	orgLogin := ""
	if result.GitHub.Organization != nil {
		orgLogin = result.GitHub.Organization.Login
	}

	repos := make([]map[string]any, 0, len(result.GitHub.Repositories))
	var workflows []map[string]any
	for _, repo := range result.GitHub.Repositories {
		repos = append(repos, map[string]any{
			"full_name":      repo.FullName,
			"name":           repo.Name,
			"private":        repo.Private,
			"default_branch": repo.DefaultBranch,
			"url":            repo.URL,
			"organization":   orgLogin,
		})
		for _, wf := range repo.Workflows {
			workflows = append(workflows, map[string]any{
				"id":             wf.ID,
				"name":           wf.Name,
				"path":           wf.Path,
				"state":          wf.State,
				"uses_oidc":      wf.UsesOIDC,
				"repo_full_name": repo.FullName,
			})
		}
	}
	summary.Workflows = len(workflows)

	ops := []loadOp{{
		desc: "github repositories",
		cypher: `UNWIND $repos AS repo
MERGE (r:GitHubRepository {full_name: repo.full_name})
SET r.name = repo.name, r.private = repo.private, r.default_branch = repo.default_branch, r.url = repo.url, r.organization = repo.organization`,
		params: map[string]any{"repos": repos},
	}}

	if len(workflows) > 0 {
		ops = append(ops, loadOp{
			desc: "github workflows",
			cypher: `UNWIND $workflows AS wf
MERGE (w:GitHubWorkflow {id: wf.id})
SET w.name = wf.name, w.path = wf.path, w.state = wf.state, w.uses_oidc = wf.uses_oidc
WITH w, wf
MATCH (r:GitHubRepository {full_name: wf.repo_full_name})
MERGE (r)-[:HAS_WORKFLOW]->(w)`,
			params: map[string]any{"workflows": workflows},
		})
	}
	return ops
}

// roleAccountID pulls the owning account from an IAM role ARN.
func roleAccountID(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) >= 5 && loaderAccountID.MatchString(parts[4]) {
		return parts[4]
	}
	return ""
}
