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
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/iam/iamiface"
	"github.com/aws/aws-sdk-go/service/organizations"
	"github.com/aws/aws-sdk-go/service/organizations/organizationsiface"
	"github.com/aws/aws-sdk-go/service/ram"
	"github.com/aws/aws-sdk-go/service/ram/ramiface"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/aws/aws-sdk-go/service/sts/stsiface"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cloudstrate/cloudstrate/pkg/logging"
	"github.com/cloudstrate/cloudstrate/pkg/resilience"
)

// DefaultCrossAccountRole is the role assumed for member-account scans.
const DefaultCrossAccountRole = "OrganizationAccountAccessRole"

// DefaultMaxWorkers bounds concurrent region scans.
const DefaultMaxWorkers = 10

// DefaultAPIRate is the shared request budget (requests/second) across
// all region workers. Organizations and IAM are global and lightly
// called; EC2 Describe storms are what this throttles.
const DefaultAPIRate = 10

// AWSScannerOptions configures an AWS scan.
type AWSScannerOptions struct {
	Profile          string
	Regions          []string
	IncludeIAM       bool
	IncludeNetwork   bool
	CrossAccountRole string  // defaults to DefaultCrossAccountRole
	MaxWorkers       int     // defaults to DefaultMaxWorkers
	APIRate          float64 // defaults to DefaultAPIRate
}

// AWSScanner walks an AWS organization: structure, networking, IAM
// trust, and RAM shares.
//
// Partial failure is the norm on real estates: a denied region or
// service is recorded in scan_metadata.errors and skipped, never fatal.
// Scan itself fails only on credential/session problems or context
// cancellation.
type AWSScanner struct {
	opts     AWSScannerOptions
	logger   *logging.Logger
	policy   resilience.Policy
	limiter  *rate.Limiter
	progress ProgressFunc

	orgs organizationsiface.OrganizationsAPI
	iam  iamiface.IAMAPI
	sts  stsiface.STSAPI
	ram  ramiface.RAMAPI

	// ec2ForRegion builds a region-scoped EC2 client. Swappable in
	// tests.
	ec2ForRegion func(region string) ec2iface.EC2API

	mu        sync.Mutex
	doneSteps int
	total     int
}

// NewAWSScanner builds a scanner from the shared-credentials profile.
// Regions must be non-empty; the first region anchors the session for
// global services.
func NewAWSScanner(opts AWSScannerOptions, logger *logging.Logger, policy resilience.Policy) (*AWSScanner, error) {
	if len(opts.Regions) == 0 {
		return nil, fmt.Errorf("at least one region is required")
	}
	if opts.CrossAccountRole == "" {
		opts.CrossAccountRole = DefaultCrossAccountRole
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.APIRate <= 0 {
		opts.APIRate = DefaultAPIRate
	}
	if logger == nil {
		logger = logging.Default()
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Profile:           opts.Profile,
		SharedConfigState: session.SharedConfigEnable,
		Config: aws.Config{
			Region: aws.String(opts.Regions[0]),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session for profile %q: %w", opts.Profile, err)
	}

	return &AWSScanner{
		opts:    opts,
		logger:  logger,
		policy:  policy,
		limiter: resilience.NewLimiter(opts.APIRate, opts.MaxWorkers),
		orgs:    organizations.New(sess),
		iam:     iam.New(sess),
		sts:     sts.New(sess),
		ram:     ram.New(sess),
		ec2ForRegion: func(region string) ec2iface.EC2API {
			return ec2.New(sess, aws.NewConfig().WithRegion(region))
		},
	}, nil
}

// SetProgress installs a progress callback. Safe to leave unset.
func (s *AWSScanner) SetProgress(fn ProgressFunc) {
	s.progress = fn
}

// Scan runs the full inventory pass and returns the populated result.
func (s *AWSScanner) Scan(ctx context.Context) (*ScanResult, error) {
	result := &ScanResult{
		Metadata: ScanMetadata{
			ScanTime:       time.Now().UTC().Format(time.RFC3339),
			Source:         "aws",
			Profile:        s.opts.Profile,
			Regions:        s.opts.Regions,
			IncludeIAM:     s.opts.IncludeIAM,
			IncludeNetwork: s.opts.IncludeNetwork,
		},
	}

	s.total = 2 + 1 // organization, SCPs, resource shares
	if s.opts.IncludeNetwork {
		s.total += len(s.opts.Regions)
	}
	if s.opts.IncludeIAM {
		s.total++
	}

	if err := s.resolveCallerIdentity(ctx, result); err != nil {
		// Without working credentials nothing else can succeed.
		return nil, err
	}

	s.scanOrganization(ctx, result)
	s.step("organization")

	s.scanServiceControlPolicies(ctx, result)
	s.step("service control policies")

	if s.opts.IncludeNetwork {
		s.scanNetwork(ctx, result)
	}

	s.scanResourceShares(ctx, result)
	s.step("resource shares")

	if s.opts.IncludeIAM {
		s.scanIAM(ctx, result)
		s.step("iam roles")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.logger.Info("AWS scan complete",
		"accounts", len(result.Accounts),
		"ous", len(result.OrganizationalUnits),
		"errors", len(result.Metadata.Errors),
	)
	return result, nil
}

// =============================================================================
// Identity and Organization
// =============================================================================

func (s *AWSScanner) resolveCallerIdentity(ctx context.Context, result *ScanResult) error {
	out, err := resilience.Do(ctx, s.policy, func() (*sts.GetCallerIdentityOutput, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, resilience.Permanent(err)
		}
		return s.sts.GetCallerIdentityWithContext(ctx, &sts.GetCallerIdentityInput{})
	})
	if err != nil {
		return fmt.Errorf("AWS credentials check failed (profile %q): %w", s.opts.Profile, err)
	}
	result.Metadata.CallerAccountID = aws.StringValue(out.Account)
	s.logger.Debug("resolved caller identity",
		"account_id", aws.StringValue(out.Account),
		"arn", aws.StringValue(out.Arn),
	)
	return nil
}

func (s *AWSScanner) scanOrganization(ctx context.Context, result *ScanResult) {
	org, err := resilience.Do(ctx, s.policy, func() (*organizations.DescribeOrganizationOutput, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, resilience.Permanent(err)
		}
		out, err := s.orgs.DescribeOrganizationWithContext(ctx, &organizations.DescribeOrganizationInput{})
		return out, classifyAWSError(err)
	})
	if err != nil {
		// A standalone account has no organization: fall back to the
		// caller account so downstream phases still have something.
		if awsErrorCode(err) == organizations.ErrCodeAWSOrganizationsNotInUseException {
			s.logger.Info("account is not part of an AWS Organization, scanning standalone account")
			result.Accounts = append(result.Accounts, Account{
				ID:   result.Metadata.CallerAccountID,
				Name: "account-" + result.Metadata.CallerAccountID,
			})
			s.recordError(result, "organization", err)
			return
		}
		s.recordError(result, "organization", err)
		return
	}

	result.Organization = &Organization{
		ID:                 aws.StringValue(org.Organization.Id),
		ARN:                aws.StringValue(org.Organization.Arn),
		MasterAccountID:    aws.StringValue(org.Organization.MasterAccountId),
		MasterAccountEmail: aws.StringValue(org.Organization.MasterAccountEmail),
		FeatureSet:         aws.StringValue(org.Organization.FeatureSet),
	}

	s.listAccounts(ctx, result)
	s.walkOrganizationalUnits(ctx, result)
}

func (s *AWSScanner) listAccounts(ctx context.Context, result *ScanResult) {
	err := resilience.DoVoid(ctx, s.policy, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return resilience.Permanent(err)
		}
		result.Accounts = result.Accounts[:0]
		return classifyAWSError(s.orgs.ListAccountsPagesWithContext(ctx, &organizations.ListAccountsInput{},
			func(page *organizations.ListAccountsOutput, _ bool) bool {
				for _, acct := range page.Accounts {
					a := Account{
						ID:     aws.StringValue(acct.Id),
						ARN:    aws.StringValue(acct.Arn),
						Name:   aws.StringValue(acct.Name),
						Email:  aws.StringValue(acct.Email),
						Status: aws.StringValue(acct.Status),
					}
					if acct.JoinedTimestamp != nil {
						a.JoinedAt = acct.JoinedTimestamp.UTC().Format(time.RFC3339)
					}
					result.Accounts = append(result.Accounts, a)
				}
				return true
			}))
	})
	if err != nil {
		s.recordError(result, "accounts", err)
	}
}

// walkOrganizationalUnits builds the OU tree breadth-first from the
// organization root, recording each OU's parent and member accounts.
func (s *AWSScanner) walkOrganizationalUnits(ctx context.Context, result *ScanResult) {
	roots, err := resilience.Do(ctx, s.policy, func() (*organizations.ListRootsOutput, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, resilience.Permanent(err)
		}
		out, err := s.orgs.ListRootsWithContext(ctx, &organizations.ListRootsInput{})
		return out, classifyAWSError(err)
	})
	if err != nil {
		s.recordError(result, "organizational_units", err)
		return
	}

	parentByAccount := map[string]string{}
	type parent struct{ id string }
	var queue []parent
	for _, root := range roots.Roots {
		queue = append(queue, parent{id: aws.StringValue(root.Id)})
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		var childOUs []OrganizationalUnit
		err := s.orgs.ListOrganizationalUnitsForParentPagesWithContext(ctx,
			&organizations.ListOrganizationalUnitsForParentInput{ParentId: aws.String(current.id)},
			func(page *organizations.ListOrganizationalUnitsForParentOutput, _ bool) bool {
				for _, ou := range page.OrganizationalUnits {
					childOUs = append(childOUs, OrganizationalUnit{
						ID:       aws.StringValue(ou.Id),
						ARN:      aws.StringValue(ou.Arn),
						Name:     aws.StringValue(ou.Name),
						ParentID: current.id,
					})
				}
				return true
			})
		if err != nil {
			s.recordError(result, "organizational_units/"+current.id, err)
			continue
		}

		for i := range childOUs {
			ou := childOUs[i]
			err := s.orgs.ListAccountsForParentPagesWithContext(ctx,
				&organizations.ListAccountsForParentInput{ParentId: aws.String(ou.ID)},
				func(page *organizations.ListAccountsForParentOutput, _ bool) bool {
					for _, acct := range page.Accounts {
						id := aws.StringValue(acct.Id)
						ou.AccountIDs = append(ou.AccountIDs, id)
						parentByAccount[id] = ou.ID
					}
					return true
				})
			if err != nil {
				s.recordError(result, "organizational_units/"+ou.ID+"/accounts", err)
			}
			result.OrganizationalUnits = append(result.OrganizationalUnits, ou)
			queue = append(queue, parent{id: ou.ID})
		}
	}

	for i := range result.Accounts {
		if ouID, ok := parentByAccount[result.Accounts[i].ID]; ok {
			result.Accounts[i].ParentOUID = ouID
		}
	}
}

func (s *AWSScanner) scanServiceControlPolicies(ctx context.Context, result *ScanResult) {
	if result.Organization == nil {
		return
	}

	var policies []ServiceControlPolicy
	err := s.orgs.ListPoliciesPagesWithContext(ctx,
		&organizations.ListPoliciesInput{Filter: aws.String(organizations.PolicyTypeServiceControlPolicy)},
		func(page *organizations.ListPoliciesOutput, _ bool) bool {
			for _, p := range page.Policies {
				policies = append(policies, ServiceControlPolicy{
					ID:          aws.StringValue(p.Id),
					ARN:         aws.StringValue(p.Arn),
					Name:        aws.StringValue(p.Name),
					Description: aws.StringValue(p.Description),
					AWSManaged:  aws.BoolValue(p.AwsManaged),
				})
			}
			return true
		})
	if err != nil {
		s.recordError(result, "service_control_policies", err)
		return
	}

	for i := range policies {
		p := &policies[i]
		err := s.orgs.ListTargetsForPolicyPagesWithContext(ctx,
			&organizations.ListTargetsForPolicyInput{PolicyId: aws.String(p.ID)},
			func(page *organizations.ListTargetsForPolicyOutput, _ bool) bool {
				for _, t := range page.Targets {
					p.Targets = append(p.Targets, PolicyTarget{
						TargetID: aws.StringValue(t.TargetId),
						Type:     aws.StringValue(t.Type),
						Name:     aws.StringValue(t.Name),
					})
				}
				return true
			})
		if err != nil {
			s.recordError(result, "service_control_policies/"+p.ID+"/targets", err)
		}
	}
	result.ServiceControlPolicies = policies
}

// =============================================================================
// Network
// =============================================================================

// scanNetwork fans out one worker per region, bounded by MaxWorkers and
// the shared rate limiter. A failed region is recorded and skipped.
func (s *AWSScanner) scanNetwork(ctx context.Context, result *ScanResult) {
	result.Network = &NetworkResources{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxWorkers)

	for _, region := range s.opts.Regions {
		g.Go(func() error {
			regional, err := s.scanRegionNetwork(gctx, region)
			s.mu.Lock()
			if err != nil {
				s.recordErrorLocked(result, "network/"+region, err)
			} else {
				result.Network.VPCs = append(result.Network.VPCs, regional.VPCs...)
				result.Network.Subnets = append(result.Network.Subnets, regional.Subnets...)
				result.Network.TransitGateways = append(result.Network.TransitGateways, regional.TransitGateways...)
				result.Network.PeeringConnections = append(result.Network.PeeringConnections, regional.PeeringConnections...)
				result.Network.SecurityGroups = append(result.Network.SecurityGroups, regional.SecurityGroups...)
			}
			s.mu.Unlock()
			s.step("network/" + region)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *AWSScanner) scanRegionNetwork(ctx context.Context, region string) (*NetworkResources, error) {
	client := s.ec2ForRegion(region)
	res := &NetworkResources{}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	err := client.DescribeVpcsPagesWithContext(ctx, &ec2.DescribeVpcsInput{},
		func(page *ec2.DescribeVpcsOutput, _ bool) bool {
			for _, vpc := range page.Vpcs {
				res.VPCs = append(res.VPCs, VPC{
					ID:        aws.StringValue(vpc.VpcId),
					Name:      nameFromTags(vpc.Tags),
					CIDR:      aws.StringValue(vpc.CidrBlock),
					State:     aws.StringValue(vpc.State),
					OwnerID:   aws.StringValue(vpc.OwnerId),
					Region:    region,
					IsDefault: aws.BoolValue(vpc.IsDefault),
				})
			}
			return true
		})
	if err != nil {
		// No VPC visibility means nothing else in the region will work.
		return nil, err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	err = client.DescribeSubnetsPagesWithContext(ctx, &ec2.DescribeSubnetsInput{},
		func(page *ec2.DescribeSubnetsOutput, _ bool) bool {
			for _, sn := range page.Subnets {
				res.Subnets = append(res.Subnets, Subnet{
					ID:               aws.StringValue(sn.SubnetId),
					VPCID:            aws.StringValue(sn.VpcId),
					CIDR:             aws.StringValue(sn.CidrBlock),
					AvailabilityZone: aws.StringValue(sn.AvailabilityZone),
					Region:           region,
					Public:           aws.BoolValue(sn.MapPublicIpOnLaunch),
				})
			}
			return true
		})
	if err != nil {
		s.logger.Warn("subnet scan failed", "region", region, "error", err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	tgwByID := map[string]*TransitGateway{}
	err = client.DescribeTransitGatewaysPagesWithContext(ctx, &ec2.DescribeTransitGatewaysInput{},
		func(page *ec2.DescribeTransitGatewaysOutput, _ bool) bool {
			for _, tgw := range page.TransitGateways {
				t := &TransitGateway{
					ID:          aws.StringValue(tgw.TransitGatewayId),
					State:       aws.StringValue(tgw.State),
					OwnerID:     aws.StringValue(tgw.OwnerId),
					Description: aws.StringValue(tgw.Description),
					Region:      region,
				}
				tgwByID[t.ID] = t
			}
			return true
		})
	if err != nil {
		s.logger.Warn("transit gateway scan failed", "region", region, "error", err)
	}

	if len(tgwByID) > 0 {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		err = client.DescribeTransitGatewayAttachmentsPagesWithContext(ctx,
			&ec2.DescribeTransitGatewayAttachmentsInput{
				Filters: []*ec2.Filter{{
					Name:   aws.String("resource-type"),
					Values: []*string{aws.String("vpc")},
				}},
			},
			func(page *ec2.DescribeTransitGatewayAttachmentsOutput, _ bool) bool {
				for _, att := range page.TransitGatewayAttachments {
					if tgw, ok := tgwByID[aws.StringValue(att.TransitGatewayId)]; ok {
						tgw.AttachedVPCIDs = append(tgw.AttachedVPCIDs, aws.StringValue(att.ResourceId))
					}
				}
				return true
			})
		if err != nil {
			s.logger.Warn("transit gateway attachment scan failed", "region", region, "error", err)
		}
	}
	for _, tgw := range tgwByID {
		res.TransitGateways = append(res.TransitGateways, *tgw)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	err = client.DescribeVpcPeeringConnectionsPagesWithContext(ctx, &ec2.DescribeVpcPeeringConnectionsInput{},
		func(page *ec2.DescribeVpcPeeringConnectionsOutput, _ bool) bool {
			for _, pcx := range page.VpcPeeringConnections {
				pc := PeeringConnection{
					ID: aws.StringValue(pcx.VpcPeeringConnectionId),
				}
				if pcx.Status != nil {
					pc.Status = aws.StringValue(pcx.Status.Code)
				}
				if pcx.RequesterVpcInfo != nil {
					pc.RequesterVPCID = aws.StringValue(pcx.RequesterVpcInfo.VpcId)
					pc.RequesterOwnerID = aws.StringValue(pcx.RequesterVpcInfo.OwnerId)
					pc.RequesterRegion = aws.StringValue(pcx.RequesterVpcInfo.Region)
				}
				if pcx.AccepterVpcInfo != nil {
					pc.AccepterVPCID = aws.StringValue(pcx.AccepterVpcInfo.VpcId)
					pc.AccepterOwnerID = aws.StringValue(pcx.AccepterVpcInfo.OwnerId)
					pc.AccepterRegion = aws.StringValue(pcx.AccepterVpcInfo.Region)
				}
				res.PeeringConnections = append(res.PeeringConnections, pc)
			}
			return true
		})
	if err != nil {
		s.logger.Warn("peering connection scan failed", "region", region, "error", err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	err = client.DescribeSecurityGroupsPagesWithContext(ctx, &ec2.DescribeSecurityGroupsInput{},
		func(page *ec2.DescribeSecurityGroupsOutput, _ bool) bool {
			for _, sg := range page.SecurityGroups {
				res.SecurityGroups = append(res.SecurityGroups, SecurityGroup{
					ID:          aws.StringValue(sg.GroupId),
					Name:        aws.StringValue(sg.GroupName),
					VPCID:       aws.StringValue(sg.VpcId),
					Description: aws.StringValue(sg.Description),
					Region:      region,
					RuleCount:   len(sg.IpPermissions) + len(sg.IpPermissionsEgress),
				})
			}
			return true
		})
	if err != nil {
		s.logger.Warn("security group scan failed", "region", region, "error", err)
	}

	return res, nil
}

// =============================================================================
// RAM Resource Shares
// =============================================================================

func (s *AWSScanner) scanResourceShares(ctx context.Context, result *ScanResult) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	sharesByARN := map[string]*ResourceShare{}
	var order []string
	err := s.ram.GetResourceSharesPagesWithContext(ctx,
		&ram.GetResourceSharesInput{ResourceOwner: aws.String("SELF")},
		func(page *ram.GetResourceSharesOutput, _ bool) bool {
			for _, share := range page.ResourceShares {
				rs := &ResourceShare{
					ARN:                     aws.StringValue(share.ResourceShareArn),
					Name:                    aws.StringValue(share.Name),
					OwningAccountID:         aws.StringValue(share.OwningAccountId),
					Status:                  aws.StringValue(share.Status),
					AllowExternalPrincipals: aws.BoolValue(share.AllowExternalPrincipals),
				}
				sharesByARN[rs.ARN] = rs
				order = append(order, rs.ARN)
			}
			return true
		})
	if err != nil {
		s.recordError(result, "resource_shares", err)
		return
	}
	if len(sharesByARN) == 0 {
		return
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	err = s.ram.ListResourcesPagesWithContext(ctx,
		&ram.ListResourcesInput{ResourceOwner: aws.String("SELF")},
		func(page *ram.ListResourcesOutput, _ bool) bool {
			for _, resrc := range page.Resources {
				if share, ok := sharesByARN[aws.StringValue(resrc.ResourceShareArn)]; ok {
					share.Resources = append(share.Resources, SharedResource{
						ARN:  aws.StringValue(resrc.Arn),
						Type: aws.StringValue(resrc.Type),
					})
				}
			}
			return true
		})
	if err != nil {
		s.recordError(result, "resource_shares/resources", err)
	}

	for _, arn := range order {
		result.ResourceShares = append(result.ResourceShares, *sharesByARN[arn])
	}
}

// =============================================================================
// IAM
// =============================================================================

func (s *AWSScanner) scanIAM(ctx context.Context, result *ScanResult) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	result.IAM = &IAMResources{}
	err := s.iam.ListRolesPagesWithContext(ctx, &iam.ListRolesInput{},
		func(page *iam.ListRolesOutput, _ bool) bool {
			for _, role := range page.Roles {
				r := IAMRole{
					Name: aws.StringValue(role.RoleName),
					ARN:  aws.StringValue(role.Arn),
					ID:   aws.StringValue(role.RoleId),
					Path: aws.StringValue(role.Path),
				}
				if role.CreateDate != nil {
					r.CreateDate = role.CreateDate.UTC().Format(time.RFC3339)
				}
				if doc := aws.StringValue(role.AssumeRolePolicyDocument); doc != "" {
					accounts, principals, err := parseTrustPolicy(doc)
					if err != nil {
						s.logger.Warn("failed to parse trust policy",
							"role", r.Name, "error", err)
					} else {
						r.TrustedAccountIDs = accounts
						r.TrustedPrincipals = principals
					}
				}
				result.IAM.Roles = append(result.IAM.Roles, r)
			}
			return true
		})
	if err != nil {
		s.recordError(result, "iam", err)
		result.IAM = nil
		return
	}

	for i := range result.IAM.Roles {
		role := &result.IAM.Roles[i]
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		err := s.iam.ListAttachedRolePoliciesPagesWithContext(ctx,
			&iam.ListAttachedRolePoliciesInput{RoleName: aws.String(role.Name)},
			func(page *iam.ListAttachedRolePoliciesOutput, _ bool) bool {
				for _, p := range page.AttachedPolicies {
					role.AttachedPolicies = append(role.AttachedPolicies, AttachedPolicy{
						Name: aws.StringValue(p.PolicyName),
						ARN:  aws.StringValue(p.PolicyArn),
					})
				}
				return true
			})
		if err != nil {
			// One unreadable role should not sink the whole IAM pass.
			s.logger.Warn("failed to list attached policies",
				"role", role.Name, "error", err)
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

func (s *AWSScanner) step(name string) {
	s.mu.Lock()
	s.doneSteps++
	done, total := s.doneSteps, s.total
	s.mu.Unlock()
	if s.progress != nil {
		s.progress(name, done, total)
	}
}

func (s *AWSScanner) recordError(result *ScanResult, scope string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordErrorLocked(result, scope, err)
}

func (s *AWSScanner) recordErrorLocked(result *ScanResult, scope string, err error) {
	entry := ScanError{Scope: scope, Message: err.Error()}
	if code := awsErrorCode(err); code != "" {
		entry.Code = code
	}
	result.Metadata.Errors = append(result.Metadata.Errors, entry)
	s.logger.Warn("scan step failed, continuing", "scope", scope, "error", err)
}

// classifyAWSError marks errors that retrying cannot fix as permanent so
// the backoff loop fails fast instead of burning the budget.
func classifyAWSError(err error) error {
	if err == nil {
		return nil
	}
	switch awsErrorCode(err) {
	case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation", "AuthFailure",
		organizations.ErrCodeAWSOrganizationsNotInUseException:
		return resilience.Permanent(err)
	}
	return err
}

// awsErrorCode extracts the AWS error code, unwrapping backoff and fmt
// wrappers along the way.
func awsErrorCode(err error) string {
	for err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			return aerr.Code()
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

func nameFromTags(tags []*ec2.Tag) string {
	for _, tag := range tags {
		if aws.StringValue(tag.Key) == "Name" {
			return aws.StringValue(tag.Value)
		}
	}
	return ""
}
