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
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
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
	"golang.org/x/time/rate"

	"github.com/cloudstrate/cloudstrate/pkg/logging"
	"github.com/cloudstrate/cloudstrate/pkg/resilience"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeSTS struct {
	stsiface.STSAPI
	account string
	err     error
}

func (f *fakeSTS) GetCallerIdentityWithContext(ctx aws.Context, input *sts.GetCallerIdentityInput, opts ...request.Option) (*sts.GetCallerIdentityOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{
		Account: aws.String(f.account),
		Arn:     aws.String("arn:aws:iam::" + f.account + ":user/tester"),
	}, nil
}

type fakeOrgs struct {
	organizationsiface.OrganizationsAPI

	mu            sync.Mutex
	describeCalls int

	describeErr      error
	org              *organizations.Organization
	accounts         []*organizations.Account
	roots            []*organizations.Root
	ousByParent      map[string][]*organizations.OrganizationalUnit
	accountsByParent map[string][]*organizations.Account
	policies         []*organizations.PolicySummary
	targetsByPolicy  map[string][]*organizations.PolicyTargetSummary
}

func (f *fakeOrgs) DescribeOrganizationWithContext(ctx aws.Context, input *organizations.DescribeOrganizationInput, opts ...request.Option) (*organizations.DescribeOrganizationOutput, error) {
	f.mu.Lock()
	f.describeCalls++
	f.mu.Unlock()
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &organizations.DescribeOrganizationOutput{Organization: f.org}, nil
}

func (f *fakeOrgs) ListAccountsPagesWithContext(ctx aws.Context, input *organizations.ListAccountsInput, fn func(*organizations.ListAccountsOutput, bool) bool, opts ...request.Option) error {
	fn(&organizations.ListAccountsOutput{Accounts: f.accounts}, true)
	return nil
}

func (f *fakeOrgs) ListRootsWithContext(ctx aws.Context, input *organizations.ListRootsInput, opts ...request.Option) (*organizations.ListRootsOutput, error) {
	return &organizations.ListRootsOutput{Roots: f.roots}, nil
}

func (f *fakeOrgs) ListOrganizationalUnitsForParentPagesWithContext(ctx aws.Context, input *organizations.ListOrganizationalUnitsForParentInput, fn func(*organizations.ListOrganizationalUnitsForParentOutput, bool) bool, opts ...request.Option) error {
	fn(&organizations.ListOrganizationalUnitsForParentOutput{
		OrganizationalUnits: f.ousByParent[aws.StringValue(input.ParentId)],
	}, true)
	return nil
}

func (f *fakeOrgs) ListAccountsForParentPagesWithContext(ctx aws.Context, input *organizations.ListAccountsForParentInput, fn func(*organizations.ListAccountsForParentOutput, bool) bool, opts ...request.Option) error {
	fn(&organizations.ListAccountsForParentOutput{
		Accounts: f.accountsByParent[aws.StringValue(input.ParentId)],
	}, true)
	return nil
}

func (f *fakeOrgs) ListPoliciesPagesWithContext(ctx aws.Context, input *organizations.ListPoliciesInput, fn func(*organizations.ListPoliciesOutput, bool) bool, opts ...request.Option) error {
	fn(&organizations.ListPoliciesOutput{Policies: f.policies}, true)
	return nil
}

func (f *fakeOrgs) ListTargetsForPolicyPagesWithContext(ctx aws.Context, input *organizations.ListTargetsForPolicyInput, fn func(*organizations.ListTargetsForPolicyOutput, bool) bool, opts ...request.Option) error {
	fn(&organizations.ListTargetsForPolicyOutput{
		Targets: f.targetsByPolicy[aws.StringValue(input.PolicyId)],
	}, true)
	return nil
}

type fakeEC2 struct {
	ec2iface.EC2API

	vpcsErr     error
	vpcs        []*ec2.Vpc
	subnets     []*ec2.Subnet
	tgws        []*ec2.TransitGateway
	attachments []*ec2.TransitGatewayAttachment
	peerings    []*ec2.VpcPeeringConnection
	groups      []*ec2.SecurityGroup
}

func (f *fakeEC2) DescribeVpcsPagesWithContext(ctx aws.Context, input *ec2.DescribeVpcsInput, fn func(*ec2.DescribeVpcsOutput, bool) bool, opts ...request.Option) error {
	if f.vpcsErr != nil {
		return f.vpcsErr
	}
	fn(&ec2.DescribeVpcsOutput{Vpcs: f.vpcs}, true)
	return nil
}

func (f *fakeEC2) DescribeSubnetsPagesWithContext(ctx aws.Context, input *ec2.DescribeSubnetsInput, fn func(*ec2.DescribeSubnetsOutput, bool) bool, opts ...request.Option) error {
	fn(&ec2.DescribeSubnetsOutput{Subnets: f.subnets}, true)
	return nil
}

func (f *fakeEC2) DescribeTransitGatewaysPagesWithContext(ctx aws.Context, input *ec2.DescribeTransitGatewaysInput, fn func(*ec2.DescribeTransitGatewaysOutput, bool) bool, opts ...request.Option) error {
	fn(&ec2.DescribeTransitGatewaysOutput{TransitGateways: f.tgws}, true)
	return nil
}

func (f *fakeEC2) DescribeTransitGatewayAttachmentsPagesWithContext(ctx aws.Context, input *ec2.DescribeTransitGatewayAttachmentsInput, fn func(*ec2.DescribeTransitGatewayAttachmentsOutput, bool) bool, opts ...request.Option) error {
	fn(&ec2.DescribeTransitGatewayAttachmentsOutput{TransitGatewayAttachments: f.attachments}, true)
	return nil
}

func (f *fakeEC2) DescribeVpcPeeringConnectionsPagesWithContext(ctx aws.Context, input *ec2.DescribeVpcPeeringConnectionsInput, fn func(*ec2.DescribeVpcPeeringConnectionsOutput, bool) bool, opts ...request.Option) error {
	fn(&ec2.DescribeVpcPeeringConnectionsOutput{VpcPeeringConnections: f.peerings}, true)
	return nil
}

func (f *fakeEC2) DescribeSecurityGroupsPagesWithContext(ctx aws.Context, input *ec2.DescribeSecurityGroupsInput, fn func(*ec2.DescribeSecurityGroupsOutput, bool) bool, opts ...request.Option) error {
	fn(&ec2.DescribeSecurityGroupsOutput{SecurityGroups: f.groups}, true)
	return nil
}

type fakeRAM struct {
	ramiface.RAMAPI
	shares    []*ram.ResourceShare
	resources []*ram.Resource
}

func (f *fakeRAM) GetResourceSharesPagesWithContext(ctx aws.Context, input *ram.GetResourceSharesInput, fn func(*ram.GetResourceSharesOutput, bool) bool, opts ...request.Option) error {
	fn(&ram.GetResourceSharesOutput{ResourceShares: f.shares}, true)
	return nil
}

func (f *fakeRAM) ListResourcesPagesWithContext(ctx aws.Context, input *ram.ListResourcesInput, fn func(*ram.ListResourcesOutput, bool) bool, opts ...request.Option) error {
	fn(&ram.ListResourcesOutput{Resources: f.resources}, true)
	return nil
}

type fakeIAM struct {
	iamiface.IAMAPI
	listErr          error
	roles            []*iam.Role
	attachedByRole   map[string][]*iam.AttachedPolicy
}

func (f *fakeIAM) ListRolesPagesWithContext(ctx aws.Context, input *iam.ListRolesInput, fn func(*iam.ListRolesOutput, bool) bool, opts ...request.Option) error {
	if f.listErr != nil {
		return f.listErr
	}
	fn(&iam.ListRolesOutput{Roles: f.roles}, true)
	return nil
}

func (f *fakeIAM) ListAttachedRolePoliciesPagesWithContext(ctx aws.Context, input *iam.ListAttachedRolePoliciesInput, fn func(*iam.ListAttachedRolePoliciesOutput, bool) bool, opts ...request.Option) error {
	fn(&iam.ListAttachedRolePoliciesOutput{
		AttachedPolicies: f.attachedByRole[aws.StringValue(input.RoleName)],
	}, true)
	return nil
}

// =============================================================================
// Fixtures
// =============================================================================

func happyOrgs() *fakeOrgs {
	return &fakeOrgs{
		org: &organizations.Organization{
			Id:                 aws.String("o-test"),
			Arn:                aws.String("arn:aws:organizations::111111111111:organization/o-test"),
			MasterAccountId:    aws.String("111111111111"),
			MasterAccountEmail: aws.String("root@example.com"),
			FeatureSet:         aws.String("ALL"),
		},
		accounts: []*organizations.Account{
			{Id: aws.String("111111111111"), Name: aws.String("management"), Status: aws.String("ACTIVE"),
				JoinedTimestamp: aws.Time(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))},
			{Id: aws.String("222222222222"), Name: aws.String("security"), Status: aws.String("ACTIVE")},
			{Id: aws.String("333333333333"), Name: aws.String("network"), Status: aws.String("ACTIVE")},
		},
		roots: []*organizations.Root{
			{Id: aws.String("r-root"), Name: aws.String("Root")},
		},
		ousByParent: map[string][]*organizations.OrganizationalUnit{
			"r-root": {
				{Id: aws.String("ou-sec"), Name: aws.String("Security")},
				{Id: aws.String("ou-net"), Name: aws.String("Network")},
			},
		},
		accountsByParent: map[string][]*organizations.Account{
			"ou-sec": {{Id: aws.String("222222222222")}},
			"ou-net": {{Id: aws.String("333333333333")}},
		},
		policies: []*organizations.PolicySummary{
			{Id: aws.String("p-guard"), Name: aws.String("Guardrails"), AwsManaged: aws.Bool(false)},
		},
		targetsByPolicy: map[string][]*organizations.PolicyTargetSummary{
			"p-guard": {{TargetId: aws.String("ou-sec"), Type: aws.String("ORGANIZATIONAL_UNIT"), Name: aws.String("Security")}},
		},
	}
}

func happyEC2() *fakeEC2 {
	return &fakeEC2{
		vpcs: []*ec2.Vpc{
			{
				VpcId: aws.String("vpc-1"), CidrBlock: aws.String("10.0.0.0/16"),
				State: aws.String("available"), OwnerId: aws.String("222222222222"),
				Tags: []*ec2.Tag{{Key: aws.String("Name"), Value: aws.String("prod")}},
			},
		},
		subnets: []*ec2.Subnet{
			{SubnetId: aws.String("subnet-1"), VpcId: aws.String("vpc-1"),
				CidrBlock: aws.String("10.0.1.0/24"), AvailabilityZone: aws.String("us-east-1a"),
				MapPublicIpOnLaunch: aws.Bool(true)},
		},
		tgws: []*ec2.TransitGateway{
			{TransitGatewayId: aws.String("tgw-1"), State: aws.String("available"), OwnerId: aws.String("333333333333")},
		},
		attachments: []*ec2.TransitGatewayAttachment{
			{TransitGatewayId: aws.String("tgw-1"), ResourceId: aws.String("vpc-1"), ResourceType: aws.String("vpc")},
		},
		peerings: []*ec2.VpcPeeringConnection{
			{
				VpcPeeringConnectionId: aws.String("pcx-1"),
				Status:                 &ec2.VpcPeeringConnectionStateReason{Code: aws.String("active")},
				RequesterVpcInfo:       &ec2.VpcPeeringConnectionVpcInfo{VpcId: aws.String("vpc-1"), OwnerId: aws.String("222222222222"), Region: aws.String("us-east-1")},
				AccepterVpcInfo:        &ec2.VpcPeeringConnectionVpcInfo{VpcId: aws.String("vpc-9"), OwnerId: aws.String("333333333333"), Region: aws.String("us-west-2")},
			},
		},
		groups: []*ec2.SecurityGroup{
			{
				GroupId: aws.String("sg-1"), GroupName: aws.String("web"), VpcId: aws.String("vpc-1"),
				IpPermissions:       []*ec2.IpPermission{{}, {}},
				IpPermissionsEgress: []*ec2.IpPermission{{}},
			},
		},
	}
}

func happyIAM(t *testing.T) *fakeIAM {
	t.Helper()
	trustDoc := url.QueryEscape(`{
		"Version": "2012-10-17",
		"Statement": [{"Effect": "Allow", "Principal": {"AWS": "arn:aws:iam::111111111111:root"}, "Action": "sts:AssumeRole"}]
	}`)
	return &fakeIAM{
		roles: []*iam.Role{
			{
				RoleName: aws.String("Deployer"),
				Arn:      aws.String("arn:aws:iam::222222222222:role/Deployer"),
				RoleId:   aws.String("AROATEST"),
				Path:     aws.String("/"),
				AssumeRolePolicyDocument: aws.String(trustDoc),
			},
		},
		attachedByRole: map[string][]*iam.AttachedPolicy{
			"Deployer": {{PolicyName: aws.String("AdministratorAccess"), PolicyArn: aws.String("arn:aws:iam::aws:policy/AdministratorAccess")}},
		},
	}
}

func testAWSScanner(opts AWSScannerOptions, orgs organizationsiface.OrganizationsAPI, iamAPI iamiface.IAMAPI, stsAPI stsiface.STSAPI, ramAPI ramiface.RAMAPI, ec2API ec2iface.EC2API) *AWSScanner {
	if opts.MaxWorkers == 0 {
		opts.MaxWorkers = 2
	}
	return &AWSScanner{
		opts:    opts,
		logger:  logging.Default(),
		policy:  resilience.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
		limiter: rate.NewLimiter(rate.Inf, 1),
		orgs:    orgs,
		iam:     iamAPI,
		sts:     stsAPI,
		ram:     ramAPI,
		ec2ForRegion: func(string) ec2iface.EC2API {
			return ec2API
		},
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestAWSScanner_Scan_FullOrganization(t *testing.T) {
	scanner := testAWSScanner(
		AWSScannerOptions{Profile: "default", Regions: []string{"us-east-1"}, IncludeIAM: true, IncludeNetwork: true},
		happyOrgs(), happyIAM(t), &fakeSTS{account: "111111111111"},
		&fakeRAM{
			shares: []*ram.ResourceShare{
				{ResourceShareArn: aws.String("arn:aws:ram:us-east-1:333333333333:resource-share/abc"),
					Name: aws.String("tgw-share"), OwningAccountId: aws.String("333333333333"),
					Status: aws.String("ACTIVE"), AllowExternalPrincipals: aws.Bool(false)},
			},
			resources: []*ram.Resource{
				{Arn: aws.String("arn:aws:ec2:us-east-1:333333333333:transit-gateway/tgw-1"),
					Type:             aws.String("ec2:TransitGateway"),
					ResourceShareArn: aws.String("arn:aws:ram:us-east-1:333333333333:resource-share/abc")},
			},
		},
		happyEC2(),
	)

	result, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if result.Organization == nil || result.Organization.ID != "o-test" {
		t.Fatalf("Organization = %+v, want o-test", result.Organization)
	}
	if result.Metadata.CallerAccountID != "111111111111" {
		t.Errorf("CallerAccountID = %q, want 111111111111", result.Metadata.CallerAccountID)
	}
	if len(result.Accounts) != 3 {
		t.Fatalf("len(Accounts) = %d, want 3", len(result.Accounts))
	}
	if result.Accounts[0].JoinedAt != "2020-01-01T00:00:00Z" {
		t.Errorf("Accounts[0].JoinedAt = %q, want 2020-01-01T00:00:00Z", result.Accounts[0].JoinedAt)
	}

	if len(result.OrganizationalUnits) != 2 {
		t.Fatalf("len(OrganizationalUnits) = %d, want 2", len(result.OrganizationalUnits))
	}
	for _, ou := range result.OrganizationalUnits {
		if ou.ParentID != "r-root" {
			t.Errorf("OU %s ParentID = %q, want r-root", ou.ID, ou.ParentID)
		}
	}

	// Account-to-OU wiring flows back onto the account entries.
	byID := map[string]Account{}
	for _, a := range result.Accounts {
		byID[a.ID] = a
	}
	if byID["222222222222"].ParentOUID != "ou-sec" {
		t.Errorf("security account ParentOUID = %q, want ou-sec", byID["222222222222"].ParentOUID)
	}
	if byID["111111111111"].ParentOUID != "" {
		t.Errorf("management account ParentOUID = %q, want empty", byID["111111111111"].ParentOUID)
	}

	if len(result.ServiceControlPolicies) != 1 {
		t.Fatalf("len(ServiceControlPolicies) = %d, want 1", len(result.ServiceControlPolicies))
	}
	scp := result.ServiceControlPolicies[0]
	if len(scp.Targets) != 1 || scp.Targets[0].TargetID != "ou-sec" {
		t.Errorf("SCP targets = %+v, want ou-sec", scp.Targets)
	}

	if result.Network == nil {
		t.Fatal("Network = nil, want populated")
	}
	if len(result.Network.VPCs) != 1 || result.Network.VPCs[0].Name != "prod" {
		t.Errorf("VPCs = %+v, want one named prod", result.Network.VPCs)
	}
	if result.Network.VPCs[0].Region != "us-east-1" {
		t.Errorf("VPC region = %q, want us-east-1", result.Network.VPCs[0].Region)
	}
	if len(result.Network.TransitGateways) != 1 {
		t.Fatalf("TransitGateways = %+v, want 1", result.Network.TransitGateways)
	}
	tgw := result.Network.TransitGateways[0]
	if len(tgw.AttachedVPCIDs) != 1 || tgw.AttachedVPCIDs[0] != "vpc-1" {
		t.Errorf("TGW AttachedVPCIDs = %v, want [vpc-1]", tgw.AttachedVPCIDs)
	}
	if len(result.Network.SecurityGroups) != 1 || result.Network.SecurityGroups[0].RuleCount != 3 {
		t.Errorf("SecurityGroups = %+v, want one with 3 rules", result.Network.SecurityGroups)
	}
	if len(result.Network.PeeringConnections) != 1 || result.Network.PeeringConnections[0].AccepterOwnerID != "333333333333" {
		t.Errorf("PeeringConnections = %+v", result.Network.PeeringConnections)
	}

	if len(result.ResourceShares) != 1 {
		t.Fatalf("ResourceShares = %+v, want 1", result.ResourceShares)
	}
	if len(result.ResourceShares[0].Resources) != 1 || result.ResourceShares[0].Resources[0].Type != "ec2:TransitGateway" {
		t.Errorf("share resources = %+v", result.ResourceShares[0].Resources)
	}

	if result.IAM == nil || len(result.IAM.Roles) != 1 {
		t.Fatalf("IAM = %+v, want 1 role", result.IAM)
	}
	role := result.IAM.Roles[0]
	if len(role.TrustedAccountIDs) != 1 || role.TrustedAccountIDs[0] != "111111111111" {
		t.Errorf("TrustedAccountIDs = %v, want [111111111111]", role.TrustedAccountIDs)
	}
	if len(role.AttachedPolicies) != 1 || role.AttachedPolicies[0].Name != "AdministratorAccess" {
		t.Errorf("AttachedPolicies = %+v", role.AttachedPolicies)
	}

	if len(result.Metadata.Errors) != 0 {
		t.Errorf("Metadata.Errors = %+v, want none", result.Metadata.Errors)
	}
	if result.Metadata.Source != "aws" {
		t.Errorf("Metadata.Source = %q, want aws", result.Metadata.Source)
	}
}

func TestAWSScanner_Scan_StandaloneAccount(t *testing.T) {
	orgs := happyOrgs()
	orgs.describeErr = awserr.New(organizations.ErrCodeAWSOrganizationsNotInUseException,
		"account is not a member of an organization", nil)

	scanner := testAWSScanner(
		AWSScannerOptions{Regions: []string{"us-east-1"}},
		orgs, nil, &fakeSTS{account: "444444444444"}, &fakeRAM{}, &fakeEC2{},
	)

	result, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if result.Organization != nil {
		t.Errorf("Organization = %+v, want nil for standalone account", result.Organization)
	}
	if len(result.Accounts) != 1 || result.Accounts[0].ID != "444444444444" {
		t.Fatalf("Accounts = %+v, want the caller account only", result.Accounts)
	}
	if result.Accounts[0].Name != "account-444444444444" {
		t.Errorf("Accounts[0].Name = %q, want account-444444444444", result.Accounts[0].Name)
	}
	if len(result.Metadata.Errors) != 1 || result.Metadata.Errors[0].Code != organizations.ErrCodeAWSOrganizationsNotInUseException {
		t.Errorf("Metadata.Errors = %+v, want the not-in-use code recorded", result.Metadata.Errors)
	}
	// Permanent errors must not be retried.
	if orgs.describeCalls != 1 {
		t.Errorf("DescribeOrganization called %d times, want 1", orgs.describeCalls)
	}
}

func TestAWSScanner_Scan_AccessDeniedNotRetried(t *testing.T) {
	orgs := happyOrgs()
	orgs.describeErr = awserr.New("AccessDeniedException", "not authorized", nil)

	scanner := testAWSScanner(
		AWSScannerOptions{Regions: []string{"us-east-1"}},
		orgs, nil, &fakeSTS{account: "111111111111"}, &fakeRAM{}, &fakeEC2{},
	)

	result, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if orgs.describeCalls != 1 {
		t.Errorf("DescribeOrganization called %d times, want 1 (no retry on access denied)", orgs.describeCalls)
	}
	if len(result.Metadata.Errors) == 0 || result.Metadata.Errors[0].Code != "AccessDeniedException" {
		t.Errorf("Metadata.Errors = %+v, want AccessDeniedException recorded", result.Metadata.Errors)
	}
}

func TestAWSScanner_Scan_IAMDeniedRecorded(t *testing.T) {
	iamAPI := &fakeIAM{listErr: awserr.New("AccessDenied", "no iam:ListRoles", nil)}

	scanner := testAWSScanner(
		AWSScannerOptions{Regions: []string{"us-east-1"}, IncludeIAM: true},
		happyOrgs(), iamAPI, &fakeSTS{account: "111111111111"}, &fakeRAM{}, &fakeEC2{},
	)

	result, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if result.IAM != nil {
		t.Errorf("IAM = %+v, want nil after denied scan", result.IAM)
	}
	found := false
	for _, e := range result.Metadata.Errors {
		if e.Scope == "iam" && e.Code == "AccessDenied" {
			found = true
		}
	}
	if !found {
		t.Errorf("Metadata.Errors = %+v, want iam/AccessDenied entry", result.Metadata.Errors)
	}
	// The rest of the scan survives.
	if len(result.Accounts) != 3 {
		t.Errorf("len(Accounts) = %d, want 3", len(result.Accounts))
	}
}

func TestAWSScanner_Scan_RegionDeniedRecorded(t *testing.T) {
	ec2API := happyEC2()
	ec2API.vpcsErr = awserr.New("UnauthorizedOperation", "not authorized", nil)

	scanner := testAWSScanner(
		AWSScannerOptions{Regions: []string{"us-east-1"}, IncludeNetwork: true},
		happyOrgs(), nil, &fakeSTS{account: "111111111111"}, &fakeRAM{}, ec2API,
	)

	result, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(result.Network.VPCs) != 0 {
		t.Errorf("VPCs = %+v, want none from denied region", result.Network.VPCs)
	}
	found := false
	for _, e := range result.Metadata.Errors {
		if e.Scope == "network/us-east-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("Metadata.Errors = %+v, want network/us-east-1 entry", result.Metadata.Errors)
	}
}

func TestAWSScanner_Scan_CredentialFailure(t *testing.T) {
	scanner := testAWSScanner(
		AWSScannerOptions{Profile: "missing", Regions: []string{"us-east-1"}},
		happyOrgs(), nil, &fakeSTS{err: fmt.Errorf("no credentials")}, &fakeRAM{}, &fakeEC2{},
	)

	_, err := scanner.Scan(context.Background())
	if err == nil {
		t.Fatal("Scan() expected error when credentials fail")
	}
	if !strings.Contains(err.Error(), "credentials") {
		t.Errorf("error = %q, want it to mention credentials", err)
	}
}

func TestAWSScanner_Scan_ProgressReporting(t *testing.T) {
	scanner := testAWSScanner(
		AWSScannerOptions{Regions: []string{"us-east-1", "eu-west-1"}, IncludeIAM: true, IncludeNetwork: true},
		happyOrgs(), happyIAM(t), &fakeSTS{account: "111111111111"}, &fakeRAM{}, happyEC2(),
	)

	var mu sync.Mutex
	var lastCurrent, lastTotal int
	calls := 0
	scanner.SetProgress(func(step string, current, total int) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if current > lastCurrent {
			lastCurrent = current
		}
		lastTotal = total
	})

	if _, err := scanner.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	// organization + scps + 2 regions + shares + iam
	wantTotal := 6
	if lastTotal != wantTotal {
		t.Errorf("total = %d, want %d", lastTotal, wantTotal)
	}
	if lastCurrent != wantTotal {
		t.Errorf("final current = %d, want %d", lastCurrent, wantTotal)
	}
	if calls != wantTotal {
		t.Errorf("progress called %d times, want %d", calls, wantTotal)
	}
}

func TestNewAWSScanner_RequiresRegion(t *testing.T) {
	_, err := NewAWSScanner(AWSScannerOptions{}, nil, resilience.DefaultPolicy())
	if err == nil {
		t.Fatal("NewAWSScanner() expected error without regions")
	}
}

func TestAWSErrorCode_Unwraps(t *testing.T) {
	base := awserr.New("AccessDenied", "nope", nil)
	wrapped := fmt.Errorf("scan failed: %w", base)
	if got := awsErrorCode(wrapped); got != "AccessDenied" {
		t.Errorf("awsErrorCode(wrapped) = %q, want AccessDenied", got)
	}
	if got := awsErrorCode(fmt.Errorf("plain error")); got != "" {
		t.Errorf("awsErrorCode(plain) = %q, want empty", got)
	}
	if got := awsErrorCode(nil); got != "" {
		t.Errorf("awsErrorCode(nil) = %q, want empty", got)
	}
}

func TestNameFromTags(t *testing.T) {
	tags := []*ec2.Tag{
		{Key: aws.String("env"), Value: aws.String("prod")},
		{Key: aws.String("Name"), Value: aws.String("core-vpc")},
	}
	if got := nameFromTags(tags); got != "core-vpc" {
		t.Errorf("nameFromTags() = %q, want core-vpc", got)
	}
	if got := nameFromTags(nil); got != "" {
		t.Errorf("nameFromTags(nil) = %q, want empty", got)
	}
}
