// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package setup

import (
	"context"
	"fmt"

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

	"github.com/cloudstrate/cloudstrate/pkg/logging"
)

// AWSPermissionCheck records one probe against an AWS action.
type AWSPermissionCheck struct {
	Service string `json:"service"`
	Action  string `json:"action"`
	Allowed bool   `json:"allowed"`
	Error   string `json:"error,omitempty"`
}

// AWSStatus reports AWS credential and permission state for the setup
// and check commands.
type AWSStatus struct {
	Authenticated         bool                 `json:"authenticated"`
	AccountID             string               `json:"account_id,omitempty"`
	AccountAlias          string               `json:"account_alias,omitempty"`
	UserARN               string               `json:"user_arn,omitempty"`
	Region                string               `json:"region,omitempty"`
	IsOrganizationAccount bool                 `json:"is_organization_account"`
	PermissionChecks      []AWSPermissionCheck `json:"permission_checks,omitempty"`
	Error                 string               `json:"error,omitempty"`
}

// AllPermissionsValid reports whether every permission check passed.
func (s *AWSStatus) AllPermissionsValid() bool {
	for _, c := range s.PermissionChecks {
		if !c.Allowed {
			return false
		}
	}
	return true
}

// FailedPermissions returns the checks that were denied.
func (s *AWSStatus) FailedPermissions() []AWSPermissionCheck {
	var failed []AWSPermissionCheck
	for _, c := range s.PermissionChecks {
		if !c.Allowed {
			failed = append(failed, c)
		}
	}
	return failed
}

// AWSSetup validates that a profile can see what the scanner needs.
//
// Permission checks issue the cheapest possible call per action
// (MaxResults 1, or the EC2 minimum of 5); actions that need a concrete
// resource id to invoke are assumed allowed rather than guessed at.
type AWSSetup struct {
	profile string
	region  string
	logger  *logging.Logger

	sts  stsiface.STSAPI
	iam  iamiface.IAMAPI
	orgs organizationsiface.OrganizationsAPI
	ec2  ec2iface.EC2API
	ram  ramiface.RAMAPI
}

// NewAWSSetup builds the probe from a shared-credentials profile.
// An empty profile uses the default credential chain.
func NewAWSSetup(profile, region string, logger *logging.Logger) (*AWSSetup, error) {
	if region == "" {
		region = "us-east-1"
	}
	if logger == nil {
		logger = logging.Default()
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Profile:           profile,
		SharedConfigState: session.SharedConfigEnable,
		Config: aws.Config{
			Region: aws.String(region),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session for profile %q: %w", profile, err)
	}

	return &AWSSetup{
		profile: profile,
		region:  region,
		logger:  logger,
		sts:     sts.New(sess),
		iam:     iam.New(sess),
		orgs:    organizations.New(sess),
		ec2:     ec2.New(sess),
		ram:     ram.New(sess),
	}, nil
}

// testAWSSetup is the test seam: the same probe against fake clients.
func testAWSSetup(stsAPI stsiface.STSAPI, iamAPI iamiface.IAMAPI, orgsAPI organizationsiface.OrganizationsAPI, ec2API ec2iface.EC2API, ramAPI ramiface.RAMAPI) *AWSSetup {
	return &AWSSetup{
		region: "us-east-1",
		logger: logging.Default(),
		sts:    stsAPI,
		iam:    iamAPI,
		orgs:   orgsAPI,
		ec2:    ec2API,
		ram:    ramAPI,
	}
}

// CheckCredentials resolves the caller identity. Account alias and
// organization membership are best-effort extras; only a failed
// GetCallerIdentity marks the status unauthenticated.
func (s *AWSSetup) CheckCredentials(ctx context.Context) *AWSStatus {
	identity, err := s.sts.GetCallerIdentityWithContext(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return &AWSStatus{Error: err.Error()}
	}

	status := &AWSStatus{
		Authenticated: true,
		AccountID:     aws.StringValue(identity.Account),
		UserARN:       aws.StringValue(identity.Arn),
		Region:        s.region,
	}

	if aliases, err := s.iam.ListAccountAliasesWithContext(ctx, &iam.ListAccountAliasesInput{}); err == nil {
		if len(aliases.AccountAliases) > 0 {
			status.AccountAlias = aws.StringValue(aliases.AccountAliases[0])
		}
	}

	if org, err := s.orgs.DescribeOrganizationWithContext(ctx, &organizations.DescribeOrganizationInput{}); err == nil {
		master := aws.StringValue(org.Organization.MasterAccountId)
		status.IsOrganizationAccount = status.AccountID == master
	}

	return status
}

// CheckPermissions runs the scanner's permission matrix against live
// APIs. Requires working credentials; returns the credential failure
// unchanged otherwise.
func (s *AWSSetup) CheckPermissions(ctx context.Context) *AWSStatus {
	status := s.CheckCredentials(ctx)
	if !status.Authenticated {
		return status
	}

	for _, probe := range s.permissionProbes() {
		status.PermissionChecks = append(status.PermissionChecks, s.checkPermission(ctx, probe))
	}

	s.logger.Debug("AWS permission checks complete",
		"total", len(status.PermissionChecks),
		"failed", len(status.FailedPermissions()))
	return status
}

// permissionProbe pairs an IAM action with the cheapest call that
// exercises it. A nil call means the action needs a resource id we do
// not have; it is reported as allowed.
type permissionProbe struct {
	service string
	action  string
	call    func(ctx context.Context) error
}

func (s *AWSSetup) permissionProbes() []permissionProbe {
	one := aws.Int64(1)
	five := aws.Int64(5) // EC2 Describe* calls reject MaxResults below 5

	return []permissionProbe{
		{"organizations", "DescribeOrganization", func(ctx context.Context) error {
			_, err := s.orgs.DescribeOrganizationWithContext(ctx, &organizations.DescribeOrganizationInput{})
			return err
		}},
		{"organizations", "ListAccounts", func(ctx context.Context) error {
			_, err := s.orgs.ListAccountsWithContext(ctx, &organizations.ListAccountsInput{MaxResults: one})
			return err
		}},
		{"organizations", "ListOrganizationalUnitsForParent", nil},
		{"organizations", "ListPolicies", func(ctx context.Context) error {
			_, err := s.orgs.ListPoliciesWithContext(ctx, &organizations.ListPoliciesInput{
				Filter:     aws.String(organizations.PolicyTypeServiceControlPolicy),
				MaxResults: one,
			})
			return err
		}},
		{"organizations", "DescribePolicy", nil},
		{"iam", "ListRoles", func(ctx context.Context) error {
			_, err := s.iam.ListRolesWithContext(ctx, &iam.ListRolesInput{MaxItems: one})
			return err
		}},
		{"iam", "GetRole", nil},
		{"iam", "ListRolePolicies", nil},
		{"iam", "GetRolePolicy", nil},
		{"iam", "ListAttachedRolePolicies", nil},
		{"ec2", "DescribeVpcs", func(ctx context.Context) error {
			_, err := s.ec2.DescribeVpcsWithContext(ctx, &ec2.DescribeVpcsInput{MaxResults: five})
			return err
		}},
		{"ec2", "DescribeSubnets", func(ctx context.Context) error {
			_, err := s.ec2.DescribeSubnetsWithContext(ctx, &ec2.DescribeSubnetsInput{MaxResults: five})
			return err
		}},
		{"ec2", "DescribeSecurityGroups", func(ctx context.Context) error {
			_, err := s.ec2.DescribeSecurityGroupsWithContext(ctx, &ec2.DescribeSecurityGroupsInput{MaxResults: five})
			return err
		}},
		{"ec2", "DescribeTransitGateways", func(ctx context.Context) error {
			_, err := s.ec2.DescribeTransitGatewaysWithContext(ctx, &ec2.DescribeTransitGatewaysInput{MaxResults: five})
			return err
		}},
		{"ec2", "DescribeVpcPeeringConnections", func(ctx context.Context) error {
			_, err := s.ec2.DescribeVpcPeeringConnectionsWithContext(ctx, &ec2.DescribeVpcPeeringConnectionsInput{MaxResults: five})
			return err
		}},
		{"ram", "GetResourceShares", func(ctx context.Context) error {
			_, err := s.ram.GetResourceSharesWithContext(ctx, &ram.GetResourceSharesInput{
				ResourceOwner: aws.String("SELF"),
				MaxResults:    one,
			})
			return err
		}},
		{"ram", "ListResources", func(ctx context.Context) error {
			_, err := s.ram.ListResourcesWithContext(ctx, &ram.ListResourcesInput{
				ResourceOwner: aws.String("SELF"),
				MaxResults:    one,
			})
			return err
		}},
	}
}

func (s *AWSSetup) checkPermission(ctx context.Context, probe permissionProbe) AWSPermissionCheck {
	check := AWSPermissionCheck{Service: probe.service, Action: probe.action, Allowed: true}
	if probe.call == nil {
		return check
	}

	err := probe.call(ctx)
	if err == nil {
		return check
	}

	switch code := awsErrorCode(err); code {
	case "AccessDenied", "AccessDeniedException", "UnauthorizedAccess":
		check.Allowed = false
		check.Error = "Access denied: " + code
	case organizations.ErrCodeAWSOrganizationsNotInUseException:
		// Not a permission problem; the account has no organization.
		check.Error = "Organizations not enabled"
	case "":
		check.Allowed = false
		check.Error = err.Error()
	default:
		// Throttles, validation quirks, and regional oddities are not
		// permission failures.
		check.Error = "API error: " + code
	}
	return check
}

// awsErrorCode extracts the AWS error code, unwrapping fmt wrappers
// along the way.
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

// RequiredPolicy returns the minimum IAM policy JSON for scanning an
// organization. Shown by `cloudstrate setup aws --show-policy`.
func RequiredPolicy() string {
	return requiredPolicyJSON
}

const requiredPolicyJSON = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Sid": "CloudstrateOrganizationRead",
      "Effect": "Allow",
      "Action": [
        "organizations:Describe*",
        "organizations:List*"
      ],
      "Resource": "*"
    },
    {
      "Sid": "CloudstrateIAMRead",
      "Effect": "Allow",
      "Action": [
        "iam:Get*",
        "iam:List*"
      ],
      "Resource": "*"
    },
    {
      "Sid": "CloudstrateEC2Read",
      "Effect": "Allow",
      "Action": [
        "ec2:Describe*"
      ],
      "Resource": "*"
    },
    {
      "Sid": "CloudstrateRAMRead",
      "Effect": "Allow",
      "Action": [
        "ram:Get*",
        "ram:List*"
      ],
      "Resource": "*"
    },
    {
      "Sid": "CloudstrateSTSRead",
      "Effect": "Allow",
      "Action": [
        "sts:GetCallerIdentity",
        "sts:AssumeRole"
      ],
      "Resource": "*"
    }
  ]
}`
