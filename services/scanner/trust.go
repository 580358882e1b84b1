// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scanner

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// IAM returns AssumeRolePolicyDocument URL-encoded. The document's
// Statement may be a single object or an array, and Principal.AWS may
// be a single string or an array, so both fields stay as RawMessage
// until shape is known.

type trustPolicy struct {
	Statement json.RawMessage `json:"Statement"`
}

type trustStatement struct {
	Effect    string          `json:"Effect"`
	Principal json.RawMessage `json:"Principal"`
}

type trustPrincipal struct {
	AWS       json.RawMessage `json:"AWS"`
	Service   json.RawMessage `json:"Service"`
	Federated json.RawMessage `json:"Federated"`
}

var accountIDPattern = regexp.MustCompile(`^\d{12}$`)
var arnAccountPattern = regexp.MustCompile(`^arn:aws[a-z-]*:iam::(\d{12}):`)

// parseTrustPolicy extracts the account IDs and raw principal strings
// trusted by a role's assume-role policy document. Only Allow
// statements count. Account IDs come from bare 12-digit principals and
// from IAM ARNs; service and federated principals land in the
// principals list untouched.
func parseTrustPolicy(encoded string) (accountIDs []string, principals []string, err error) {
	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode trust policy: %w", err)
	}

	var policy trustPolicy
	if err := json.Unmarshal([]byte(decoded), &policy); err != nil {
		return nil, nil, fmt.Errorf("failed to parse trust policy: %w", err)
	}

	statements, err := statementList(policy.Statement)
	if err != nil {
		return nil, nil, err
	}

	accountSet := map[string]struct{}{}
	principalSet := map[string]struct{}{}

	for _, stmt := range statements {
		if !strings.EqualFold(stmt.Effect, "Allow") {
			continue
		}
		if len(stmt.Principal) == 0 {
			continue
		}

		// Principal can itself be the string "*".
		var star string
		if json.Unmarshal(stmt.Principal, &star) == nil {
			principalSet[star] = struct{}{}
			continue
		}

		var principal trustPrincipal
		if err := json.Unmarshal(stmt.Principal, &principal); err != nil {
			return nil, nil, fmt.Errorf("failed to parse trust principal: %w", err)
		}

		for _, value := range stringList(principal.AWS) {
			principalSet[value] = struct{}{}
			if id := accountIDFromPrincipal(value); id != "" {
				accountSet[id] = struct{}{}
			}
		}
		for _, value := range stringList(principal.Service) {
			principalSet[value] = struct{}{}
		}
		for _, value := range stringList(principal.Federated) {
			principalSet[value] = struct{}{}
		}
	}

	accountIDs = sortedKeys(accountSet)
	principals = sortedKeys(principalSet)
	return accountIDs, principals, nil
}

func statementList(raw json.RawMessage) ([]trustStatement, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var many []trustStatement
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	var one trustStatement
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("failed to parse trust statement: %w", err)
	}
	return []trustStatement{one}, nil
}

func stringList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var many []string
	if json.Unmarshal(raw, &many) == nil {
		return many
	}
	var one string
	if json.Unmarshal(raw, &one) == nil {
		return []string{one}
	}
	return nil
}

// accountIDFromPrincipal pulls a 12-digit account ID out of a bare ID
// or an IAM ARN. Returns "" for anything else (wildcards, services).
func accountIDFromPrincipal(principal string) string {
	if accountIDPattern.MatchString(principal) {
		return principal
	}
	if m := arnAccountPattern.FindStringSubmatch(principal); m != nil {
		return m[1]
	}
	return ""
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
