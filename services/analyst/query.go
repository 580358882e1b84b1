// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analyst answers questions about the governance graph. Raw
// Cypher runs verbatim; natural language goes through a small pattern
// table first and falls back to LLM translation when a provider is
// configured.
package analyst

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cloudstrate/cloudstrate/pkg/logging"
	"github.com/cloudstrate/cloudstrate/services/knowledge"
	"github.com/cloudstrate/cloudstrate/services/llm"
)

var analystTracer = otel.Tracer("cloudstrate.analyst")

// GraphRunner is the slice of the graph store the engine needs.
type GraphRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
}

// QueryResult is the envelope returned for every question.
type QueryResult struct {
	Question    string           `json:"question"`
	Cypher      string           `json:"cypher,omitempty"`
	Data        []map[string]any `json:"data,omitempty"`
	Explanation string           `json:"explanation,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// cypherPrefixes mark input that is executed verbatim instead of being
// translated.
var cypherPrefixes = []string{"MATCH", "RETURN", "CREATE", "MERGE", "DELETE", "CALL", "WITH"}

// queryPattern maps question keywords to a canned Cypher query. The
// table answers the common questions without burning LLM tokens, and is
// the only translation path when the provider is disabled.
type queryPattern struct {
	keywords    []string
	cypher      string
	explanation string
}

var queryPatterns = []queryPattern{
	{
		keywords:    []string{"accounts", "aws accounts", "all accounts"},
		cypher:      "MATCH (a:AWSAccount) RETURN a.name as name, a.id as id LIMIT 50",
		explanation: "AWS accounts in the graph (up to 50).",
	},
	{
		keywords:    []string{"production", "prod accounts"},
		cypher:      "MATCH (a:AWSAccount) WHERE a.name CONTAINS 'prod' OR a.name CONTAINS 'production' RETURN a.name as name, a.id as id",
		explanation: "Accounts whose name suggests a production workload.",
	},
	{
		keywords:    []string{"vpcs", "virtual private clouds", "networks"},
		cypher:      "MATCH (v:VPC) RETURN v.id as id, v.cidr as cidr LIMIT 50",
		explanation: "VPCs and their CIDR ranges (up to 50).",
	},
	{
		keywords:    []string{"iam roles", "roles"},
		cypher:      "MATCH (r:IAMRole) RETURN r.name as name, r.arn as arn LIMIT 50",
		explanation: "IAM roles in the graph (up to 50).",
	},
	{
		keywords:    []string{"cross-account", "cross account", "trust relationships"},
		cypher:      "MATCH (r:IAMRole)-[:TRUSTS]->(a:AWSAccount) RETURN r.name as role, a.name as trusted_account LIMIT 50",
		explanation: "Roles that trust another account (up to 50).",
	},
	{
		keywords:    []string{"security groups", "sgs"},
		cypher:      "MATCH (sg:SecurityGroup) RETURN sg.name as name, sg.id as id LIMIT 50",
		explanation: "Security groups in the graph (up to 50).",
	},
	{
		keywords:    []string{"subnets"},
		cypher:      "MATCH (s:Subnet) RETURN s.id as id, s.cidr as cidr, s.availability_zone as az LIMIT 50",
		explanation: "Subnets with CIDR and availability zone (up to 50).",
	},
}

// schemaSummary is injected into translation prompts so the model
// writes Cypher against the labels that actually exist. Kept in sync
// with the loader by TestSchemaSummary_MatchesLoader.
const schemaSummary = `Node labels and key properties:
  AWSOrganization(id), AWSOrganizationalUnit(id, name), AWSAccount(id, name),
  VPC(id, name, cidr, region), Subnet(id, cidr, availability_zone),
  TransitGateway(id), SecurityGroup(id, name),
  IAMRole(arn, name), IAMPolicy(arn, name),
  GitHubRepository(full_name), GitHubWorkflow(id, name)
Relationships:
  (AWSOrganization)-[:CONTAINS]->(AWSOrganizationalUnit), (AWSOrganization)-[:CONTAINS]->(AWSAccount),
  (AWSOrganizationalUnit)-[:CONTAINS]->(AWSOrganizationalUnit), (AWSOrganizationalUnit)-[:CONTAINS]->(AWSAccount),
  (AWSAccount)-[:OWNS]->(VPC), (VPC)-[:CONTAINS]->(Subnet), (VPC)-[:CONTAINS]->(SecurityGroup),
  (VPC)-[:ATTACHED_TO]->(TransitGateway), (VPC)-[:PEERED_WITH]->(VPC),
  (IAMRole)-[:BELONGS_TO]->(AWSAccount), (IAMRole)-[:TRUSTS]->(AWSAccount),
  (IAMRole)-[:HAS_POLICY]->(IAMPolicy), (GitHubRepository)-[:HAS_WORKFLOW]->(GitHubWorkflow)`

// DocumentSearcher retrieves governance document passages for prompt
// enrichment. *knowledge.Store satisfies it.
type DocumentSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]knowledge.Result, error)
}

// QueryEngine turns questions into Cypher and executes them.
type QueryEngine struct {
	graph            GraphRunner
	llmClient        llm.Client
	cache            *TranslationCache
	docs             DocumentSearcher
	contextInjection bool
	logger           *logging.Logger
}

// NewQueryEngine wires the engine. llmClient may be a DisabledClient;
// cache may be nil to skip translation caching.
func NewQueryEngine(g GraphRunner, llmClient llm.Client, cache *TranslationCache,
	contextInjection bool, logger *logging.Logger) *QueryEngine {
	if logger == nil {
		logger = logging.Default()
	}
	return &QueryEngine{
		graph:            g,
		llmClient:        llmClient,
		cache:            cache,
		contextInjection: contextInjection,
		logger:           logger,
	}
}

// UseDocumentSearch enriches translation prompts with passages from
// the governance knowledge base.
func (e *QueryEngine) UseDocumentSearch(docs DocumentSearcher) {
	e.docs = docs
}

// Execute answers one question. The result always carries the question
// back; failures fill Error instead of returning a Go error so the HTTP
// and CLI layers can render them uniformly.
func (e *QueryEngine) Execute(ctx context.Context, question string) (result *QueryResult) {
	ctx, span := analystTracer.Start(ctx, "QueryEngine.Execute")
	defer span.End()

	path := "none"
	start := time.Now()
	defer func() {
		queryDuration.Observe(time.Since(start).Seconds())
		outcome := "ok"
		if result.Error != "" {
			outcome = "error"
		}
		queryTotal.WithLabelValues(path, outcome).Inc()
	}()

	question = strings.TrimSpace(question)
	if question == "" {
		return &QueryResult{Question: question, Error: "question is empty"}
	}

	if IsCypher(question) {
		path = "cypher"
		span.SetAttributes(attribute.String("analyst.path", path))
		return e.runCypher(ctx, question, question, "")
	}

	if cypher, explanation, ok := matchPattern(question); ok {
		path = "pattern"
		span.SetAttributes(attribute.String("analyst.path", path))
		return e.runCypher(ctx, question, cypher, explanation)
	}

	path = "llm"
	cypher, err := e.translate(ctx, question)
	if err != nil {
		if errors.Is(err, llm.ErrLLMDisabled) {
			return &QueryResult{
				Question: question,
				Error: "could not translate question to Cypher: no pattern matched and " +
					"the llm provider is disabled (set llm.provider in cloudstrate-config.yaml)",
			}
		}
		span.RecordError(err)
		return &QueryResult{Question: question, Error: fmt.Sprintf("translation failed: %v", err)}
	}
	span.SetAttributes(attribute.String("analyst.path", path))
	return e.runCypher(ctx, question, cypher, "Translated from natural language.")
}

// IsCypher reports whether the input starts with a Cypher keyword.
func IsCypher(text string) bool {
	upper := strings.ToUpper(strings.TrimSpace(text))
	for _, prefix := range cypherPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

func matchPattern(question string) (cypher, explanation string, ok bool) {
	lower := strings.ToLower(question)
	for _, p := range queryPatterns {
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				return p.cypher, p.explanation, true
			}
		}
	}
	return "", "", false
}

func (e *QueryEngine) runCypher(ctx context.Context, question, cypher, explanation string) *QueryResult {
	rows, err := e.graph.Run(ctx, cypher, nil)
	if err != nil {
		e.logger.Warn("query failed", "cypher", cypher, "error", err)
		return &QueryResult{Question: question, Cypher: cypher, Error: err.Error()}
	}
	if explanation == "" {
		explanation = fmt.Sprintf("Executed Cypher query, returned %d results.", len(rows))
	}
	return &QueryResult{
		Question:    question,
		Cypher:      cypher,
		Data:        rows,
		Explanation: explanation,
	}
}

// translate asks the LLM for Cypher, consulting the cache first.
func (e *QueryEngine) translate(ctx context.Context, question string) (string, error) {
	key := normalizeQuestion(question)
	if e.cache != nil {
		if cypher, ok := e.cache.Get(key); ok {
			translationCacheTotal.WithLabelValues("hit").Inc()
			e.logger.Debug("translation cache hit", "question", key)
			return cypher, nil
		}
		translationCacheTotal.WithLabelValues("miss").Inc()
	}

	prompt := buildTranslationPrompt(question, e.contextInjection, e.governanceNotes(ctx, question))
	raw, err := e.llmClient.Generate(ctx, prompt, llm.GenerationParams{})
	if err != nil {
		return "", err
	}
	cypher := extractCypher(raw)
	if cypher == "" {
		return "", fmt.Errorf("llm response contained no Cypher: %q", truncate(raw, 200))
	}
	if !IsCypher(cypher) {
		return "", fmt.Errorf("llm produced something other than Cypher: %q", truncate(cypher, 200))
	}

	if e.cache != nil {
		if err := e.cache.Put(key, cypher); err != nil {
			e.logger.Warn("failed to cache translation", "error", err)
		}
	}
	return cypher, nil
}

// maxGovernanceNotes bounds prompt growth from document retrieval.
const maxGovernanceNotes = 3

// governanceNotes pulls the closest document passages for the
// question. Retrieval failures only cost the enrichment.
func (e *QueryEngine) governanceNotes(ctx context.Context, question string) []knowledge.Result {
	if e.docs == nil {
		return nil
	}
	notes, err := e.docs.Search(ctx, question, maxGovernanceNotes)
	if err != nil {
		e.logger.Warn("knowledge search failed", "error", err)
		return nil
	}
	return notes
}

func buildTranslationPrompt(question string, injectSchema bool, notes []knowledge.Result) string {
	var sb strings.Builder
	sb.WriteString("Translate the question into a single read-only Cypher query for Neo4j.\n")
	sb.WriteString("Rules: MATCH/RETURN only, no writes, include LIMIT 50 unless the question asks for a count, ")
	sb.WriteString("respond with the Cypher query alone and no commentary.\n\n")
	if injectSchema {
		sb.WriteString("Graph schema:\n")
		sb.WriteString(schemaSummary)
		sb.WriteString("\n\n")
	}
	if len(notes) > 0 {
		sb.WriteString("Governance notes:\n")
		for _, note := range notes {
			sb.WriteString("- ")
			sb.WriteString(truncate(note.Content, 300))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Question: ")
	sb.WriteString(question)
	return sb.String()
}

// extractCypher strips markdown fences and surrounding prose from an
// LLM response, keeping the first statement that looks like Cypher.
func extractCypher(raw string) string {
	text := strings.TrimSpace(raw)
	if start := strings.Index(text, "```"); start >= 0 {
		rest := text[start+3:]
		rest = strings.TrimPrefix(rest, "cypher")
		rest = strings.TrimPrefix(rest, "\n")
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		text = strings.TrimSpace(rest)
	}
	for _, line := range strings.Split(text, "\n") {
		if IsCypher(line) {
			// Cypher may continue over following lines; keep the rest
			// of the block from here.
			idx := strings.Index(text, line)
			return strings.TrimSpace(text[idx:])
		}
	}
	return ""
}

func normalizeQuestion(question string) string {
	lower := strings.ToLower(strings.TrimSpace(question))
	lower = strings.TrimRight(lower, "?!. ")
	return strings.Join(strings.Fields(lower), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
