// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package knowledge stores governance documents (policies, runbooks,
// account notes) in Weaviate so the analyst can pull relevant passages
// into translation prompts. The store is optional: when Weaviate is
// unreachable it degrades to disabled and the analyst keeps answering
// without document context.
package knowledge

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cloudstrate/cloudstrate/pkg/config"
	"github.com/cloudstrate/cloudstrate/pkg/logging"
)

var knowledgeTracer = otel.Tracer("cloudstrate.knowledge")

const governanceDocClass = "GovernanceDoc"

const (
	chunkSize          = 1000
	chunkOverlap       = 100
	defaultSearchLimit = 5
	readyTimeout       = 5 * time.Second
)

// Result is one retrieved document chunk.
type Result struct {
	Content   string
	Source    string
	Section   string
	Certainty float64
}

// Store wraps a Weaviate class holding chunked governance documents.
type Store struct {
	client    *weaviate.Client
	logger    *logging.Logger
	available bool
}

// New connects to Weaviate and ensures the document class exists. An
// unreachable Weaviate is not an error: the store comes back disabled
// with a warning so callers degrade instead of failing.
func New(ctx context.Context, cfg config.KnowledgeConfig, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if !cfg.Enabled {
		return &Store{logger: logger}, nil
	}
	if cfg.VectorStore != "" && cfg.VectorStore != "weaviate" {
		return nil, fmt.Errorf("unknown vector store %q (only weaviate is supported)", cfg.VectorStore)
	}
	url := cfg.WeaviateURL
	if url == "" {
		url = "http://localhost:8080"
	}
	client, err := weaviate.NewClient(clientConfig(url))
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}
	store := &Store{client: client, logger: logger}

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	ready, err := client.Misc().ReadyChecker().Do(readyCtx)
	if err != nil || !ready {
		if err == nil {
			err = errors.New("readiness check reported not ready")
		}
		logger.Warn("knowledge base disabled, weaviate is unreachable", "url", url, "error", err)
		return store, nil
	}

	if err := store.ensureSchema(ctx, cfg.EmbeddingModel); err != nil {
		return nil, err
	}
	store.available = true
	logger.Info("knowledge base connected", "url", url, "class", governanceDocClass)
	return store, nil
}

// clientConfig splits a URL into the host and scheme the client wants.
func clientConfig(url string) weaviate.Config {
	cfg := weaviate.Config{Host: url, Scheme: "http"}
	if strings.HasPrefix(url, "https://") {
		cfg.Scheme = "https"
		cfg.Host = strings.TrimPrefix(url, "https://")
	} else if strings.HasPrefix(url, "http://") {
		cfg.Host = strings.TrimPrefix(url, "http://")
	}
	return cfg
}

// Available reports whether searches will reach Weaviate. Safe on a
// nil store.
func (s *Store) Available() bool {
	return s != nil && s.available
}

func (s *Store) ensureSchema(ctx context.Context, embeddingModel string) error {
	_, err := s.client.Schema().ClassGetter().WithClassName(governanceDocClass).Do(ctx)
	if err == nil {
		return nil
	}
	class := governanceDocSchema(embeddingModel)
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create weaviate class %s: %w", governanceDocClass, err)
	}
	s.logger.Info("created weaviate class", "class", governanceDocClass)
	return nil
}

func governanceDocSchema(embeddingModel string) *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       governanceDocClass,
		Description: "A chunk of a governance document.",
		Vectorizer:  "text2vec-ollama",
		ModuleConfig: map[string]interface{}{
			"text2vec-ollama": map[string]interface{}{
				"model": embeddingModel,
			},
		},
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The chunk text.",
				Tokenization: "word",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Path of the ingested document.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "section",
				DataType:        []string{"text"},
				Description:     "Chunk position within the document.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

// Ingest splits the document at path into overlapping chunks and
// stores them in one batch. Returns the number of chunks stored.
func (s *Store) Ingest(ctx context.Context, path string) (int, error) {
	ctx, span := knowledgeTracer.Start(ctx, "knowledge.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("document.path", path))

	if !s.Available() {
		return 0, errors.New("knowledge base is not available (is weaviate running and knowledge.enabled set?)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read document: %w", err)
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
	)
	chunks, err := splitter.SplitText(string(data))
	if err != nil {
		return 0, fmt.Errorf("failed to split document: %w", err)
	}
	if len(chunks) == 0 {
		s.logger.Warn("document produced no chunks", "path", path)
		return 0, nil
	}

	objects := make([]*models.Object, len(chunks))
	for i, chunk := range chunks {
		// The ID derives from source and content, so re-ingesting an
		// unchanged document overwrites instead of duplicating.
		hash := sha256.Sum256([]byte(path + "\x00" + chunk))
		id, err := uuid.FromBytes(hash[:16])
		if err != nil {
			return 0, fmt.Errorf("failed to derive chunk id: %w", err)
		}
		objects[i] = &models.Object{
			Class: governanceDocClass,
			ID:    strfmt.UUID(id.String()),
			Properties: map[string]interface{}{
				"content": chunk,
				"source":  path,
				"section": fmt.Sprintf("part_%d", i+1),
			},
		}
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch import failed")
		return 0, fmt.Errorf("failed to store document chunks: %w", err)
	}

	stored := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			stored++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, e := range item.Result.Errors.Error {
				s.logger.Warn("weaviate rejected a chunk", "path", path, "error", e.Message)
			}
		}
	}
	s.logger.Info("document ingested", "path", path, "chunks", stored)
	span.SetAttributes(attribute.Int("document.chunks", stored))
	return stored, nil
}

// Search runs a semantic query and returns the closest chunks with
// their certainty. A disabled store returns no results and no error.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if !s.Available() {
		return nil, nil
	}
	ctx, span := knowledgeTracer.Start(ctx, "knowledge.Search")
	defer span.End()
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	span.SetAttributes(attribute.Int("search.limit", limit))

	nearText := s.client.GraphQL().NearTextArgBuilder().WithConcepts([]string{query})
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "section"},
		{Name: "_additional { certainty }"},
	}
	resp, err := s.client.GraphQL().Get().
		WithClassName(governanceDocClass).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, fmt.Errorf("knowledge search failed: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("knowledge search failed: %s", resp.Errors[0].Message)
	}

	results := parseResults(resp)
	span.SetAttributes(attribute.Int("search.results", len(results)))
	return results, nil
}

func parseResults(resp *models.GraphQLResponse) []Result {
	data, ok := resp.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[governanceDocClass].([]interface{})
	if !ok {
		return nil
	}
	results := make([]Result, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		r := Result{
			Content: getString(m, "content"),
			Source:  getString(m, "source"),
			Section: getString(m, "section"),
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				r.Certainty = certainty
			}
		}
		results = append(results, r)
	}
	return results
}

func getString(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}
