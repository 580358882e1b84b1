// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cloudstrate/cloudstrate/pkg/config"
)

// fakeWeaviate serves the REST routes the client uses: readiness,
// schema get/create, batch import, and GraphQL.
type fakeWeaviate struct {
	t            *testing.T
	mu           sync.Mutex
	ready        bool
	classExists  bool
	createdClass map[string]any
	batches      [][]map[string]any
	lastQuery    string
	searchRows   []map[string]any
	searchErrors []map[string]any
}

func (f *fakeWeaviate) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/.well-known/ready", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.ready {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/v1/schema/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.classExists {
			writeJSON(w, http.StatusOK, map[string]any{"class": governanceDocClass})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"error": []map[string]any{{"message": "class not found"}}})
	})
	mux.HandleFunc("/v1/schema", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var class map[string]any
		if err := json.NewDecoder(r.Body).Decode(&class); err != nil {
			f.t.Errorf("create schema: bad body: %v", err)
		}
		f.createdClass = class
		f.classExists = true
		writeJSON(w, http.StatusOK, class)
	})
	mux.HandleFunc("/v1/batch/objects", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req struct {
			Objects []map[string]any `json:"objects"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			f.t.Errorf("batch import: bad body: %v", err)
		}
		f.batches = append(f.batches, req.Objects)
		resp := make([]map[string]any, len(req.Objects))
		for i, obj := range req.Objects {
			resp[i] = map[string]any{
				"class":  obj["class"],
				"id":     obj["id"],
				"result": map[string]any{"status": "SUCCESS"},
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})
	mux.HandleFunc("/v1/graphql", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			f.t.Errorf("graphql: bad body: %v", err)
		}
		f.lastQuery = req.Query
		if f.searchErrors != nil {
			writeJSON(w, http.StatusOK, map[string]any{"errors": f.searchErrors})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": map[string]any{
				"Get": map[string]any{governanceDocClass: f.searchRows},
			},
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestStore(t *testing.T, fake *fakeWeaviate) *Store {
	t.Helper()
	fake.t = t
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	store, err := New(context.Background(), config.KnowledgeConfig{
		Enabled:        true,
		VectorStore:    "weaviate",
		WeaviateURL:    srv.URL,
		EmbeddingModel: "nomic-embed-text",
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestNew_DisabledByConfig(t *testing.T) {
	store, err := New(context.Background(), config.KnowledgeConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if store.Available() {
		t.Error("Available() = true for a disabled store")
	}
	results, err := store.Search(context.Background(), "anything", 5)
	if err != nil || results != nil {
		t.Errorf("Search on disabled store = (%v, %v), want (nil, nil)", results, err)
	}
	if _, err := store.Ingest(context.Background(), "doc.md"); err == nil {
		t.Error("Ingest on disabled store succeeded")
	}
}

func TestNew_DegradesWhenUnreachable(t *testing.T) {
	fake := &fakeWeaviate{ready: false}
	store := newTestStore(t, fake)
	if store.Available() {
		t.Error("Available() = true with weaviate not ready")
	}
	results, err := store.Search(context.Background(), "anything", 5)
	if err != nil || results != nil {
		t.Errorf("Search on degraded store = (%v, %v), want (nil, nil)", results, err)
	}
}

func TestNew_CreatesSchemaWhenMissing(t *testing.T) {
	fake := &fakeWeaviate{ready: true, classExists: false}
	store := newTestStore(t, fake)
	if !store.Available() {
		t.Fatal("Available() = false, want true")
	}
	if fake.createdClass == nil {
		t.Fatal("class was not created")
	}
	if got := fake.createdClass["class"]; got != governanceDocClass {
		t.Errorf("created class = %v, want %q", got, governanceDocClass)
	}
	if got := fake.createdClass["vectorizer"]; got != "text2vec-ollama" {
		t.Errorf("vectorizer = %v, want text2vec-ollama", got)
	}
	moduleConfig, _ := fake.createdClass["moduleConfig"].(map[string]any)
	ollama, _ := moduleConfig["text2vec-ollama"].(map[string]any)
	if got := ollama["model"]; got != "nomic-embed-text" {
		t.Errorf("embedding model = %v, want nomic-embed-text", got)
	}
	props, _ := fake.createdClass["properties"].([]any)
	if len(props) != 3 {
		t.Errorf("properties = %d, want 3 (content, source, section)", len(props))
	}
}

func TestNew_SkipsSchemaWhenPresent(t *testing.T) {
	fake := &fakeWeaviate{ready: true, classExists: true}
	store := newTestStore(t, fake)
	if !store.Available() {
		t.Fatal("Available() = false, want true")
	}
	if fake.createdClass != nil {
		t.Error("schema was recreated although the class exists")
	}
}

func TestNew_RejectsUnknownVectorStore(t *testing.T) {
	_, err := New(context.Background(), config.KnowledgeConfig{
		Enabled:     true,
		VectorStore: "pinecone",
	}, nil)
	if err == nil {
		t.Fatal("New accepted an unknown vector store")
	}
	if !strings.Contains(err.Error(), `"pinecone"`) {
		t.Errorf("error = %q", err)
	}
}

func TestStore_Ingest(t *testing.T) {
	fake := &fakeWeaviate{ready: true, classExists: true}
	store := newTestStore(t, fake)

	doc := filepath.Join(t.TempDir(), "tagging-policy.md")
	content := strings.Repeat("All production accounts carry the cost-center tag. ", 60)
	if err := os.WriteFile(doc, []byte(content), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}

	stored, err := store.Ingest(context.Background(), doc)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(fake.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(fake.batches))
	}
	objects := fake.batches[0]
	if stored != len(objects) {
		t.Errorf("stored = %d, want %d (all batch objects)", stored, len(objects))
	}
	if len(objects) < 2 {
		t.Fatalf("objects = %d, want at least 2 chunks for a %d byte document", len(objects), len(content))
	}
	first := objects[0]
	if got := first["class"]; got != governanceDocClass {
		t.Errorf("object class = %v, want %q", got, governanceDocClass)
	}
	if id, _ := first["id"].(string); id == "" {
		t.Error("object has no id")
	}
	props, _ := first["properties"].(map[string]any)
	if got := props["source"]; got != doc {
		t.Errorf("source = %v, want %q", got, doc)
	}
	if got := props["section"]; got != "part_1" {
		t.Errorf("section = %v, want part_1", got)
	}
	if text, _ := props["content"].(string); !strings.Contains(text, "cost-center") {
		t.Errorf("content = %q, want chunk of the document", text)
	}

	// Same document, same chunk ids: re-ingest must not duplicate.
	if _, err := store.Ingest(context.Background(), doc); err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	second := fake.batches[1]
	for i := range objects {
		if objects[i]["id"] != second[i]["id"] {
			t.Errorf("chunk %d id changed between ingests: %v vs %v", i, objects[i]["id"], second[i]["id"])
		}
	}
}

func TestStore_IngestMissingFile(t *testing.T) {
	fake := &fakeWeaviate{ready: true, classExists: true}
	store := newTestStore(t, fake)
	_, err := store.Ingest(context.Background(), filepath.Join(t.TempDir(), "absent.md"))
	if err == nil {
		t.Fatal("Ingest of a missing file succeeded")
	}
}

func TestStore_Search(t *testing.T) {
	fake := &fakeWeaviate{
		ready:       true,
		classExists: true,
		searchRows: []map[string]any{
			{
				"content":     "Production accounts require the cost-center tag.",
				"source":      "docs/tagging-policy.md",
				"section":     "part_2",
				"_additional": map[string]any{"certainty": 0.91},
			},
			{
				"content":     "Sandbox accounts are exempt from tagging.",
				"source":      "docs/tagging-policy.md",
				"section":     "part_5",
				"_additional": map[string]any{"certainty": 0.74},
			},
		},
	}
	store := newTestStore(t, fake)

	results, err := store.Search(context.Background(), "which accounts need tags", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Content != "Production accounts require the cost-center tag." {
		t.Errorf("content = %q", results[0].Content)
	}
	if results[0].Source != "docs/tagging-policy.md" || results[0].Section != "part_2" {
		t.Errorf("source/section = %q/%q", results[0].Source, results[0].Section)
	}
	if results[0].Certainty != 0.91 {
		t.Errorf("certainty = %v, want 0.91", results[0].Certainty)
	}

	if !strings.Contains(fake.lastQuery, "nearText") {
		t.Errorf("query %q does not use nearText", fake.lastQuery)
	}
	if !strings.Contains(fake.lastQuery, governanceDocClass) {
		t.Errorf("query %q does not name %s", fake.lastQuery, governanceDocClass)
	}
	if !strings.Contains(fake.lastQuery, "certainty") {
		t.Errorf("query %q does not request certainty", fake.lastQuery)
	}
}

func TestStore_SearchGraphQLError(t *testing.T) {
	fake := &fakeWeaviate{
		ready:        true,
		classExists:  true,
		searchErrors: []map[string]any{{"message": "vectorizer module not ready"}},
	}
	store := newTestStore(t, fake)
	_, err := store.Search(context.Background(), "anything", 2)
	if err == nil {
		t.Fatal("Search succeeded despite GraphQL errors")
	}
	if !strings.Contains(err.Error(), "vectorizer module not ready") {
		t.Errorf("error = %q, want the GraphQL message", err)
	}
}

func TestClientConfig(t *testing.T) {
	tests := []struct {
		url, host, scheme string
	}{
		{"http://localhost:8080", "localhost:8080", "http"},
		{"https://weaviate.internal:443", "weaviate.internal:443", "https"},
		{"localhost:8080", "localhost:8080", "http"},
	}
	for _, tt := range tests {
		cfg := clientConfig(tt.url)
		if cfg.Host != tt.host || cfg.Scheme != tt.scheme {
			t.Errorf("clientConfig(%q) = %s://%s, want %s://%s", tt.url, cfg.Scheme, cfg.Host, tt.scheme, tt.host)
		}
	}
}
