// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/service/athena"
	"github.com/gin-gonic/gin"

	"github.com/cloudstrate/cloudstrate/services/graph"
	"github.com/cloudstrate/cloudstrate/services/llm"
)

type fakeReporter struct {
	connected bool
	counts    map[string]int64
	statsErr  error
}

func (f *fakeReporter) Status(_ context.Context) *graph.Status {
	return &graph.Status{Connected: f.connected}
}

func (f *fakeReporter) NodeCountsByLabel(_ context.Context) (map[string]int64, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return f.counts, nil
}

func newTestRouter(reporter *fakeReporter, cloudtrail *CloudTrailQuerier, provider AuthProvider) *gin.Engine {
	g := &fakeGraph{rows: []map[string]any{
		{"name": "prod", "id": "111111111111"},
	}}
	engine := NewQueryEngine(g, llm.NewDisabledClient(), nil, false, nil)
	return NewServer(engine, reporter, cloudtrail, provider, nil).Router()
}

func doRequest(router *gin.Engine, method, path, body string, setup func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if setup != nil {
		setup(req)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestServer_Index(t *testing.T) {
	router := newTestRouter(&fakeReporter{connected: true}, nil, nil)
	w := doRequest(router, http.MethodGet, "/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Cloudstrate Analyst") {
		t.Error("console page missing title")
	}
}

func TestServer_Health(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		want      string
	}{
		{"connected", true, "connected"},
		{"degraded", false, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&fakeReporter{connected: tt.connected}, nil, nil)
			w := doRequest(router, http.MethodGet, "/health", "", nil)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to decode health response: %v", err)
			}
			if body["status"] != "ok" {
				t.Errorf("status field = %q, want ok", body["status"])
			}
			if body["neo4j"] != tt.want {
				t.Errorf("neo4j field = %q, want %q", body["neo4j"], tt.want)
			}
		})
	}
}

func TestServer_Query(t *testing.T) {
	router := newTestRouter(&fakeReporter{connected: true}, nil, nil)
	w := doRequest(router, http.MethodPost, "/api/query",
		`{"question": "show me all accounts"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}

	var result QueryResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.Question != "show me all accounts" {
		t.Errorf("Question = %q", result.Question)
	}
	if !strings.Contains(result.Cypher, "AWSAccount") {
		t.Errorf("Cypher = %q, want the accounts pattern", result.Cypher)
	}
	if len(result.Data) != 1 {
		t.Errorf("len(Data) = %d, want 1", len(result.Data))
	}
}

func TestServer_Query_BadRequest(t *testing.T) {
	router := newTestRouter(&fakeReporter{connected: true}, nil, nil)

	for _, body := range []string{"", "not json", `{"question": ""}`} {
		w := doRequest(router, http.MethodPost, "/api/query", body, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
}

func TestServer_Stats(t *testing.T) {
	reporter := &fakeReporter{connected: true, counts: map[string]int64{
		"AWSAccount": 12,
		"VPC":        4,
	}}
	router := newTestRouter(reporter, nil, nil)
	w := doRequest(router, http.MethodGet, "/api/stats", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body struct {
		NodeCounts map[string]int64 `json:"node_counts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if body.NodeCounts["AWSAccount"] != 12 {
		t.Errorf("AWSAccount count = %d, want 12", body.NodeCounts["AWSAccount"])
	}
}

func TestServer_Stats_Error(t *testing.T) {
	reporter := &fakeReporter{connected: true, statsErr: errors.New("boom")}
	router := newTestRouter(reporter, nil, nil)
	w := doRequest(router, http.MethodGet, "/api/stats", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	router := newTestRouter(&fakeReporter{connected: true}, nil, nil)
	w := doRequest(router, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "cloudstrate_analyst_query_duration_seconds") {
		t.Error("metrics output missing analyst histogram")
	}
}

func TestServer_AuthEnforcedOnAPIOnly(t *testing.T) {
	t.Setenv("CLOUDSTRATE_API_KEY", "sekret")
	provider, err := NewAPIKeyAuthProvider("CLOUDSTRATE_API_KEY")
	if err != nil {
		t.Fatalf("NewAPIKeyAuthProvider: %v", err)
	}
	router := newTestRouter(&fakeReporter{connected: true}, nil, provider)

	// Health stays open: the container healthcheck has no credentials.
	if w := doRequest(router, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("GET /health without key: status = %d, want 200", w.Code)
	}
	if w := doRequest(router, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusOK {
		t.Errorf("GET /metrics without key: status = %d, want 200", w.Code)
	}

	w := doRequest(router, http.MethodPost, "/api/query", `{"question": "MATCH (n) RETURN n"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("POST /api/query without key: status = %d, want 401", w.Code)
	}

	w = doRequest(router, http.MethodPost, "/api/query", `{"question": "MATCH (n) RETURN n"}`,
		func(r *http.Request) { r.Header.Set("X-API-Key", "sekret") })
	if w.Code != http.StatusOK {
		t.Errorf("POST /api/query with key: status = %d, want 200", w.Code)
	}
}

func TestServer_CloudTrail(t *testing.T) {
	fake := &fakeAthena{
		states: []string{athena.QueryExecutionStateSucceeded},
		resultSet: athenaResultSet(
			[]string{"eventtime", "eventname"},
			[]string{"2026-08-25T10:00:00Z", "ConsoleLogin"},
		),
	}
	router := newTestRouter(&fakeReporter{connected: true}, newTestQuerier(fake), nil)

	w := doRequest(router, http.MethodGet, "/api/cloudtrail/query?event_name=ConsoleLogin&limit=5", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	var body struct {
		Events []map[string]string `json:"events"`
		Count  int                 `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Count != 1 || len(body.Events) != 1 {
		t.Fatalf("count = %d, events = %d, want 1 each", body.Count, len(body.Events))
	}
	if body.Events[0]["eventname"] != "ConsoleLogin" {
		t.Errorf("eventname = %q", body.Events[0]["eventname"])
	}
}

func TestServer_CloudTrail_BadInput(t *testing.T) {
	router := newTestRouter(&fakeReporter{connected: true}, newTestQuerier(&fakeAthena{}), nil)

	w := doRequest(router, http.MethodGet, "/api/cloudtrail/query?event_name=Console%20Login", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid event_name: status = %d, want 400", w.Code)
	}

	w = doRequest(router, http.MethodGet, "/api/cloudtrail/query?limit=zero", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid limit: status = %d, want 400", w.Code)
	}
}

func TestServer_CloudTrail_NotRegisteredWhenDisabled(t *testing.T) {
	router := newTestRouter(&fakeReporter{connected: true}, nil, nil)
	w := doRequest(router, http.MethodGet, "/api/cloudtrail/query", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when cloudtrail is disabled", w.Code)
	}
}
