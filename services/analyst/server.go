// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyst

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/cloudstrate/cloudstrate/pkg/logging"
	"github.com/cloudstrate/cloudstrate/services/graph"
)

// GraphReporter is the slice of the graph store the server needs beyond
// query execution: health and label statistics.
type GraphReporter interface {
	Status(ctx context.Context) *graph.Status
	NodeCountsByLabel(ctx context.Context) (map[string]int64, error)
}

// Server exposes the analyst over HTTP: a minimal console, the query
// API, stats, and the optional CloudTrail endpoint.
type Server struct {
	engine     *QueryEngine
	graph      GraphReporter
	cloudtrail *CloudTrailQuerier
	provider   AuthProvider
	logger     *logging.Logger
}

// NewServer wires the HTTP surface. cloudtrail may be nil, in which
// case the CloudTrail endpoint is not registered. provider defaults to
// NopAuthProvider when nil.
func NewServer(engine *QueryEngine, g GraphReporter, cloudtrail *CloudTrailQuerier,
	provider AuthProvider, logger *logging.Logger) *Server {
	if provider == nil {
		provider = &NopAuthProvider{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		engine:     engine,
		graph:      g,
		cloudtrail: cloudtrail,
		provider:   provider,
		logger:     logger,
	}
}

// Router builds the gin engine. The console, health check, and metrics
// are open; everything under /api requires authentication. The health
// endpoint must stay open because the container healthcheck cannot
// present credentials.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("cloudstrate-analyst"))

	router.GET("/", s.handleIndex)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(AuthMiddleware(s.provider))
	api.POST("/query", s.handleQuery)
	api.GET("/stats", s.handleStats)
	if s.cloudtrail != nil {
		api.GET("/cloudtrail/query", s.handleCloudTrail)
	}
	return router
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("analyst server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(consolePageHTML))
}

func (s *Server) handleHealth(c *gin.Context) {
	neo4j := "degraded"
	if status := s.graph.Status(c.Request.Context()); status.Connected {
		neo4j = "connected"
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "neo4j": neo4j})
}

type queryRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Question == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "request body must be JSON with a non-empty question field",
		})
		return
	}
	result := s.engine.Execute(c.Request.Context(), req.Question)
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleStats(c *gin.Context) {
	counts, err := s.graph.NodeCountsByLabel(c.Request.Context())
	if err != nil {
		s.logger.Warn("stats query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query node counts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"node_counts": counts})
}

func (s *Server) handleCloudTrail(c *gin.Context) {
	eventName := c.Query("event_name")
	if eventName != "" && !eventNamePattern.MatchString(eventName) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "event_name must contain only letters and digits",
		})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	events, err := s.cloudtrail.QueryEvents(c.Request.Context(), eventName, limit)
	if err != nil {
		s.logger.Warn("cloudtrail query failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "cloudtrail query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

const consolePageHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Cloudstrate Analyst</title>
<style>
  body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 2rem auto; max-width: 58rem; color: #1a2633; }
  h1 { font-size: 1.4rem; }
  textarea { width: 100%; height: 4rem; font: inherit; padding: 0.5rem; box-sizing: border-box; }
  button { margin-top: 0.5rem; padding: 0.4rem 1.2rem; font: inherit; cursor: pointer; }
  table { border-collapse: collapse; width: 100%; margin-top: 1rem; }
  th, td { border: 1px solid #cdd6de; padding: 0.35rem 0.6rem; text-align: left; font-size: 0.9rem; }
  th { background: #eef2f5; }
  pre { background: #f4f6f8; padding: 0.6rem; overflow-x: auto; font-size: 0.85rem; }
  .error { color: #a4262c; }
  .muted { color: #5b6b7a; font-size: 0.9rem; }
</style>
</head>
<body>
<h1>Cloudstrate Analyst</h1>
<p class="muted">Ask a question about your cloud estate, or paste Cypher directly.</p>
<textarea id="question" placeholder="Show me all AWS accounts"></textarea>
<br>
<button onclick="ask()">Ask</button>
<div id="out"></div>
<script>
async function ask() {
  const question = document.getElementById('question').value;
  const out = document.getElementById('out');
  out.innerHTML = '<p class="muted">Running...</p>';
  try {
    const resp = await fetch('/api/query', {
      method: 'POST',
      headers: {'Content-Type': 'application/json'},
      body: JSON.stringify({question})
    });
    render(await resp.json());
  } catch (err) {
    out.innerHTML = '<p class="error">' + err + '</p>';
  }
}
function render(result) {
  const out = document.getElementById('out');
  let html = '';
  if (result.error) {
    html += '<p class="error">' + escapeHTML(result.error) + '</p>';
  }
  if (result.cypher) {
    html += '<pre>' + escapeHTML(result.cypher) + '</pre>';
  }
  if (result.explanation) {
    html += '<p class="muted">' + escapeHTML(result.explanation) + '</p>';
  }
  if (result.data && result.data.length > 0) {
    const cols = Object.keys(result.data[0]);
    html += '<table><tr>' + cols.map(c => '<th>' + escapeHTML(c) + '</th>').join('') + '</tr>';
    for (const row of result.data) {
      html += '<tr>' + cols.map(c => '<td>' + escapeHTML(String(row[c] ?? '')) + '</td>').join('') + '</tr>';
    }
    html += '</table>';
  } else if (!result.error) {
    html += '<p class="muted">No rows returned.</p>';
  }
  out.innerHTML = html;
}
function escapeHTML(s) {
  return s.replace(/[&<>"']/g, ch => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;',"'":'&#39;'}[ch]));
}
</script>
</body>
</html>
`
