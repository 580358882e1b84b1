// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mapper

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/cloudstrate/cloudstrate/pkg/logging"
)

var reviewUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ReviewServer serves a MappingState for interactive review. Decisions
// made through the API are persisted back to the state file; external
// edits to the file are picked up by an fsnotify watch and pushed to
// connected websocket clients.
type ReviewServer struct {
	// StatePath is the mapping state file to serve and persist.
	StatePath string

	logger *logging.Logger

	mu    sync.RWMutex
	state *MappingState

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]struct{}
}

// NewReviewServer loads the state file and returns a server ready to
// run. A missing state file is an error; phase 1 must run first.
func NewReviewServer(statePath string, logger *logging.Logger) (*ReviewServer, error) {
	if logger == nil {
		logger = logging.Default()
	}
	state, err := LoadState(statePath)
	if err != nil {
		return nil, err
	}
	return &ReviewServer{
		StatePath: statePath,
		logger:    logger,
		state:     state,
		clients:   make(map[*websocket.Conn]struct{}),
	}, nil
}

// Router builds the gin engine with all review routes registered.
func (s *ReviewServer) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", s.handleIndex)
	router.GET("/api/state", s.handleState)
	router.GET("/api/proposals", s.handleProposals)
	router.POST("/api/proposals/:id/accept", s.handleDecision(ProposalAccepted))
	router.POST("/api/proposals/:id/reject", s.handleDecision(ProposalRejected))
	router.GET("/ws", s.handleWebSocket)
	return router
}

// Run serves the review UI until ctx is cancelled. It also starts the
// state-file watcher so edits made outside the UI appear live.
func (s *ReviewServer) Run(ctx context.Context, addr string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory rather than the file: the atomic
	// temp-and-rename save replaces the inode, which would orphan a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.StatePath)); err != nil {
		s.logger.Warn("failed to watch state file, live reload disabled",
			"path", s.StatePath, "error", err)
	} else {
		go s.watchLoop(ctx, watcher)
	}

	srv := &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("review server listening", "addr", addr, "state", s.StatePath)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *ReviewServer) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	target := filepath.Clean(s.StatePath)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("state file watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

// reload re-reads the state file and notifies websocket clients. A
// transient read failure (editor mid-save) keeps the previous state.
func (s *ReviewServer) reload() {
	state, err := LoadState(s.StatePath)
	if err != nil {
		s.logger.Warn("failed to reload mapping state", "error", err)
		return
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.Info("mapping state reloaded", "path", s.StatePath)
	s.broadcast()
}

func (s *ReviewServer) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(reviewPageHTML))
}

func (s *ReviewServer) handleState(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c.JSON(http.StatusOK, s.state)
}

func (s *ReviewServer) handleProposals(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proposals := s.state.Proposals
	if proposals == nil {
		proposals = []Proposal{}
	}
	c.JSON(http.StatusOK, proposals)
}

func (s *ReviewServer) handleDecision(status string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		s.mu.Lock()
		p := s.state.FindProposal(id)
		if p == nil {
			s.mu.Unlock()
			c.JSON(http.StatusNotFound, gin.H{"error": "proposal not found"})
			return
		}
		p.Status = status
		resolved := *p
		err := s.state.Write(s.StatePath)
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("failed to persist decision", "proposal", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist decision"})
			return
		}
		s.logger.Info("proposal resolved", "proposal", id, "status", status)
		s.broadcast()
		c.JSON(http.StatusOK, resolved)
	}
}

func (s *ReviewServer) handleWebSocket(c *gin.Context) {
	ws, err := reviewUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	s.clientsMu.Lock()
	s.clients[ws] = struct{}{}
	s.clientsMu.Unlock()
	s.logger.Info("review client connected")

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, ws)
		s.clientsMu.Unlock()
	}()

	// Clients never send meaningful messages; the read loop just
	// detects disconnects.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			s.logger.Info("review client disconnected", "error", err.Error())
			return
		}
	}
}

func (s *ReviewServer) clientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// broadcast tells every connected client the state changed. Clients
// refetch /api/state rather than diffing a payload.
func (s *ReviewServer) broadcast() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for ws := range s.clients {
		if err := ws.WriteJSON(map[string]string{"type": "state_updated"}); err != nil {
			s.logger.Warn("dropping unreachable review client", "error", err)
			ws.Close()
			delete(s.clients, ws)
		}
	}
}

const reviewPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Cloudstrate Mapping Review</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem auto; max-width: 56rem; color: #1a2233; }
h1 { font-size: 1.4rem; }
table { border-collapse: collapse; width: 100%; margin-top: 1rem; }
th, td { text-align: left; padding: 0.5rem 0.75rem; border-bottom: 1px solid #d8dee9; }
.status-pending { color: #9a6700; }
.status-accepted { color: #116329; }
.status-rejected { color: #a40e26; }
button { margin-right: 0.5rem; padding: 0.25rem 0.75rem; cursor: pointer; }
#summary { color: #57606a; }
</style>
</head>
<body>
<h1>Cloudstrate Mapping Review</h1>
<p id="summary"></p>
<table>
<thead><tr><th>Proposal</th><th>Type</th><th>Description</th><th>Status</th><th></th></tr></thead>
<tbody id="proposals"></tbody>
</table>
<script>
async function refresh() {
  const res = await fetch('/api/state');
  const state = await res.json();
  document.getElementById('summary').textContent =
    (state.security_zones || []).length + ' security zones, ' +
    (state.subtenants || []).length + ' subtenants, ' +
    (state.proposals || []).length + ' proposals';
  const tbody = document.getElementById('proposals');
  tbody.innerHTML = '';
  for (const p of state.proposals || []) {
    const tr = document.createElement('tr');
    const actions = p.status === 'pending'
      ? '<button onclick="decide(\'' + p.id + '\', \'accept\')">Accept</button>' +
        '<button onclick="decide(\'' + p.id + '\', \'reject\')">Reject</button>'
      : '';
    tr.innerHTML = '<td>' + p.id + '</td><td>' + p.type + '</td><td>' + p.description +
      '</td><td class="status-' + p.status + '">' + p.status + '</td><td>' + actions + '</td>';
    tbody.appendChild(tr);
  }
}
async function decide(id, verdict) {
  await fetch('/api/proposals/' + id + '/' + verdict, { method: 'POST' });
  refresh();
}
const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
ws.onmessage = () => refresh();
refresh();
</script>
</body>
</html>
`
