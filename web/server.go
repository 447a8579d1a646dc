// Package web serves the HTTP API: posts, media, agent control, and a
// server-sent event stream fed by the bus.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vibesapp/vibes/acp"
	"github.com/vibesapp/vibes/bus"
	"github.com/vibesapp/vibes/config"
	"github.com/vibesapp/vibes/logger"
	"github.com/vibesapp/vibes/opengraph"
	"github.com/vibesapp/vibes/store"
	"github.com/vibesapp/vibes/tasks"
)

// Agent is the slice of the ACP session the handlers need.
type Agent interface {
	Prompt(ctx context.Context, text string) ([]acp.ContentBlock, error)
	RespondPermission(requestID string, outcome acp.PermissionOutcome, optionID string) bool
	Running() bool
}

// Server hosts the HTTP API.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	bus      *bus.Bus
	queue    *tasks.Queue
	previews *opengraph.Service
	agent    Agent
	log      *slog.Logger

	actionsMu sync.RWMutex
	actions   map[string]config.Action

	httpServer *http.Server
}

// NewServer wires the handler dependencies. Call SetActions to install
// the custom actions loaded from the actions file.
func NewServer(cfg *config.Config, st *store.Store, b *bus.Bus, q *tasks.Queue, previews *opengraph.Service, agent Agent) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		bus:      b,
		queue:    q,
		previews: previews,
		agent:    agent,
		log:      logger.WithComponent("web"),
		actions:  map[string]config.Action{},
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetActions replaces the custom action set. Safe to call from the
// actions file watcher while the server is running.
func (s *Server) SetActions(actions []config.Action) {
	m := make(map[string]config.Action, len(actions))
	for _, a := range actions {
		m[a.ID] = a
	}
	s.actionsMu.Lock()
	s.actions = m
	s.actionsMu.Unlock()
	s.log.Info("actions loaded", "count", len(m))
}

func (s *Server) action(id string) (config.Action, bool) {
	s.actionsMu.RLock()
	defer s.actionsMu.RUnlock()
	a, ok := s.actions[id]
	return a, ok
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents/respond", s.handleAgentRespond)
	mux.HandleFunc("POST /api/agents/{id}/actions/{action}", s.handleTriggerAction)

	mux.HandleFunc("GET /api/posts", s.handleTimeline)
	mux.HandleFunc("POST /api/posts", s.handleCreatePost)
	mux.HandleFunc("GET /api/posts/search", s.handleSearch)
	mux.HandleFunc("GET /api/hashtags/{hashtag}", s.handleHashtag)
	mux.HandleFunc("GET /api/posts/{id}/thread", s.handleThread)
	mux.HandleFunc("DELETE /api/posts/{id}", s.handleDeletePost)

	mux.HandleFunc("POST /api/media", s.handleUploadMedia)
	mux.HandleFunc("GET /api/media/{id}", s.handleGetMedia)
	mux.HandleFunc("GET /api/media/{id}/thumbnail", s.handleGetThumbnail)
	mux.HandleFunc("GET /api/media/{id}/info", s.handleMediaInfo)

	mux.HandleFunc("GET /sse/stream", s.handleSSE)

	return corsMiddleware(mux)
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("http server starting", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// corsMiddleware applies an open CORS policy, matching the original
// single-user deployment model.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
