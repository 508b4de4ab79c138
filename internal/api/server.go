// Package api implements the HTTP surface of the memory daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/toybox-ai/memoryd/internal/buildinfo"
	"github.com/toybox-ai/memoryd/internal/manager"
	"github.com/toybox-ai/memoryd/internal/memory"
	"github.com/toybox-ai/memoryd/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	mgr     *manager.Manager
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, mgr *manager.Manager, logger *slog.Logger) *Server {
	return &Server{address: address, port: port, mgr: mgr, logger: logger}
}

// Handler builds the route table. Exposed separately so tests can serve it
// through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Session lifecycle
	mux.HandleFunc("POST /session/start", s.handleSessionStart)
	mux.HandleFunc("POST /session/message", s.handleSessionMessage)
	mux.HandleFunc("POST /session/end", s.handleSessionEnd)

	// Memory context for prompt construction
	mux.HandleFunc("POST /context", s.handleContext)

	// Profiles
	mux.HandleFunc("GET /profile/{userId}", s.handleProfileGet)
	mux.HandleFunc("PUT /profile", s.handleProfilePut)

	// Introspection and portability
	mux.HandleFunc("GET /stats/{userId}", s.handleStats)
	mux.HandleFunc("GET /export/{userId}", s.handleExport)
	mux.HandleFunc("POST /import", s.handleImport)

	// Maintenance
	mux.HandleFunc("POST /maintenance/forget/{userId}", s.handleForget)
	mux.HandleFunc("POST /maintenance/cleanup", s.handleCleanup)

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. ctx becomes the base context of
// every request, so cancelling it cancels in-flight handlers.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, manager.ErrUnknownSession), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, manager.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": err.Error()}, s.logger)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]string{"error": "invalid JSON body: " + err.Error()}, s.logger)
		return false
	}
	return true
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	id, err := s.mgr.StartSession(r.Context(), req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"session_id": id}, s.logger)
}

func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Role      string `json:"role"`
		Text      string `json:"text"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	seq, err := s.mgr.AddMessage(r.Context(), req.SessionID, memory.Role(req.Role), req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]int{"seq": seq}, s.logger)
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	episode, err := s.mgr.EndSession(r.Context(), req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"episode": episode}, s.logger)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		UserID    string `json:"user_id"`
		Query     string `json:"query"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	userID := req.UserID
	if req.SessionID != "" {
		resolved, err := s.mgr.SessionUser(req.SessionID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		userID = resolved
	}

	mc, err := s.mgr.GetMemoryContext(r.Context(), userID, req.Query)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"prompt":   mc.SystemPrompt(),
		"profile":  mc.Profile,
		"facts":    mc.Facts,
		"episodes": mc.Episodes,
		"working":  mc.Working,
	}, s.logger)
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.mgr.Profile(r.Context(), r.PathValue("userId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, p, s.logger)
}

func (s *Server) handleProfilePut(w http.ResponseWriter, r *http.Request) {
	var p memory.Profile
	if !s.decode(w, r, &p) {
		return
	}

	if err := s.mgr.PutProfile(r.Context(), &p); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, &p, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.UserStats(r.Context(), r.PathValue("userId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, st, s.logger)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	out, err := s.mgr.ExportUser(r.Context(), r.PathValue("userId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, out, s.logger)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var in manager.Export
	if !s.decode(w, r, &in) {
		return
	}

	if err := s.mgr.ImportUser(r.Context(), &in); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "imported"}, s.logger)
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	removed, err := s.mgr.Forget(r.Context(), r.PathValue("userId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]int{"removed": removed}, s.logger)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.mgr.Cleanup(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]int{"removed": removed}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}
