// Package api serves the operator surface: fleet status and pause/resume
// controls over plain HTTP. It is a thin shim over the orchestrator and
// is disabled by default in config.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"tradeplane/internal/orchestrator"
)

// Server is the control-plane HTTP server.
type Server struct {
	orch   *orchestrator.Orchestrator
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the server on the given port.
func NewServer(port int, orch *orchestrator.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		orch:   orch,
		logger: logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /control/pause", s.handlePause)
	mux.HandleFunc("POST /control/resume", s.handleResume)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.logger.Info("api server listening", "addr", s.srv.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Snapshot())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleCommand(w, r, "pause")
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleCommand(w, r, "resume")
}

// handleCommand fans a pause/resume out to the fleet, or to a single agent
// when the `agent` query param is set.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, command string) {
	target := r.URL.Query().Get("agent")
	if err := s.orch.SendCommand(r.Context(), command, target); err != nil {
		s.logger.Error("control command failed", "command", command, "target", target, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"command": command,
		"target":  target,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
