package httpgate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/safety"
)

// ServerConfig holds the gate server settings.
type ServerConfig struct {
	Listen string
}

// Server is the enforcement daemon's HTTP surface: every request passes the
// gate middleware, and a small ops API exposes trust state, quarantine
// release and the audit stream.
type Server struct {
	config    ServerConfig
	gate      *Gate
	hub       *audit.Hub
	safety    *safety.State
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// NewServer wires the gate and the ops API together.
func NewServer(config ServerConfig, gate *Gate, hub *audit.Hub, state *safety.State, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		gate:      gate,
		hub:       hub,
		safety:    state,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("gate server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("gate server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.gate.LoggingMiddleware)
	r.Use(middleware.Recoverer)

	// Ops endpoints never pass the gate: the release endpoint is the
	// operator's recovery path and must stay reachable while quarantined.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/safety/conditions", s.handleConditions)
	r.Post("/safety/release", s.handleRelease)
	r.Get("/audit/events", s.handleEvents)

	// Everything else is evaluated by the controller. Allowed attempts
	// have no upstream mounted here, so they fall through to 404.
	r.Group(func(r chi.Router) {
		r.Use(s.gate.Middleware)
		r.HandleFunc("/*", func(w http.ResponseWriter, req *http.Request) {
			http.NotFound(w, req)
		})
	})

	return r
}

// handleHealthz reports liveness and the current trust level.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"trust_level":    string(s.safety.TrustLevel()),
	})
}

// handleConditions lists active quarantine conditions.
func (s *Server) handleConditions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"trust_level": string(s.safety.TrustLevel()),
		"conditions":  s.safety.Conditions(),
	})
}

type releaseRequest struct {
	DedupeKey string `json:"dedupe_key"`
	Operator  string `json:"operator"`
}

// handleRelease clears one quarantine condition on operator authority.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DedupeKey == "" {
		s.writeError(w, http.StatusBadRequest, "dedupe_key is required")
		return
	}
	if err := s.safety.Release(req.DedupeKey, req.Operator); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"released":    req.DedupeKey,
		"trust_level": string(s.safety.TrustLevel()),
	})
}

// handleEvents returns audit events newer than ?after=<id>.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "after must be an integer event id")
			return
		}
		after = parsed
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events": s.hub.Recent(after),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
