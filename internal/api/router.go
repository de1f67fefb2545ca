// Package api is the HTTP surface over the session registry: user session
// operations behind JWT auth and agent callbacks behind a shared key.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/nimbusgpu/nimbus-control-plane/internal/auth"
	"github.com/nimbusgpu/nimbus-control-plane/internal/config"
	"github.com/nimbusgpu/nimbus-control-plane/internal/gpu"
	"github.com/nimbusgpu/nimbus-control-plane/internal/metrics"
	"github.com/nimbusgpu/nimbus-control-plane/internal/registry"
)

type Server struct {
	cfg         config.Config
	registry    *registry.Registry
	provisioner gpu.Provisioner
	logger      zerolog.Logger

	// provisions tracks in-flight background provisioning goroutines so
	// shutdown can join them before the effect dispatcher drains.
	provisions sync.WaitGroup
}

func NewServer(cfg config.Config, reg *registry.Registry, prov gpu.Provisioner, logger zerolog.Logger) *Server {
	return &Server{
		cfg:         cfg,
		registry:    reg,
		provisioner: prov,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// DrainProvisions blocks until every background provisioning goroutine has
// reported its outcome. Call before draining the effect dispatcher.
func (s *Server) DrainProvisions() {
	s.provisions.Wait()
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.With(auth.Middleware(s.cfg.JWTSecret)).Group(func(authed chi.Router) {
			authed.Post("/sessions", s.handleCreateSession)
			authed.Get("/sessions", s.handleListSessions)
			authed.Get("/sessions/{sessionID}", s.handleGetSession)
			authed.Post("/sessions/{sessionID}/start", s.handleStart)
			authed.Post("/sessions/{sessionID}/pause", s.handlePause)
			authed.Post("/sessions/{sessionID}/resume", s.handleResume)
			authed.Post("/sessions/{sessionID}/stop", s.handleStop)
			authed.Get("/manifest", s.handleManifest)
		})

		v1.With(s.agentSharedAuth).Group(func(agent chi.Router) {
			agent.Post("/agent/sessions/{sessionID}/provisioned", s.handleAgentProvisioned)
			agent.Post("/agent/sessions/{sessionID}/heartbeat", s.handleAgentHeartbeat)
		})
	})

	return r
}

func (s *Server) agentSharedAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Agent-Auth") != s.cfg.AgentSharedKey {
			writeAPIError(w, http.StatusUnauthorized, "unauthorized", "invalid agent auth")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Error struct {
		Code           string   `json:"code"`
		Message        string   `json:"message"`
		LegalTargets   []string `json:"legal_targets,omitempty"`
		CurrentVersion *int64   `json:"current_version,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
