// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

// Package api wires the HTTP surface: the WebSocket endpoint, the
// bulk presence query, health and readiness probes, and the metrics
// scrape target.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/parley/internal/auth"
	"github.com/tomtom215/parley/internal/logging"
	"github.com/tomtom215/parley/internal/metrics"
	"github.com/tomtom215/parley/internal/protocol"
)

// Config bounds the HTTP surface.
type Config struct {
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitOff      bool
}

// PresenceDirectory answers bulk presence queries.
type PresenceDirectory interface {
	BulkQuery(userIDs []string) []protocol.PresenceEntry
}

// StoreProbe reports the persistence circuit breaker state for the
// readiness probe.
type StoreProbe interface {
	State() gobreaker.State
}

// Server is the HTTP router.
type Server struct {
	cfg       Config
	auth      *auth.JWTManager
	gateway   http.Handler
	presence  PresenceDirectory
	probe     StoreProbe
	startTime time.Time
}

// NewServer creates a Server.
func NewServer(cfg Config, authMgr *auth.JWTManager, gateway http.Handler, presence PresenceDirectory, probe StoreProbe) *Server {
	return &Server{
		cfg:       cfg,
		auth:      authMgr,
		gateway:   gateway,
		presence:  presence,
		probe:     probe,
		startTime: time.Now(),
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(correlationID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if !s.cfg.RateLimitOff && s.cfg.RateLimitRequests > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RateLimitRequests, s.cfg.RateLimitWindow))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/ws", s.gateway.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/presence", s.bulkPresence)
	})

	return r
}

// correlationID stamps every request context so handler logs can be
// tied together.
func correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.ContextWithNewCorrelationID(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireToken guards the REST surface with the same JWTs the
// WebSocket handshake accepts.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.TokenFromHeader(r.Header.Get("Authorization"))
		if token == "" {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			logging.Ctx(r.Context()).Warn().Err(err).Msg("rest token rejected")
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		ctx := contextWithUserID(r.Context(), claims.UserID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"alive":  true,
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	state := s.probe.State()
	metrics.StoreBreakerState.Set(float64(state))
	if state == gobreaker.StateOpen {
		respondError(w, http.StatusServiceUnavailable, "NOT_READY", "persistence unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ready": true})
}

// bulkPresence returns a presence snapshot for up to maxPresenceIDs
// comma-separated user IDs.
const maxPresenceIDs = 100

func (s *Server) bulkPresence(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "ids query parameter is required")
		return
	}

	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "no usable ids")
		return
	}
	if len(ids) > maxPresenceIDs {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "too many ids")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"presence": s.presence.BulkQuery(ids),
	})
}
