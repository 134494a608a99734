// Package api exposes the gateway over HTTP: instance administration,
// session operations and the audit trail.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/KafClaw/fleetgate/internal/gateway"
	"github.com/KafClaw/fleetgate/internal/scheduler"
	"github.com/KafClaw/fleetgate/internal/timeline"
)

// AuditReader serves the audit endpoints.
type AuditReader interface {
	Operations(ctx context.Context, f timeline.OperationFilter) ([]timeline.OperationRecord, error)
	Events(ctx context.Context, f timeline.EventFilter) ([]timeline.EventRecord, error)
}

// JobLister reports scheduled jobs on the status endpoint.
type JobLister interface {
	Jobs() []scheduler.JobInfo
}

// Options wire the optional collaborators. Nil members disable their endpoints.
type Options struct {
	AuthToken string
	Version   string
	Health    *gateway.HealthMonitor
	Audit     AuditReader
	Jobs      JobLister
}

// Server is the HTTP front of one gateway process.
type Server struct {
	router  *gateway.Router
	reg     *gateway.Registry
	opts    Options
	started time.Time
	mux     chi.Router
}

// New builds the server and its routes.
func New(router *gateway.Router, opts Options) *Server {
	s := &Server{
		router:  router,
		reg:     router.Registry(),
		opts:    opts,
		started: time.Now(),
	}
	s.mux = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/status", s.handleStatus)
		r.Post("/registry/reload", s.handleReload)

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", s.handleListInstances)
			r.Post("/", s.handleRegisterInstance)
			r.Get("/{id}", s.handleGetInstance)
			r.Delete("/{id}", s.handleDeregisterInstance)
			r.Post("/{id}/invalidate", s.handleInvalidate)
			r.Post("/{id}/probe", s.handleProbe)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Get("/{id}", s.handleGetSession)
			r.Delete("/{id}", s.handleDeleteSession)
			r.Post("/{id}/messages", s.handleSendMessage)
			r.Get("/{id}/files", s.handleListFiles)
		})

		r.Get("/audit", s.handleAudit)
		r.Get("/audit/events", s.handleAuditEvents)
	})
	return r
}

// requireToken checks the bearer token when one is configured.
func (s *Server) requireToken(next http.Handler) http.Handler {
	want := strings.TrimSpace(s.opts.AuthToken)
	if want == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("API: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
