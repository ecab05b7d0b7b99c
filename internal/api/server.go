package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/sshcron/internal/api/handler"
	mw "github.com/edvin/sshcron/internal/api/middleware"
	"github.com/edvin/sshcron/internal/broadcast"
	"github.com/edvin/sshcron/internal/core"
)

// Pinger checks a backing database. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	router      chi.Router
	logger      zerolog.Logger
	services    *core.Services
	broadcaster *broadcast.Broadcaster
	db          Pinger
	location    *time.Location
	caPublicKey string
}

type Option func(*Server)

// WithSSHCA publishes the CA public key (authorized_keys format) at
// /api/v1/ssh-ca.
func WithSSHCA(publicKey string) Option {
	return func(s *Server) { s.caPublicKey = publicKey }
}

// NewServer builds the HTTP API. db may be nil when running on the
// in-memory store; location is the zone cron previews are computed in.
func NewServer(logger zerolog.Logger, services *core.Services, broadcaster *broadcast.Broadcaster, db Pinger, location *time.Location, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		logger:      logger,
		services:    services,
		broadcaster: broadcaster,
		db:          db,
		location:    location,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Nodes
		node := handler.NewNode(s.services.Node, s.services.Job)
		r.Post("/nodes", node.Create)
		r.Get("/nodes/{id}", node.Get)
		r.Delete("/nodes/{id}", node.Delete)
		r.Put("/nodes/{id}/active", node.SetActive)
		r.Post("/nodes/{id}/test", node.TestConnection)
		r.Get("/nodes/{id}/jobs", node.ListJobs)

		// Jobs
		job := handler.NewJob(s.services.Job)
		r.Post("/jobs", job.Create)
		r.Get("/jobs/{id}", job.Get)
		r.Delete("/jobs/{id}", job.Delete)
		r.Put("/jobs/{id}/enabled", job.SetEnabled)

		// Executions
		execution := handler.NewExecution(s.services.Execution)
		r.Post("/jobs/{id}/run", execution.Run)
		r.Get("/jobs/{id}/executions", execution.ListByJob)
		r.Post("/executions", execution.RunBatch)
		r.Get("/executions/{id}", execution.Get)
		r.Post("/executions/{id}/stop", execution.Stop)

		// Live logs
		logs := handler.NewLogs(s.services.Execution, s.broadcaster)
		r.Get("/executions/{id}/logs", logs.Stream)

		// Cron preview
		cron := handler.NewCron(s.location)
		r.Get("/cron/next", cron.Next)

		// SSH CA
		r.Get("/ssh-ca", handler.NewSSHCA(s.caPublicKey).Get)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if s.db == nil {
		checks["db"] = "memory"
	} else if err := s.db.Ping(ctx); err != nil {
		checks["db"] = err.Error()
		healthy = false
	} else {
		checks["db"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
