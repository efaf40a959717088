// Package api exposes the HTTP interface for the scraping service.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/siteharvest/harvester/internal/config"
	"github.com/siteharvest/harvester/internal/runner"
	"github.com/siteharvest/harvester/internal/scrape"
	"github.com/siteharvest/harvester/internal/telemetry"
)

// URLValidator checks whether a URL is well-formed and reachable.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) (int, error)
}

// Server wires HTTP handlers to the runner and job store.
type Server struct {
	router    chi.Router
	store     scrape.JobStore
	runner    *runner.Runner
	idGen     scrape.IDGenerator
	clock     scrape.Clock
	validator URLValidator
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. validator may be
// nil; the validate endpoint then only checks URL syntax.
func NewServer(
	store scrape.JobStore,
	jobRunner *runner.Runner,
	idGen scrape.IDGenerator,
	clock scrape.Clock,
	validator URLValidator,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:     store,
		runner:    jobRunner,
		idGen:     idGen,
		clock:     clock,
		validator: validator,
		cfg:       cfg,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout()))
			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", s.createJob)
				r.Get("/", s.listJobs)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", s.getJob)
					r.Delete("/", s.deleteJob)
					r.Get("/data", s.getJobData)
					r.Post("/execute", s.executeJob)
					r.Post("/cancel", s.cancelJob)
				})
			})
			r.Get("/data", s.listData)
			r.Post("/validate", s.validateURL)
		})
		// Bulk runs the whole job within the request, which for large
		// target lists takes far longer than the per-request timeout.
		r.Post("/scrape/bulk", s.bulkScrape)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency; a probe read proves it answers.
	if _, err := s.store.FindByStatus(r.Context(), scrape.JobStatusPending, 1, 0); err != nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
