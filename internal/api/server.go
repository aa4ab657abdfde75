package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
	"github.com/JakeFAU/civic-registry-crawler/internal/stats"
	"github.com/JakeFAU/civic-registry-crawler/internal/store"
)

// LiveRun exposes the in-progress harvest. *coordinator.Coordinator satisfies it.
type LiveRun interface {
	RunID() string
	Stats() *stats.RunStats
	InFlight() int64
}

// Config tunes the server.
type Config struct {
	// APIKey, when non-empty, guards every /v1 route.
	APIKey         string
	RequestTimeout time.Duration
}

// Deps are the collaborators the handlers read from. Only Registry is required.
type Deps struct {
	Registry   *crawler.Registry
	Live       LiveRun
	Runs       store.RunRepository
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer
	// Ready reports whether storage is reachable; nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// Server wires HTTP handlers to the harvest state.
type Server struct {
	router   chi.Router
	registry *crawler.Registry
	live     atomic.Pointer[liveRef]
	ready    func(ctx context.Context) error
	logger   *zap.Logger
}

type liveRef struct {
	run LiveRun
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Registry == nil {
		return nil, errors.New("api: registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	httpMetrics, err := newRequestMetrics(registerer)
	if err != nil {
		return nil, err
	}

	s := &Server{
		registry: deps.Registry,
		ready:    deps.Ready,
		logger:   logger,
	}
	s.Attach(deps.Live)
	runs := NewRunsHandler(deps.Runs, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(httpMetrics.middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/stats", s.liveStats)
		r.Get("/targets", s.listTargets)
		r.Get("/targets/{key}", s.getTarget)
		r.Get("/runs", runs.ListRuns)
		r.Route("/runs/{run_id}", func(r chi.Router) {
			r.Get("/", runs.GetRun)
			r.Get("/targets", runs.ListRunTargets)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Attach publishes run as the harvest served by /v1/stats. nil detaches.
func (s *Server) Attach(run LiveRun) {
	s.live.Store(&liveRef{run: run})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) liveStats(w http.ResponseWriter, _ *http.Request) {
	run := s.live.Load().run
	if run == nil {
		writeError(w, http.StatusServiceUnavailable, "no harvest in progress")
		return
	}
	writeJSON(w, http.StatusOK, liveStatsDTO{
		RunID:    run.RunID(),
		InFlight: run.InFlight(),
		Targets:  run.Stats().Snapshot(),
	})
}

func (s *Server) listTargets(w http.ResponseWriter, _ *http.Request) {
	targets := s.registry.Targets()
	out := make([]targetDTO, 0, len(targets))
	for _, t := range targets {
		out = append(out, toTargetDTO(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": out})
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	t, err := s.registry.Get(chi.URLParam(r, "key"))
	if err != nil {
		if errors.Is(err, crawler.ErrTargetUnknown) {
			writeError(w, http.StatusNotFound, "target not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": toTargetDTO(t)})
}

type liveStatsDTO struct {
	RunID    string               `json:"run_id"`
	InFlight int64                `json:"in_flight"`
	Targets  []stats.TargetReport `json:"targets"`
}

type targetDTO struct {
	Key         string   `json:"key"`
	Description string   `json:"description,omitempty"`
	Table       string   `json:"table"`
	URL         string   `json:"url"`
	Pagination  string   `json:"pagination"`
	Render      string   `json:"render"`
	MaxPages    int      `json:"max_pages,omitempty"`
	Identity    []string `json:"identity"`
	Columns     []string `json:"columns"`
}

func toTargetDTO(t crawler.Target) targetDTO {
	return targetDTO{
		Key:         t.Key,
		Description: t.Description,
		Table:       t.Table,
		URL:         t.PageURL(t.StartCursor()),
		Pagination:  string(t.Pagination),
		Render:      string(t.Render),
		MaxPages:    t.MaxPages,
		Identity:    t.IdentityFields(),
		Columns:     t.Columns(),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
