// Package api serves the management surface: component status, audit
// queries, reputation lookups, scenario listing, config reload, Prometheus
// metrics, and the live event feeds.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/decoyhq/mirage/internal/archive"
	"github.com/decoyhq/mirage/internal/events"
	"github.com/decoyhq/mirage/internal/metrics"
	"github.com/decoyhq/mirage/internal/middleware"
	"github.com/decoyhq/mirage/internal/pipeline"
	"github.com/decoyhq/mirage/internal/stream"
)

// Config tunes the management server.
type Config struct {
	Addr string

	// AdminTokenHash is the bcrypt hash of the reload token. Empty disables
	// the reload endpoint.
	AdminTokenHash string
}

// Deps wires the served components. Pipeline and Bus are required; nil
// optional surfaces simply drop their routes.
type Deps struct {
	Pipeline *pipeline.Orchestrator
	Bus      *events.Bus
	Hub      *stream.Hub
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Limiter  *middleware.RateLimiter
	Archive  *archive.Tee

	// Origin receives every request no management route claims. The daemon
	// mounts its defense-wrapped application here so one listener carries
	// both surfaces.
	Origin http.Handler
}

// Server is the management API.
type Server struct {
	cfg     Config
	deps    Deps
	handler http.Handler
	logger  *log.Logger
	started time.Time
	srv     *http.Server
}

func NewServer(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  log.New(log.Writer(), "[API] ", log.LstdFlags),
		started: time.Now(),
	}
	// CORS wraps outside the router so preflight requests are answered even
	// when no route matches the OPTIONS method.
	s.handler = corsMiddleware(s.buildRouter())
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	if s.deps.Metrics != nil {
		r.Use(middleware.Instrument(s.deps.Metrics))
	}

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.deps.Hub != nil {
		r.HandleFunc("/ws/verdicts", s.deps.Hub.HandleWebSocket).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	if s.deps.Limiter != nil {
		v1.Use(s.deps.Limiter.Middleware)
	}
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/audit", s.handleAuditSearch).Methods(http.MethodGet)
	v1.HandleFunc("/audit/stats", s.handleAuditStats).Methods(http.MethodGet)
	v1.HandleFunc("/reputation/{fingerprint}", s.handleReputation).Methods(http.MethodGet)
	v1.HandleFunc("/scenarios", s.handleScenarios).Methods(http.MethodGet)
	v1.HandleFunc("/config/reload", s.handleConfigReload).Methods(http.MethodPost)
	v1.HandleFunc("/events", s.handleEventStream).Methods(http.MethodGet)

	if s.deps.Origin != nil {
		r.PathPrefix("/").Handler(s.deps.Origin)
	}
	return r
}

// Router exposes the full handler chain for embedding and tests.
func (s *Server) Router() http.Handler { return s.handler }

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Printf("management API listening on %s", s.cfg.Addr)
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
