// Copyright 2025 AegisGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway is the HTTP surface of AegisGate: credential
// authentication, request validation, the governed chat/embeddings
// endpoints, and the operator-facing governance reads. It owns the
// mapping from pipeline decisions to HTTP statuses; nothing below it
// knows about status codes.
package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"aegisgate/gateway/audit"
	"aegisgate/gateway/budget"
	"aegisgate/gateway/gateway/circuitbreaker"
	"aegisgate/gateway/kpi"
	"aegisgate/gateway/llm"
	"aegisgate/gateway/pipeline"
	"aegisgate/gateway/shared/logger"
	"aegisgate/gateway/trace"
)

const serviceName = "aegisgate-gateway"
const serviceVersion = "1.0.0"

// Executor runs the governance pipeline. *pipeline.Orchestrator is the
// production implementation.
type Executor interface {
	Execute(ctx context.Context, cmd *pipeline.Command) (*pipeline.Decision, error)
	ExecuteStream(ctx context.Context, cmd *pipeline.Command) (*pipeline.Decision, <-chan llm.StreamChunk, error)
}

// UsageLedger is the slice of the store the duplicate-request check
// reads. Nil disables the check.
type UsageLedger interface {
	UsageExists(ctx context.Context, requestID string) (bool, error)
}

// Deps carries everything the server needs. Breakers left nil are created
// with defaults.
type Deps struct {
	Logger     *logger.Logger
	Auth       *Authenticator
	Pipeline   Executor
	Dispatcher *llm.Dispatcher
	Checker    *budget.Checker
	Repo       pipeline.Repository
	Usage      UsageLedger
	Tracer     *trace.Tracer
	KPIs       *kpi.Service
	Audit      *audit.Reader

	DB    *sql.DB       // health probe; nil when running without a database
	Redis *redis.Client // health probe; nil when running without a cache

	DBBreaker       *circuitbreaker.Breaker
	CacheBreaker    *circuitbreaker.Breaker
	ProviderBreaker *circuitbreaker.Breaker
}

// Server is the assembled HTTP gateway.
type Server struct {
	cfg Config
	log *logger.Logger

	auth       *Authenticator
	pipe       Executor
	dispatcher *llm.Dispatcher
	checker    *budget.Checker
	repo       pipeline.Repository
	usage      UsageLedger
	tracer     *trace.Tracer
	kpis       *kpi.Service
	audits     *audit.Reader

	dbBreaker       *circuitbreaker.Breaker
	cacheBreaker    *circuitbreaker.Breaker
	providerBreaker *circuitbreaker.Breaker

	db      *sql.DB
	redis   *redis.Client
	handler http.Handler
}

// NewServer wires the routes and middleware around the dependencies.
func NewServer(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.New("gateway")
	}
	if deps.DBBreaker == nil {
		deps.DBBreaker = circuitbreaker.New(circuitbreaker.Config{Name: "db"})
	}
	if deps.CacheBreaker == nil {
		deps.CacheBreaker = circuitbreaker.New(circuitbreaker.Config{Name: "cache"})
	}
	if deps.ProviderBreaker == nil {
		deps.ProviderBreaker = circuitbreaker.New(circuitbreaker.Config{Name: "provider"})
	}

	s := &Server{
		cfg:             cfg,
		log:             deps.Logger,
		auth:            deps.Auth,
		pipe:            deps.Pipeline,
		dispatcher:      deps.Dispatcher,
		checker:         deps.Checker,
		repo:            deps.Repo,
		usage:           deps.Usage,
		tracer:          deps.Tracer,
		kpis:            deps.KPIs,
		audits:          deps.Audit,
		dbBreaker:       deps.DBBreaker,
		cacheBreaker:    deps.CacheBreaker,
		providerBreaker: deps.ProviderBreaker,
		db:              deps.DB,
		redis:           deps.Redis,
	}
	s.handler = s.routes()
	return s
}

// Handler exposes the assembled handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/v1/chat/completions",
		s.instrument("chat_completions", s.handleChatCompletions)).Methods("POST")
	r.HandleFunc("/v1/embeddings",
		s.instrument("embeddings", s.handleEmbeddings)).Methods("POST")

	gov := r.PathPrefix("/v1/governance").Subrouter()
	gov.HandleFunc("/kpis",
		s.requireJWT(s.instrument("governance_kpis", s.handleKPIs))).Methods("GET")
	gov.HandleFunc("/traces/{request_id}",
		s.requireJWT(s.instrument("governance_trace", s.handleGetTrace))).Methods("GET")
	gov.HandleFunc("/audit",
		s.requireJWT(s.instrument("governance_audit", s.handleAuditEvents))).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// statusRecorder captures the response status for metrics while keeping
// the flusher visible to SSE handlers.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}

// handleHealth reports service liveness and the state of each dependency.
// It always answers 200; the status field says whether anything degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	deps := map[string]string{
		"breaker_db":       s.dbBreaker.State().String(),
		"breaker_cache":    s.cacheBreaker.State().String(),
		"breaker_provider": s.providerBreaker.State().String(),
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := s.db.PingContext(ctx); err != nil {
			deps["database"] = "unreachable"
			status = "degraded"
		} else {
			deps["database"] = "ok"
		}
		cancel()
	}
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			deps["cache"] = "unreachable"
			status = "degraded"
		} else {
			deps["cache"] = "ok"
		}
		cancel()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"service":      serviceName,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"version":      serviceVersion,
		"dependencies": deps,
	})
}

// Run serves until the context is cancelled, then drains in-flight
// requests for the shutdown grace period. Bind failures surface
// synchronously so the process can exit non-zero.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("gateway: bind :%s: %w", s.cfg.Port, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info("", "", fmt.Sprintf("gateway listening on :%s", s.cfg.Port),
		map[string]interface{}{"environment": s.cfg.Environment, "version": serviceVersion})

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: serve: %w", err)
	}
	s.log.Info("", "", "gateway stopped", nil)
	return nil
}
