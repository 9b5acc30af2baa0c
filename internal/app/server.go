package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/llmgate/gateway/internal/health"
	"github.com/llmgate/gateway/internal/httpapi"
	"github.com/llmgate/gateway/internal/logging"
	"github.com/llmgate/gateway/internal/metrics"
	"github.com/llmgate/gateway/internal/providers/anthropic"
	"github.com/llmgate/gateway/internal/providers/openai"
	"github.com/llmgate/gateway/internal/ratelimit"
	"github.com/llmgate/gateway/internal/router"
	"github.com/llmgate/gateway/internal/store"
	"github.com/llmgate/gateway/internal/tracing"
)

// adapterRegistry implements router.Registry over the two wire-format
// adapters the gateway ships (spec.md §4.9: OpenAI-shaped, Anthropic-shaped).
type adapterRegistry struct {
	adapters map[store.WireFormat]router.Adapter
}

func (a *adapterRegistry) AdapterFor(wf store.WireFormat) (router.Adapter, bool) {
	ad, ok := a.adapters[wf]
	return ad, ok
}

// Server wires every gateway dependency and owns the shutdown sequence.
type Server struct {
	cfg Config

	r *chi.Mux

	store        store.Store
	logger       *slog.Logger
	rateLimiter  *ratelimit.Limiter
	otelShutdown func(context.Context) error

	proberCancel    context.CancelFunc
	retentionCancel context.CancelFunc

	httpServer *http.Server // set via SetHTTPServer; used by Close() to drain in-flight requests
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	otelShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	if cfg.OTelEnabled {
		logger.Info("opentelemetry tracing enabled",
			slog.String("endpoint", cfg.OTelEndpoint),
			slog.String("service", cfg.OTelServiceName),
		)
	}

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	m := metrics.New()

	rl := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimitedTotal))

	httpClient := &http.Client{Timeout: 120 * time.Second}
	if cfg.OTelEnabled {
		httpClient.Transport = tracing.HTTPTransport(nil)
	}
	reg := &adapterRegistry{adapters: map[store.WireFormat]router.Adapter{
		store.WireFormatOpenAI:    openai.New(httpClient),
		store.WireFormatAnthropic: anthropic.New(httpClient),
	}}

	rules := router.NewRuleCache(db)
	classifier := router.NewClassifier(cfg.ClassifierEndpoint, cfg.ClassifierModel)
	selector := router.NewSelector(db)
	fallback := router.NewFallback(db)
	orchestrator := router.NewOrchestrator(rules, classifier, selector, fallback, db)
	dispatcher := router.NewDispatcher(reg, db)

	proberCtx, proberCancel := context.WithCancel(context.Background())
	prober := health.NewProber(db,
		time.Duration(cfg.HealthProbeIntervalMs)*time.Millisecond,
		time.Duration(cfg.HealthProbeTimeoutMs)*time.Millisecond,
		logger)
	go prober.Run(proberCtx)

	retentionCtx, retentionCancel := context.WithCancel(context.Background())
	tracker := health.NewTracker(db)
	go tracker.RetentionLoop(retentionCtx, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.OTelEnabled {
		r.Use(tracing.Middleware())
	}

	deps := httpapi.Dependencies{
		Orchestrator: orchestrator,
		Dispatcher:   dispatcher,
		Store:        db,
		Metrics:      m,
		RateLimiter:  rl,
		GatewayAPIKey: cfg.GatewayAPIKey,
	}
	httpapi.MountRoutes(r, deps)

	if cfg.GatewayAPIKey == "" {
		logger.Warn("LLMGATE_API_KEY not set — /v1 endpoints are unauthenticated")
	}

	s := &Server{
		cfg:             cfg,
		r:               r,
		store:           db,
		logger:          logger,
		rateLimiter:     rl,
		otelShutdown:    otelShutdown,
		proberCancel:    proberCancel,
		retentionCancel: retentionCancel,
	}
	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// SetHTTPServer registers the HTTP server so that Close() can drain in-flight
// requests via http.Server.Shutdown before releasing other resources.
func (s *Server) SetHTTPServer(srv *http.Server) {
	s.httpServer = srv
}

// Reload applies hot-reloadable configuration at runtime without a restart:
// rate limiter settings and log level. Routing rules/policy live in the
// store and are already picked up on the rule cache's own TTL.
func (s *Server) Reload(cfg Config) {
	s.rateLimiter.UpdateLimits(cfg.RateLimitRPS, cfg.RateLimitBurst)
	logging.SetLevel(cfg.LogLevel)
	s.cfg = cfg
	s.logger.Info("configuration reloaded",
		slog.Int("rate_limit_rps", cfg.RateLimitRPS),
		slog.Int("rate_limit_burst", cfg.RateLimitBurst),
		slog.String("log_level", cfg.LogLevel),
	)
}

// Close drains in-flight HTTP requests, stops background workers, then
// closes the store last.
func (s *Server) Close() error {
	if s.httpServer != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer drainCancel()
		if err := s.httpServer.Shutdown(drainCtx); err != nil {
			s.logger.Warn("HTTP drain error", slog.String("error", err.Error()))
		}
	}

	s.proberCancel()
	s.retentionCancel()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.otelShutdown(ctx); err != nil {
			s.logger.Warn("otel shutdown error", slog.String("error", err.Error()))
		}
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
