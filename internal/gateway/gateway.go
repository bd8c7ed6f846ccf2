// Package gateway is the OpenAI-compatible relay in front of a single upstream.
//
// FILES:
//   - gateway.go:    Gateway type, routes, server lifecycle
//   - handler.go:    /health, /v1/models, /v1/chat/completions
//   - stream.go:     streaming relay and passive SSE usage parsing
//   - normalize.go:  id/model defaults for buffered completions
//   - errors.go:     error envelope and upstream error mapping
//   - middleware.go: request id and access logging
//   - stats.go:      /stats JSON counters
//
// DESIGN: The gateway keeps no per-request state between requests. The only
// shared values are the immutable config, the upstream client and the
// monitoring collectors, all safe for concurrent use.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/lmgate/lmstudio-gateway/internal/config"
	"github.com/lmgate/lmstudio-gateway/internal/monitoring"
	"github.com/lmgate/lmstudio-gateway/internal/upstream"
)

// Route labels used in metrics and telemetry.
const (
	RouteHealth          = "health"
	RouteModels          = "models"
	RouteChatCompletions = "chat_completions"
	RouteStats           = "stats"
)

// Gateway relays OpenAI-style requests to the configured upstream.
type Gateway struct {
	config   *config.Config
	upstream *upstream.Client
	metrics  *monitoring.MetricsCollector
	prom     *monitoring.Prometheus
	tracker  *monitoring.Tracker
	router   chi.Router
	server   *http.Server
	now      func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithUpstreamClient replaces the upstream client built from config.
func WithUpstreamClient(c *upstream.Client) Option {
	return func(g *Gateway) {
		g.upstream = c
	}
}

// WithClock overrides the time source used for synthesized timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// New builds a gateway from a resolved configuration.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	tracker, err := monitoring.NewTracker(cfg.Monitoring.Telemetry)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config:  cfg,
		metrics: monitoring.NewMetricsCollector(),
		prom:    monitoring.NewPrometheus(),
		tracker: tracker,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.upstream == nil {
		g.upstream = upstream.NewClient(cfg.Upstream)
	}

	g.router = g.routes()
	g.server = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g.tracker.RecordInit(buildInitEvent(cfg))
	return g, nil
}

func (g *Gateway) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "route not found: "+r.URL.Path, http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	r.Get("/health", g.handleHealth)
	r.Get("/v1/models", g.handleModels)
	r.Post("/v1/chat/completions", g.handleChatCompletions)
	r.Get("/stats", g.handleStats)
	if g.config.Monitoring.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", g.prom.Handler())
	}

	return r
}

// Handler returns the HTTP handler serving all gateway routes.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Start listens on the configured port and blocks until Shutdown.
func (g *Gateway) Start() error {
	log.Info().
		Str("addr", g.server.Addr).
		Str("upstream", g.upstream.BaseURL()).
		Str("model", g.config.Upstream.Model).
		Msg("gateway listening")

	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Streams still running when ctx expires are cut off.
func (g *Gateway) Shutdown(ctx context.Context) error {
	err := g.server.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Msg("shutdown deadline reached, closing remaining connections")
		_ = g.server.Close()
	}
	if closeErr := g.tracker.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Metrics exposes the in-memory counters.
func (g *Gateway) Metrics() *monitoring.MetricsCollector {
	return g.metrics
}
