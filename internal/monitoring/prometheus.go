package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 50ms to 300s.
var LLMBuckets = []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

// Prometheus holds the gateway's collectors on a private registry so several
// gateways (tests, embedded use) never collide on the default registerer.
type Prometheus struct {
	registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	UpstreamLatency     *prometheus.HistogramVec
	StreamsActive       prometheus.Gauge
	ModelsFallbackTotal prometheus.Counter
	TokensTotal         *prometheus.CounterVec
}

// NewPrometheus creates and registers the gateway collectors.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lmgate_requests_total",
				Help: "Requests handled, by route and response status.",
			},
			[]string{"route", "status"},
		),
		UpstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lmgate_upstream_latency_seconds",
				Help:    "Upstream latency: full response for buffered calls, time to headers for streams.",
				Buckets: LLMBuckets,
			},
			[]string{"route", "mode"},
		),
		StreamsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lmgate_streams_active",
				Help: "Streaming relays currently in progress.",
			},
		),
		ModelsFallbackTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lmgate_models_fallback_total",
				Help: "Model list requests answered with the synthesized entry.",
			},
		),
		TokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lmgate_tokens_total",
				Help: "Tokens reported by the upstream, by direction.",
			},
			[]string{"direction"},
		),
	}

	p.registry.MustRegister(
		p.RequestsTotal,
		p.UpstreamLatency,
		p.StreamsActive,
		p.ModelsFallbackTotal,
		p.TokensTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return p
}

// RecordUsage adds upstream-reported token counts.
func (p *Prometheus) RecordUsage(u UsageInfo) {
	if u.PromptTokens > 0 {
		p.TokensTotal.WithLabelValues("prompt").Add(float64(u.PromptTokens))
	}
	if u.CompletionTokens > 0 {
		p.TokensTotal.WithLabelValues("completion").Add(float64(u.CompletionTokens))
	}
}

// Registry exposes the underlying registry for tests.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the Prometheus text exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
