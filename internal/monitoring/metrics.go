// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - requests/successes: Total and successful chat-completion requests
//   - streams:            Streaming relays started, active, aborted
//   - upstream errors:    Unreachable upstream vs non-2xx upstream answers
//   - models fallbacks:   /v1/models served from the synthesized entry
//   - tokens:             Prompt/completion tokens reported by the upstream
//
// These back the /stats endpoint. Prometheus exposition lives in prometheus.go.
package monitoring

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time

	// Request counters
	requests  atomic.Int64
	successes atomic.Int64

	// Streaming counters
	streamsStarted atomic.Int64
	streamsActive  atomic.Int64
	streamsAborted atomic.Int64

	// Upstream failure counters
	upstreamUnavailable atomic.Int64
	upstreamHTTPErrors  atomic.Int64
	malformedBodies     atomic.Int64

	// Model discovery
	modelsRequests  atomic.Int64
	modelsFallbacks atomic.Int64

	// Token counters (as reported by the upstream)
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startedAt: time.Now(),
	}
}

// RecordRequest records a chat-completions request.
func (mc *MetricsCollector) RecordRequest(success bool) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	}
}

// StreamStarted marks a streaming relay as active.
func (mc *MetricsCollector) StreamStarted() {
	mc.streamsStarted.Add(1)
	mc.streamsActive.Add(1)
}

// StreamFinished marks a streaming relay as done.
func (mc *MetricsCollector) StreamFinished(aborted bool) {
	mc.streamsActive.Add(-1)
	if aborted {
		mc.streamsAborted.Add(1)
	}
}

// RecordUpstreamUnavailable records a transport or timeout failure.
func (mc *MetricsCollector) RecordUpstreamUnavailable() { mc.upstreamUnavailable.Add(1) }

// RecordUpstreamHTTPError records a non-2xx upstream answer.
func (mc *MetricsCollector) RecordUpstreamHTTPError() { mc.upstreamHTTPErrors.Add(1) }

// RecordMalformedBody records a 2xx upstream body that was not a JSON object.
func (mc *MetricsCollector) RecordMalformedBody() { mc.malformedBodies.Add(1) }

// RecordModels records a /v1/models request.
func (mc *MetricsCollector) RecordModels(fallback bool) {
	mc.modelsRequests.Add(1)
	if fallback {
		mc.modelsFallbacks.Add(1)
	}
}

// RecordUsage records token usage reported by the upstream.
func (mc *MetricsCollector) RecordUsage(u UsageInfo) {
	mc.promptTokens.Add(int64(u.PromptTokens))
	mc.completionTokens.Add(int64(u.CompletionTokens))
}

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// FullStats returns all metrics in a structured format for the /stats endpoint.
func (mc *MetricsCollector) FullStats() StatsResponse {
	uptime := time.Since(mc.startedAt)
	requests := mc.requests.Load()
	successes := mc.successes.Load()
	prompt := mc.promptTokens.Load()
	completion := mc.completionTokens.Load()

	return StatsResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     mc.startedAt.Format(time.RFC3339),
		Requests: RequestStats{
			Total:      requests,
			Successful: successes,
			Failed:     requests - successes,
		},
		Streams: StreamStats{
			Started: mc.streamsStarted.Load(),
			Active:  mc.streamsActive.Load(),
			Aborted: mc.streamsAborted.Load(),
		},
		Upstream: UpstreamStats{
			Unavailable:     mc.upstreamUnavailable.Load(),
			HTTPErrors:      mc.upstreamHTTPErrors.Load(),
			MalformedBodies: mc.malformedBodies.Load(),
		},
		Models: ModelsStats{
			Requests:  mc.modelsRequests.Load(),
			Fallbacks: mc.modelsFallbacks.Load(),
		},
		Tokens: TokenStats{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}
}

// StatsResponse is the structured response for the /stats endpoint.
type StatsResponse struct {
	Uptime        string        `json:"uptime"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartedAt     string        `json:"started_at"`
	Requests      RequestStats  `json:"requests"`
	Streams       StreamStats   `json:"streams"`
	Upstream      UpstreamStats `json:"upstream"`
	Models        ModelsStats   `json:"models"`
	Tokens        TokenStats    `json:"tokens"`
}

// RequestStats holds request count metrics.
type RequestStats struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

// StreamStats holds streaming relay metrics.
type StreamStats struct {
	Started int64 `json:"started"`
	Active  int64 `json:"active"`
	Aborted int64 `json:"aborted"`
}

// UpstreamStats holds upstream failure metrics.
type UpstreamStats struct {
	Unavailable     int64 `json:"unavailable"`
	HTTPErrors      int64 `json:"http_errors"`
	MalformedBodies int64 `json:"malformed_bodies"`
}

// ModelsStats holds model discovery metrics.
type ModelsStats struct {
	Requests  int64 `json:"requests"`
	Fallbacks int64 `json:"fallbacks"`
}

// TokenStats holds token usage reported by the upstream.
type TokenStats struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
