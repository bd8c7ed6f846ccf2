// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by both gateway/ and monitoring/ packages.
// Defined here ONCE to avoid duplication and circular imports.
//
// TYPES:
//   - UsageInfo:    Token usage reported by the upstream
//   - RequestEvent: Telemetry data for each request
//   - InitEvent:    Resolved configuration at startup
package monitoring

import "time"

// =============================================================================
// USAGE
// =============================================================================

// UsageInfo is the OpenAI-style usage block observed on a response.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// IsZero reports whether no usage was observed.
func (u UsageInfo) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// =============================================================================
// EVENT TYPES - Structured data for telemetry recording
// =============================================================================

// RequestEvent captures a request through the gateway.
type RequestEvent struct {
	RequestID         string    `json:"request_id"`
	Timestamp         time.Time `json:"timestamp"`
	Method            string    `json:"method"`
	Path              string    `json:"path"`
	ClientIP          string    `json:"client_ip"`
	Stream            bool      `json:"stream"`
	Model             string    `json:"model,omitempty"`
	RequestBodySize   int       `json:"request_body_size"`
	ResponseBodySize  int64     `json:"response_body_size"`
	StatusCode        int       `json:"status_code"`
	UpstreamStatus    int       `json:"upstream_status,omitempty"`
	Success           bool      `json:"success"`
	Error             string    `json:"error,omitempty"`
	ModelsFallback    bool      `json:"models_fallback,omitempty"`
	ClientGone        bool      `json:"client_gone,omitempty"`
	UpstreamLatencyMs int64     `json:"upstream_latency_ms"`
	TotalLatencyMs    int64     `json:"total_latency_ms"`
	PromptTokens      int       `json:"prompt_tokens,omitempty"`
	CompletionTokens  int       `json:"completion_tokens,omitempty"`
	TotalTokens       int       `json:"total_tokens,omitempty"`
}

// InitEvent captures gateway startup configuration.
type InitEvent struct {
	Timestamp       time.Time `json:"timestamp"`
	Event           string    `json:"event"`
	Version         string    `json:"version"`
	ServerPort      int       `json:"server_port"`
	UpstreamBaseURL string    `json:"upstream_base_url"`
	UpstreamModel   string    `json:"upstream_model"`
	HasAPIKey       bool      `json:"has_api_key"`
	TimeoutMs       int64     `json:"timeout_ms"`
	ModelsTimeoutMs int64     `json:"models_timeout_ms"`
	MetricsEnabled  bool      `json:"metrics_enabled"`
	TelemetrySink   string    `json:"telemetry_sink,omitempty"`
	TelemetryPath   string    `json:"telemetry_path,omitempty"`
}
