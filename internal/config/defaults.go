// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// UPSTREAM DEFAULTS
// =============================================================================

// DefaultUpstreamBaseURL is the LM Studio OpenAI-compatible endpoint.
const DefaultUpstreamBaseURL = "http://localhost:1234/v1"

// DefaultProxyModel is the model name reported when the upstream
// does not provide one.
const DefaultProxyModel = "lmstudio-proxy"

// DefaultUpstreamTimeout bounds every chat-completions call, streaming included.
const DefaultUpstreamTimeout = 300 * time.Second

// DefaultModelsTimeout bounds the model discovery call.
// Kept short so a slow upstream never stalls client startup.
const DefaultModelsTimeout = 30 * time.Second

// DefaultUserAgent identifies the gateway to the upstream.
const DefaultUserAgent = "lmstudio-gateway/" + Version

// Version is the gateway release version.
const Version = "1.0.0"

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultPort is the listen port of the gateway.
const DefaultPort = 8000

// DefaultServerReadTimeout bounds reading the inbound request.
const DefaultServerReadTimeout = 30 * time.Second

// DefaultServerWriteTimeout is zero: streams are bounded by the upstream timeout.
const DefaultServerWriteTimeout = 0

// DefaultShutdownTimeout is how long in-flight requests get on SIGTERM.
const DefaultShutdownTimeout = 15 * time.Second

// DefaultBufferSize is the read size of the streaming relay.
const DefaultBufferSize = 4096

// DefaultDialTimeout is the TCP dial timeout.
const DefaultDialTimeout = 30 * time.Second

// DefaultMaxIdleConnsPerHost sizes the upstream connection pool.
const DefaultMaxIdleConnsPerHost = 64

// MaxRequestBodySize is the maximum allowed request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// MaxResponseSize is the maximum allowed buffered upstream response body (50MB).
const MaxResponseSize = 50 * 1024 * 1024

// MaxErrorBodyLogLen limits error response body in logs to prevent bloat.
const MaxErrorBodyLogLen = 500

// =============================================================================
// LOGGING AND MONITORING
// =============================================================================

// DefaultLogLevel is the zerolog level name used when none is configured.
const DefaultLogLevel = "info"

// DefaultLogFormat picks console output on a terminal and JSON otherwise.
const DefaultLogFormat = LogFormatAuto

// DefaultTelemetryPath is where request events go when telemetry is enabled.
const DefaultTelemetryPath = "logs/requests.jsonl"

// DefaultTelemetrySink is the telemetry storage backend.
const DefaultTelemetrySink = SinkJSONL
