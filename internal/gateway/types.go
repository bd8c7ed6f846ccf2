// Package gateway types - request-scoped state for telemetry.
//
// DESIGN: RequestContext is created when a request arrives and filled in as
// it moves through the handler. It never outlives the request and is never
// shared between requests.
package gateway

import (
	"net/http"
	"time"

	"github.com/lmgate/lmstudio-gateway/internal/monitoring"
)

// RequestContext carries per-request data through the handler to telemetry.
type RequestContext struct {
	RequestID  string
	Route      string
	Method     string
	Path       string
	ClientIP   string
	ReceivedAt time.Time

	Stream          bool   // "stream": true on the request body
	Model           string // requested model, logging only
	RequestBodySize int

	StatusCode      int // status sent to the caller
	UpstreamStatus  int // status received from the upstream, 0 if none
	ResponseBytes   int64
	UpstreamLatency time.Duration
	Usage           monitoring.UsageInfo

	ModelsFallback bool
	ClientGone     bool
	Err            error
}

// NewRequestContext creates a request context for the given route.
func NewRequestContext(r *http.Request, route string) *RequestContext {
	return &RequestContext{
		RequestID:  getRequestID(r),
		Route:      route,
		Method:     r.Method,
		Path:       r.URL.Path,
		ClientIP:   r.RemoteAddr,
		ReceivedAt: time.Now(),
	}
}

// Success reports whether the caller got a 2xx answer.
func (rc *RequestContext) Success() bool {
	return rc.Err == nil && rc.StatusCode >= 200 && rc.StatusCode < 300
}

// event converts the context into a telemetry record.
func (rc *RequestContext) event() *monitoring.RequestEvent {
	ev := &monitoring.RequestEvent{
		RequestID:         rc.RequestID,
		Timestamp:         rc.ReceivedAt,
		Method:            rc.Method,
		Path:              rc.Path,
		ClientIP:          rc.ClientIP,
		Stream:            rc.Stream,
		Model:             rc.Model,
		RequestBodySize:   rc.RequestBodySize,
		ResponseBodySize:  rc.ResponseBytes,
		StatusCode:        rc.StatusCode,
		UpstreamStatus:    rc.UpstreamStatus,
		Success:           rc.Success(),
		ModelsFallback:    rc.ModelsFallback,
		ClientGone:        rc.ClientGone,
		UpstreamLatencyMs: rc.UpstreamLatency.Milliseconds(),
		TotalLatencyMs:    time.Since(rc.ReceivedAt).Milliseconds(),
		PromptTokens:      rc.Usage.PromptTokens,
		CompletionTokens:  rc.Usage.CompletionTokens,
		TotalTokens:       rc.Usage.TotalTokens,
	}
	if rc.Err != nil {
		ev.Error = rc.Err.Error()
	}
	return ev
}
