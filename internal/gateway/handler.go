// HTTP request handling for the gateway.
//
// DESIGN: Main request flow:
//   - handleChatCompletions(): Entry point, reads body and the "stream" flag
//   - handleNonStreaming():    Buffered call, id/model defaults, status mirrored
//   - handleStreaming():       Byte-for-byte relay of the upstream event stream
//
// Also includes the health check and model listing. No handler retries an
// upstream call; retrying is the caller's decision.
package gateway

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/lmgate/lmstudio-gateway/internal/config"
	"github.com/lmgate/lmstudio-gateway/internal/utils"
)

// handleHealth reports liveness. It never contacts the upstream.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"upstream": g.upstream.BaseURL(),
	})
	g.prom.RequestsTotal.WithLabelValues(RouteHealth, "200").Inc()
}

// handleModels relays the upstream model list. Any failure or unexpected
// shape is answered with a single synthesized entry; this endpoint always
// returns 200 so model discovery never blocks a client.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	rc := NewRequestContext(r, RouteModels)
	defer g.finishRequest(rc)

	resp, err := g.upstream.ListModels(r.Context())
	if err == nil {
		rc.UpstreamStatus = resp.StatusCode
		rc.UpstreamLatency = resp.Latency
		g.prom.UpstreamLatency.WithLabelValues(RouteModels, "buffered").Observe(resp.Latency.Seconds())

		if isModelList(resp.Body) {
			rc.StatusCode = http.StatusOK
			rc.ResponseBytes = int64(writeRawJSON(w, http.StatusOK, resp.Body))
			g.metrics.RecordModels(false)
			return
		}
		log.Warn().
			Str("request_id", rc.RequestID).
			Str("response", utils.Truncate(string(resp.Body), config.MaxErrorBodyLogLen)).
			Msg("models: unexpected upstream shape, serving fallback")
	} else {
		log.Warn().
			Err(err).
			Str("request_id", rc.RequestID).
			Msg("models: upstream unavailable, serving fallback")
	}

	rc.ModelsFallback = true
	rc.StatusCode = http.StatusOK
	g.metrics.RecordModels(true)
	g.prom.ModelsFallbackTotal.Inc()
	writeJSON(w, http.StatusOK, fallbackModelList(g.config.Upstream.Model, g.now()))
}

// handleChatCompletions forwards a chat-completions request unchanged.
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	rc := NewRequestContext(r, RouteChatCompletions)
	defer g.finishRequest(rc)

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		rc.Err = err
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			rc.StatusCode = http.StatusRequestEntityTooLarge
			writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		rc.StatusCode = http.StatusBadRequest
		writeError(w, "failed to read request", http.StatusBadRequest)
		return
	}
	rc.RequestBodySize = len(body)

	if !isJSONObject(body) {
		rc.Err = errors.New("request body is not a JSON object")
		rc.StatusCode = http.StatusBadRequest
		writeError(w, "request body must be a JSON object", http.StatusBadRequest)
		return
	}

	// The server read deadline must not cut off a long upstream call once the
	// request body has been consumed; the upstream timeout governs from here.
	_ = http.NewResponseController(w).SetReadDeadline(time.Time{})

	rc.Stream = isStreamingRequest(body)
	rc.Model = gjson.GetBytes(body, "model").String()

	if rc.Stream {
		g.handleStreaming(w, r, body, rc)
	} else {
		g.handleNonStreaming(w, r, body, rc)
	}
}

// handleNonStreaming waits for the full upstream answer, fills absent
// id/model fields and returns it with the upstream's status code.
func (g *Gateway) handleNonStreaming(w http.ResponseWriter, r *http.Request, body []byte, rc *RequestContext) {
	resp, err := g.upstream.ChatCompletion(r.Context(), body)
	if err != nil {
		g.writeUpstreamError(w, r, rc, err)
		return
	}
	rc.UpstreamStatus = resp.StatusCode
	rc.UpstreamLatency = resp.Latency
	g.prom.UpstreamLatency.WithLabelValues(RouteChatCompletions, "buffered").Observe(resp.Latency.Seconds())

	normalized, err := normalizeCompletion(resp.Body, g.config.Upstream.Model)
	if err != nil {
		log.Error().
			Err(err).
			Str("request_id", rc.RequestID).
			Str("response", utils.Truncate(string(resp.Body), config.MaxErrorBodyLogLen)).
			Msg("malformed upstream completion")
		g.writeUpstreamError(w, r, rc, err)
		return
	}

	rc.Usage = extractUsage(normalized)
	rc.StatusCode = resp.StatusCode
	rc.ResponseBytes = int64(writeRawJSON(w, resp.StatusCode, normalized))
}

// handleStreaming relays the upstream event stream as it is produced.
func (g *Gateway) handleStreaming(w http.ResponseWriter, r *http.Request, body []byte, rc *RequestContext) {
	stream, err := g.upstream.StreamChatCompletion(r.Context(), body)
	if err != nil {
		g.writeUpstreamError(w, r, rc, err)
		return
	}
	defer func() { _ = stream.Body.Close() }()

	rc.UpstreamStatus = stream.StatusCode
	rc.UpstreamLatency = stream.Latency
	rc.StatusCode = stream.StatusCode
	g.prom.UpstreamLatency.WithLabelValues(RouteChatCompletions, "stream").Observe(stream.Latency.Seconds())

	g.metrics.StreamStarted()
	g.prom.StreamsActive.Inc()

	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(stream.StatusCode)

	result := relayStream(w, stream.Body)
	rc.ResponseBytes = result.Bytes
	rc.Usage = result.Usage

	aborted := false
	switch {
	case result.ClientGone || (result.Err != nil && r.Context().Err() != nil):
		// Caller left: stop reading; the deferred Close releases the upstream call.
		rc.ClientGone = true
		log.Debug().Str("request_id", rc.RequestID).Int64("bytes", result.Bytes).Msg("client disconnected mid-stream")
	case result.Err != nil:
		aborted = true
		rc.Err = result.Err
		log.Error().
			Err(result.Err).
			Str("request_id", rc.RequestID).
			Int64("bytes", result.Bytes).
			Msg("upstream stream failed, aborting response")
	}

	g.metrics.StreamFinished(aborted)
	g.prom.StreamsActive.Dec()

	if aborted {
		// Headers are gone; cut the connection so the caller sees a truncated
		// transfer rather than a clean end of stream.
		panic(http.ErrAbortHandler)
	}
}

// finishRequest records metrics and telemetry for a completed request.
func (g *Gateway) finishRequest(rc *RequestContext) {
	if rc.StatusCode == 0 {
		rc.StatusCode = http.StatusOK
	}

	if rc.Route == RouteChatCompletions && !rc.ClientGone {
		g.metrics.RecordRequest(rc.Success())
	}
	if !rc.Usage.IsZero() {
		g.metrics.RecordUsage(rc.Usage)
		g.prom.RecordUsage(rc.Usage)
	}
	g.prom.RequestsTotal.WithLabelValues(rc.Route, statusLabel(rc.StatusCode)).Inc()
	g.tracker.RecordRequest(rc.event())
}
