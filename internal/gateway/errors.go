package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/lmgate/lmstudio-gateway/internal/upstream"
)

// ErrorTypeGateway marks errors produced by the gateway itself.
const ErrorTypeGateway = "gateway_error"

// ErrorEnvelope is the OpenAI-style error document.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the payload of ErrorEnvelope.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRawJSON writes an already-encoded JSON document unchanged.
func writeRawJSON(w http.ResponseWriter, status int, body []byte) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	n, _ := w.Write(body)
	return n
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, ErrorEnvelope{Error: ErrorBody{Message: msg, Type: ErrorTypeGateway}})
}

// writeUpstreamError maps a failed chat-completions call onto the caller's response:
//   - *upstream.HTTPError:        upstream status mirrored, upstream JSON body forwarded
//     as-is, anything else wrapped in the envelope
//   - *upstream.UnavailableError: 502 envelope; nothing written if the caller left
//   - ErrMalformedBody and others: 502 envelope
func (g *Gateway) writeUpstreamError(w http.ResponseWriter, r *http.Request, rc *RequestContext, err error) {
	rc.Err = err

	var httpErr *upstream.HTTPError
	var unavailable *upstream.UnavailableError

	switch {
	case errors.As(err, &httpErr):
		g.metrics.RecordUpstreamHTTPError()
		rc.UpstreamStatus = httpErr.StatusCode
		rc.StatusCode = httpErr.StatusCode

		body := bytes.TrimSpace(httpErr.Body)
		if len(body) > 0 && gjson.ValidBytes(body) {
			rc.ResponseBytes = int64(writeRawJSON(w, httpErr.StatusCode, body))
			return
		}
		msg := string(body)
		if msg == "" {
			msg = http.StatusText(httpErr.StatusCode)
		}
		writeError(w, msg, httpErr.StatusCode)

	case errors.As(err, &unavailable):
		if unavailable.Canceled() && r.Context().Err() != nil {
			rc.ClientGone = true
			rc.StatusCode = statusClientClosedRequest
			log.Debug().Str("request_id", rc.RequestID).Msg("client disconnected before upstream answered")
			return
		}
		g.metrics.RecordUpstreamUnavailable()
		rc.StatusCode = http.StatusBadGateway
		writeError(w, unavailable.Error(), http.StatusBadGateway)

	case errors.Is(err, ErrMalformedBody):
		g.metrics.RecordMalformedBody()
		rc.StatusCode = http.StatusBadGateway
		writeError(w, err.Error(), http.StatusBadGateway)

	default:
		rc.StatusCode = http.StatusBadGateway
		writeError(w, err.Error(), http.StatusBadGateway)
	}
}

// statusClientClosedRequest is recorded (never sent) when the caller disconnects.
const statusClientClosedRequest = 499
