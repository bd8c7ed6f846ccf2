package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrResponseTooLarge is returned when a buffered body exceeds config.MaxResponseSize.
var ErrResponseTooLarge = errors.New("upstream response too large")

// UnavailableError means the upstream could not be reached or did not answer
// in time: connection refused, DNS failure, reset, deadline exceeded.
type UnavailableError struct {
	Op      string
	Err     error
	Timeout time.Duration
}

func (e *UnavailableError) Error() string {
	if e.TimedOut() {
		return fmt.Sprintf("upstream %s timed out after %s", e.Op, e.Timeout)
	}
	return fmt.Sprintf("upstream %s failed: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// TimedOut reports whether the per-call deadline expired.
func (e *UnavailableError) TimedOut() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// Canceled reports whether the caller went away before the upstream answered.
func (e *UnavailableError) Canceled() bool {
	return errors.Is(e.Err, context.Canceled)
}

// HTTPError is a non-2xx upstream response. Body holds the upstream's error payload.
type HTTPError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *HTTPError) Error() string {
	text := strings.TrimSpace(string(e.Body))
	if text == "" {
		text = http.StatusText(e.StatusCode)
	}
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, text)
}
