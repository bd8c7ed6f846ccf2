// Package upstream is the HTTP client for the inference server behind the gateway.
//
// FILES:
//   - client.go: Client, buffered and streaming calls, header policy
//   - errors.go: UnavailableError / HTTPError taxonomy
//
// DESIGN: Every call derives its own deadline from the caller's context, so a
// client disconnect or the configured timeout cancels the upstream request.
// Streaming calls hand back a body whose Close releases that deadline.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lmgate/lmstudio-gateway/internal/config"
	"github.com/lmgate/lmstudio-gateway/internal/utils"
)

// Upstream paths, relative to the configured base URL.
const (
	PathModels          = "/models"
	PathChatCompletions = "/chat/completions"
)

// DefaultStreamContentType is used when the upstream omits Content-Type on a stream.
const DefaultStreamContentType = "text/event-stream"

// =============================================================================
// Client
// =============================================================================

// Client talks to a single upstream. It is safe for concurrent use.
type Client struct {
	baseURL       string
	apiKey        string
	userAgent     string
	timeout       time.Duration
	modelsTimeout time.Duration
	httpClient    *http.Client
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
// Deadlines are applied per call through the context, not through Client.Timeout.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// NewClient creates a client for the configured upstream.
func NewClient(cfg config.UpstreamConfig, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		userAgent:     cfg.UserAgent,
		timeout:       cfg.Timeout,
		modelsTimeout: cfg.ModelsTimeout,
		httpClient:    &http.Client{Transport: newTransport()},
	}
	if c.userAgent == "" {
		c.userAgent = config.DefaultUserAgent
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DefaultDialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          4 * config.DefaultMaxIdleConnsPerHost,
		MaxIdleConnsPerHost:   config.DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// BaseURL returns the upstream base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HasAPIKey returns true if a bearer token is sent upstream.
func (c *Client) HasAPIKey() bool {
	return c.apiKey != ""
}

// Response is a fully buffered upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Latency    time.Duration
}

// Stream is an upstream response whose body is still being produced.
// The caller must Close Body; closing it cancels the upstream call.
type Stream struct {
	StatusCode  int
	Header      http.Header
	ContentType string
	Body        io.ReadCloser
	Latency     time.Duration // time to response headers
}

// =============================================================================
// API Methods
// =============================================================================

// ListModels fetches the upstream model list, bounded by the models timeout.
// Non-2xx responses are returned as *HTTPError.
func (c *Client) ListModels(ctx context.Context) (*Response, error) {
	return c.doBuffered(ctx, http.MethodGet, PathModels, nil, c.modelsTimeout)
}

// ChatCompletion forwards body unchanged and waits for the complete response.
// Non-2xx responses are returned as *HTTPError.
func (c *Client) ChatCompletion(ctx context.Context, body []byte) (*Response, error) {
	return c.doBuffered(ctx, http.MethodPost, PathChatCompletions, body, c.timeout)
}

// StreamChatCompletion forwards body unchanged and returns as soon as the
// upstream has sent response headers. The configured timeout keeps running
// until Body is closed. Non-2xx responses are drained and returned as *HTTPError.
func (c *Client) StreamChatCompletion(ctx context.Context, body []byte) (*Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	start := time.Now()
	resp, err := c.send(ctx, http.MethodPost, PathChatCompletions, body)
	if err != nil {
		cancel()
		return nil, c.unavailable("stream chat completion", err, c.timeout)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer func() { _ = resp.Body.Close() }()
		return nil, c.httpError(resp, PathChatCompletions)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = DefaultStreamContentType
	}

	return &Stream{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		ContentType: contentType,
		Body:        &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
		Latency:     time.Since(start),
	}, nil
}

// =============================================================================
// HTTP helpers
// =============================================================================

func (c *Client) doBuffered(ctx context.Context, method, path string, body []byte, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	op := strings.ToLower(method) + " " + path
	start := time.Now()
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return nil, c.unavailable(op, err, timeout)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.httpError(resp, path)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, config.MaxResponseSize+1))
	if err != nil {
		return nil, c.unavailable(op, fmt.Errorf("read body: %w", err), timeout)
	}
	if len(respBody) > config.MaxResponseSize {
		return nil, fmt.Errorf("%s: %w", op, ErrResponseTooLarge)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
		Latency:    time.Since(start),
	}, nil
}

func (c *Client) send(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	targetURL := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, method, targetURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(httpReq)

	log.Debug().
		Str("method", method).
		Str("targetURL", targetURL).
		Int("body_size", len(body)).
		Str("authorization", utils.MaskKey(c.apiKey)).
		Msg("forwarding request")

	return c.httpClient.Do(httpReq)
}

// setHeaders applies the fixed outbound header set.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) unavailable(op string, err error, timeout time.Duration) *UnavailableError {
	e := &UnavailableError{Op: op, Err: err, Timeout: timeout}
	if e.TimedOut() {
		log.Warn().Str("op", op).Dur("timeout", timeout).Msg("upstream request timed out")
	} else if !e.Canceled() {
		log.Error().Err(err).Str("op", op).Msg("upstream request failed")
	}
	return e
}

func (c *Client) httpError(resp *http.Response, path string) *HTTPError {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, config.MaxResponseSize))
	log.Error().
		Int("status", resp.StatusCode).
		Str("targetURL", c.baseURL+path).
		Str("response", string(bodyBytes[:min(config.MaxErrorBodyLogLen, len(bodyBytes))])).
		Msg("upstream error response")
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       bodyBytes,
	}
}

// cancelOnClose releases the per-call deadline once the stream body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
