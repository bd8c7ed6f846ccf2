package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/lmgate/lmstudio-gateway/internal/config"
)

// =============================================================================
// /v1/models
// =============================================================================

func TestModels_PassesUpstreamListThrough(t *testing.T) {
	const list = `{"object":"list","data":[{"id":"qwen2.5-7b","object":"model"}]}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		_, _ = io.WriteString(w, list)
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	rec := doRequest(g, http.MethodGet, "/v1/models", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, list, rec.Body.String())
	assert.Equal(t, int64(0), g.Metrics().FullStats().Models.Fallbacks)
}

func TestModels_FallbackWhenUpstreamDown(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	cfg := config.Default()
	cfg.Upstream.BaseURL = deadUpstreamURL(t)
	cfg.Upstream.Model = "local-model"
	g, err := New(cfg, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	rec := doRequest(g, http.MethodGet, "/v1/models", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var got ModelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, ModelList{
		Object: "list",
		Data:   []ModelCard{{ID: "local-model", Object: "model", Created: 1700000000}},
	}, got)
	assert.Equal(t, int64(1), g.Metrics().FullStats().Models.Fallbacks)
}

func TestModels_FallbackBoundedByModelsTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	g := newTestGateway(t, upstream.URL, func(c *config.Config) {
		c.Upstream.Timeout = 5 * time.Second
		c.Upstream.ModelsTimeout = 100 * time.Millisecond
	})

	start := time.Now()
	rec := doRequest(g, http.MethodGet, "/v1/models", "")
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Less(t, elapsed, 2*time.Second, "models call must not wait for the chat timeout")
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "data.#").Int())
	assert.Equal(t, config.DefaultProxyModel, gjson.Get(rec.Body.String(), "data.0.id").String())
	assert.Equal(t, int64(1), g.Metrics().FullStats().Models.Fallbacks)
}

func TestModels_FallbackOnUnexpectedShape(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"array body", http.StatusOK, `[{"id":"a"}]`},
		{"missing data", http.StatusOK, `{"models":[]}`},
		{"not json", http.StatusOK, `hello`},
		{"upstream error", http.StatusInternalServerError, `{"error":"boom"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer upstream.Close()

			g := newTestGateway(t, upstream.URL)
			rec := doRequest(g, http.MethodGet, "/v1/models", "")

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "list", gjson.Get(rec.Body.String(), "object").String())
			assert.Equal(t, config.DefaultProxyModel, gjson.Get(rec.Body.String(), "data.0.id").String())
		})
	}
}

// =============================================================================
// /v1/chat/completions - buffered
// =============================================================================

func TestChat_ForwardsBodyUnchanged(t *testing.T) {
	const reqBody = `{ "model": "x",  "messages": [{"role":"user","content":"hi"}], "temperature": 0.2, "extra": {"k": [1,2]} }`
	var got []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"id":"a","model":"m","choices":[]}`)
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	rec := doRequest(g, http.MethodPost, "/v1/chat/completions", reqBody)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reqBody, string(got))
}

func TestChat_FillsMissingIDAndModel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hello"}}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL, func(c *config.Config) {
		c.Upstream.Model = "proxy-model"
	})
	rec := doRequest(g, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	id := gjson.Get(body, "id").String()
	assert.True(t, strings.HasPrefix(id, CompletionIDPrefix), "id %q", id)
	assert.Len(t, id, len(CompletionIDPrefix)+24)
	assert.Equal(t, "proxy-model", gjson.Get(body, "model").String())
	assert.Equal(t, "hello", gjson.Get(body, "choices.0.message.content").String())

	stats := g.Metrics().FullStats()
	assert.Equal(t, int64(1), stats.Requests.Successful)
	assert.Equal(t, int64(7), stats.Tokens.TotalTokens)
}

func TestChat_PreservesPresentFields(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"both present", `{"id":"cmpl-1","model":"llama","choices":[]}`},
		{"null values kept", `{"id":null,"model":null,"choices":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			}))
			defer upstream.Close()

			g := newTestGateway(t, upstream.URL)
			rec := doRequest(g, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.body, rec.Body.String())
		})
	}
}

func TestChat_RejectsInvalidRequestBody(t *testing.T) {
	upstreamCalled := atomic.Bool{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalled.Store(true)
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	for _, body := range []string{`not json`, `[1,2,3]`, `"text"`, ``} {
		rec := doRequest(g, http.MethodPost, "/v1/chat/completions", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		assert.Equal(t, ErrorTypeGateway, decodeError(t, rec.Body.Bytes()).Error.Type)
	}
	assert.False(t, upstreamCalled.Load())
}

func TestChat_OversizeBodyIsTooLarge(t *testing.T) {
	upstreamCalled := atomic.Bool{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalled.Store(true)
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	body := `{"messages":"` + strings.Repeat("a", config.MaxRequestBodySize) + `"}`
	rec := doRequest(g, http.MethodPost, "/v1/chat/completions", body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "request body too large", decodeError(t, rec.Body.Bytes()).Error.Message)
	assert.False(t, upstreamCalled.Load())
}

func TestChat_MirrorsUpstreamJSONError(t *testing.T) {
	const errBody = `{"error":{"message":"model not loaded","type":"invalid_request_error"}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, errBody)
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	rec := doRequest(g, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, errBody, rec.Body.String())
	assert.Equal(t, int64(1), g.Metrics().FullStats().Upstream.HTTPErrors)
}

func TestChat_WrapsUpstreamTextError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "model is loading")
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	rec := doRequest(g, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "model is loading", decodeError(t, rec.Body.Bytes()).Error.Message)
}

func TestChat_MalformedSuccessBodyIsBadGateway(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `["not","an","object"]`)
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	rec := doRequest(g, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, int64(1), g.Metrics().FullStats().Upstream.MalformedBodies)
}

func TestChat_UpstreamUnreachable(t *testing.T) {
	g := newTestGateway(t, deadUpstreamURL(t))
	rec := doRequest(g, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decodeError(t, rec.Body.Bytes()).Error.Message, "upstream")
	assert.Equal(t, int64(1), g.Metrics().FullStats().Upstream.Unavailable)
}

func TestChat_UpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL, func(c *config.Config) {
		c.Upstream.Timeout = 100 * time.Millisecond
	})

	start := time.Now()
	rec := doRequest(g, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decodeError(t, rec.Body.Bytes()).Error.Message, "timed out")
}

// =============================================================================
// /v1/chat/completions - streaming
// =============================================================================

var sseChunks = []string{
	`data: {"id":"c1","choices":[{"delta":{"role":"assistant"}}]}` + "\n\n",
	`data: {"id":"c1","choices":[{"delta":{"content":"Hel"}}]}` + "\n\n",
	`data: {"id":"c1","choices":[{"delta":{"content":"lo"}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}` + "\n\n",
}

func sseUpstream(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			w.(http.Flusher).Flush()
		}
	}))
}

func TestStream_RelaysBytesInOrder(t *testing.T) {
	upstream := sseUpstream(t, append(sseChunks, "data: [DONE]\n\n"))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	rec := doRequest(g, http.MethodPost, "/v1/chat/completions", `{"stream":true,"messages":[]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, strings.Join(sseChunks, "")+"data: [DONE]\n\n", rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.True(t, rec.Flushed)

	stats := g.Metrics().FullStats()
	assert.Equal(t, int64(1), stats.Streams.Started)
	assert.Equal(t, int64(0), stats.Streams.Active)
	assert.Equal(t, int64(5), stats.Tokens.TotalTokens)
}

func TestStream_PlainEventsArriveInOrder(t *testing.T) {
	chunks := []string{"data: A\n\n", "data: B\n\n", "data: [DONE]\n\n"}
	upstream := sseUpstream(t, chunks)
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: A\n\ndata: B\n\ndata: [DONE]\n\n", string(data))
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}

func TestStream_FalseFlagIsBuffered(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	rec := doRequest(g, http.MethodPost, "/v1/chat/completions", `{"stream":false,"messages":[]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.True(t, gjson.Get(rec.Body.String(), "id").Exists())
	assert.Equal(t, int64(0), g.Metrics().FullStats().Streams.Started)
}

func TestStream_FirstChunkArrivesBeforeUpstreamFinishes(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseChunks[0])
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = io.WriteString(w, sseChunks[1])
	}))
	defer upstream.Close()
	defer close(release)

	g := newTestGateway(t, upstream.URL)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"stream":true,"messages":[]}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	first := make([]byte, len(sseChunks[0]))
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(resp.Body, first)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Equal(t, sseChunks[0], string(first))
	case <-time.After(2 * time.Second):
		t.Fatal("first chunk not delivered while upstream was still streaming")
	}
}

func TestStream_UpstreamErrorBeforeHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"context length exceeded"}}`)
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	rec := doRequest(g, http.MethodPost, "/v1/chat/completions", `{"stream":true,"messages":[]}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, `{"error":{"message":"context length exceeded"}}`, rec.Body.String())
	assert.Equal(t, int64(0), g.Metrics().FullStats().Streams.Started)
}

func TestStream_MidStreamFailureTruncatesResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseChunks[0])
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"stream":true,"messages":[]}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	assert.Error(t, err, "truncated stream must not end cleanly")
	assert.Equal(t, sseChunks[0], string(data))

	assert.Eventually(t, func() bool {
		return g.Metrics().FullStats().Streams.Aborted == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStream_TimeoutMidStreamTruncates(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: A\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	g := newTestGateway(t, upstream.URL, func(c *config.Config) {
		c.Upstream.Timeout = 200 * time.Millisecond
	})
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	start := time.Now()
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"stream":true,"messages":[]}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	assert.Error(t, err, "timed out stream must not end cleanly")
	assert.Equal(t, "data: A\n\n", string(data))
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.Eventually(t, func() bool {
		stats := g.Metrics().FullStats()
		return stats.Streams.Aborted == 1 && stats.Streams.Active == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStream_ClientDisconnectCancelsUpstream(t *testing.T) {
	upstreamCanceled := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseChunks[0])
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
			close(upstreamCanceled)
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/chat/completions",
		strings.NewReader(`{"stream":true,"messages":[]}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	first := make([]byte, len(sseChunks[0]))
	_, err = io.ReadFull(resp.Body, first)
	require.NoError(t, err)

	cancel()
	_ = resp.Body.Close()

	select {
	case <-upstreamCanceled:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream request was not canceled after the client left")
	}

	assert.Eventually(t, func() bool {
		stats := g.Metrics().FullStats()
		return stats.Streams.Active == 0 && stats.Streams.Aborted == 0
	}, 2*time.Second, 10*time.Millisecond)
}
