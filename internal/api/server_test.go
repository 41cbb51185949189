package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/playbook-crawler/internal/toolkit"
)

type call struct {
	tool string
	args map[string]any
}

// fakeInvoker returns canned envelopes and records each call.
type fakeInvoker struct {
	mu     sync.Mutex
	calls  []call
	result toolkit.Envelope
	block  bool
}

func (f *fakeInvoker) Invoke(ctx context.Context, tool string, args map[string]any) toolkit.Envelope {
	f.mu.Lock()
	f.calls = append(f.calls, call{tool: tool, args: args})
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return toolkit.Failure(ctx.Err())
	}
	return f.result
}

func (f *fakeInvoker) lastCall() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newTestServer(t *testing.T, inv Invoker, ready ReadyFunc, cfg Config) *Server {
	t.Helper()
	return NewServer(inv, ready, cfg, zaptest.NewLogger(t))
}

func do(t *testing.T, s *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) toolkit.Envelope {
	t.Helper()
	var env toolkit.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeInvoker{}, nil, Config{})
	rec := do(t, s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok"`)

	rec = do(t, s, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	down := newTestServer(t, &fakeInvoker{}, func(context.Context) error { return errors.New("postgres unreachable") }, Config{})
	rec = do(t, down, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "postgres unreachable")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeInvoker{}, nil, Config{})
	_ = do(t, s, http.MethodGet, "/healthz", "", nil)
	rec := do(t, s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_InvokeTool_Success(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{result: toolkit.Success("# Title")}
	s := newTestServer(t, inv, nil, Config{})

	rec := do(t, s, http.MethodPost, "/v1/tools/scrape_url", `{"url":"https://shop.example/","format":"markdown"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, toolkit.StatusSuccess, env.Status)
	assert.Equal(t, "# Title", env.Data)

	got := inv.lastCall()
	assert.Equal(t, toolkit.ToolScrapeURL, got.tool)
	assert.Equal(t, "https://shop.example/", got.args["url"])
}

func TestServer_InvokeTool_FailureEnvelope(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{result: toolkit.Failure(errors.New("blocked by target site"))}
	s := newTestServer(t, inv, nil, Config{})

	rec := do(t, s, http.MethodPost, "/v1/tools/get_sitemap", `{"url":"https://shop.example/"}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, toolkit.StatusError, env.Status)
	assert.Equal(t, "blocked by target site", env.Error)
}

func TestServer_InvokeTool_BadRequests(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{result: toolkit.Success("ok")}
	s := newTestServer(t, inv, nil, Config{})

	rec := do(t, s, http.MethodPost, "/v1/tools/search_web", `{}`, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, toolkit.StatusError, decodeEnvelope(t, rec).Status)

	rec = do(t, s, http.MethodPost, "/v1/tools/crawl", `{not json`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/tools/crawl", ``, nil)
	require.Equal(t, http.StatusOK, rec.Code, "an empty body means no arguments")
	assert.Empty(t, inv.lastCall().args)
}

func TestServer_InvokeTool_Timeout(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{block: true}
	s := newTestServer(t, inv, nil, Config{RequestTimeout: 20 * time.Millisecond})

	rec := do(t, s, http.MethodPost, "/v1/tools/crawl", `{"playbook":"p.json"}`, nil)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec).Error, "deadline exceeded")
}

func TestServer_ListTools(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeInvoker{}, nil, Config{})
	rec := do(t, s, http.MethodGet, "/v1/tools/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tools []toolInfo `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tools, len(toolkit.Specs()))
	assert.Equal(t, toolkit.ToolScrapeURL, body.Tools[0].Name)
	assert.Equal(t, []string{"url"}, body.Tools[0].Required)
	assert.Equal(t, []string{"format"}, body.Tools[0].Optional)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeInvoker{result: toolkit.Success("ok")}, nil, Config{APIKey: "secret"})

	rec := do(t, s, http.MethodPost, "/v1/tools/scrape_url", `{}`, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/tools/scrape_url", `{}`, map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/tools/scrape_url?api_key=secret", `{}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeInvoker{}, nil, Config{})
	rec := do(t, s, http.MethodGet, "/healthz", "", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "abc-123"})
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
