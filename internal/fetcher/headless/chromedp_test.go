package headless

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
)

type fixedBackoff struct {
	*ExponentialRetryPolicy
}

func (fixedBackoff) Backoff(int) time.Duration { return time.Millisecond }

func newTestFetcher(t *testing.T, maxAttempts int) *Fetcher {
	t.Helper()
	f, err := NewChromedp(Config{MaxParallel: 1, MaxAttempts: maxAttempts}, nil)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	f.retry = fixedBackoff{NewExponentialRetryPolicy(maxAttempts, 0, 0)}
	return f
}

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	f, err := NewChromedp(Config{MaxParallel: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	require.NotNil(t, f.limiter)
	require.Equal(t, 45*time.Second, f.cfg.NavigationTimeout)
}

func TestFetch_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, 3)
	var calls atomic.Int32
	f.render = func(_ context.Context, req crawler.FetchRequest) (rendered, error) {
		if calls.Add(1) < 3 {
			return rendered{}, errors.New("net::ERR_CONNECTION_RESET")
		}
		return rendered{html: "<html>ok</html>", finalURL: req.URL, status: 200, headers: http.Header{}}, nil
	}

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com"})
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, crawler.LanePower, resp.Lane)
	require.Equal(t, "<html>ok</html>", string(resp.Body))
	require.Equal(t, "https://example.com", resp.FinalURL)
}

func TestFetch_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, 2)
	var calls atomic.Int32
	f.render = func(context.Context, crawler.FetchRequest) (rendered, error) {
		calls.Add(1)
		return rendered{}, errors.New("chrome crashed")
	}

	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com"})
	require.ErrorContains(t, err, "after 2 attempt(s)")
	require.EqualValues(t, 2, calls.Load())
}

func TestFetch_StopsOnCallerCancel(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	f.render = func(context.Context, crawler.FetchRequest) (rendered, error) {
		calls.Add(1)
		cancel()
		return rendered{}, context.Canceled
	}

	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, context.Canceled)
	require.EqualValues(t, 1, calls.Load())
}

func TestExponentialRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 100*time.Millisecond, time.Second)
	require.False(t, p.ShouldRetry(nil, 1))
	require.True(t, p.ShouldRetry(errors.New("x"), 1))
	require.True(t, p.ShouldRetry(context.DeadlineExceeded, 2))
	require.False(t, p.ShouldRetry(errors.New("x"), 3))
	require.False(t, p.ShouldRetry(context.Canceled, 1))

	for attempt := 1; attempt <= 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, time.Second)
	}
	require.GreaterOrEqual(t, p.Backoff(1), 100*time.Millisecond)
}

func TestResponseMetaFallbacks(t *testing.T) {
	t.Parallel()

	m := newResponseMeta()
	status, _, url := m.snapshotWithFallbacks("https://a.example", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://a.example", url)

	m.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			URL:     "https://a.example/final",
			Status:  403,
			Headers: network.Headers{"Server": "cloudflare"},
		},
	})
	m.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{URL: "https://a.example/logo.png", Status: 200},
	})
	status, headers, url := m.snapshotWithFallbacks("https://a.example", "")
	require.Equal(t, 403, status)
	require.Equal(t, "cloudflare", headers.Get("Server"))
	require.Equal(t, "https://a.example/final", url)
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	h := toNetworkHeaders(http.Header{"X-One": {"a"}, "X-Many": {"a", "b"}, "X-None": {}})
	require.Equal(t, "a", h["X-One"])
	require.Equal(t, []string{"a", "b"}, h["X-Many"])
	_, ok := h["X-None"]
	require.False(t, ok)
}

func TestWriteArtifact(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "shots", "page.png")
	got, err := writeArtifact(path, []byte("png"))
	require.NoError(t, err)
	require.Equal(t, path, got)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "png", string(data))
}
