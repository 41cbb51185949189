// Package headless implements the Power Lane: a Chrome-rendered fetch via
// chromedp, plus screenshot and PDF capture for the tool surface.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	// ProxyServer is passed to Chrome as --proxy-server. Chrome cannot take
	// proxy credentials on the command line, so it must not require auth.
	ProxyServer string
	ExecPath    string
	NoSandbox   bool
	MaxAttempts int
}

type rendered struct {
	html     string
	finalURL string
	status   int
	headers  http.Header
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	limiter     *semaphore.Weighted
	retry       RetryPolicy
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc

	render func(ctx context.Context, request crawler.FetchRequest) (rendered, error)
}

// NewChromedp creates a headless fetcher backed by chromedp. Chrome is not
// started until the first fetch.
func NewChromedp(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *semaphore.Weighted
	if cfg.MaxParallel > 0 {
		limiter = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ProxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyServer))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	f := &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		retry:       NewExponentialRetryPolicy(cfg.MaxAttempts, 0, 0),
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
	f.render = f.renderOnce
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates with a headless browser and returns the rendered DOM.
// Failed attempts are retried per the retry policy before giving up.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return crawler.FetchResponse{}, err
	}
	defer f.release()

	start := time.Now()
	for attempt := 1; ; attempt++ {
		out, err := f.render(ctx, request)
		if err == nil {
			return crawler.FetchResponse{
				URL:        request.URL,
				FinalURL:   out.finalURL,
				StatusCode: out.status,
				Headers:    out.headers,
				Body:       []byte(out.html),
				Duration:   time.Since(start),
				Lane:       crawler.LanePower,
			}, nil
		}
		if ctx.Err() != nil || !f.retry.ShouldRetry(err, attempt) {
			return crawler.FetchResponse{}, fmt.Errorf("render %s after %d attempt(s): %w", request.URL, attempt, err)
		}
		wait := f.retry.Backoff(attempt)
		f.logger.Debug("retrying render",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, ctx.Err())
		case <-timer.C:
		}
	}
}

func (f *Fetcher) renderOnce(ctx context.Context, request crawler.FetchRequest) (rendered, error) {
	timeout := f.cfg.NavigationTimeout
	if request.Timeout > 0 {
		timeout = request.Timeout
	}
	taskCtx, cancel := f.newTab(ctx, timeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	var out rendered
	actions := []chromedp.Action{
		f.networkSetupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if f.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(f.cfg.SettleDelay))
	}
	actions = append(actions,
		chromedp.Location(&out.finalURL),
		chromedp.OuterHTML("html", &out.html, chromedp.ByQuery),
	)
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return rendered{}, fmt.Errorf("chromedp run: %w", err)
	}
	out.status, out.headers, out.finalURL = meta.snapshotWithFallbacks(request.URL, out.finalURL)
	return out, nil
}

// Screenshot renders rawURL and writes a full-page PNG to path.
func (f *Fetcher) Screenshot(ctx context.Context, rawURL, path string) (string, error) {
	var buf []byte
	err := f.capture(ctx, rawURL, chromedp.FullScreenshot(&buf, 90))
	if err != nil {
		return "", fmt.Errorf("screenshot %s: %w", rawURL, err)
	}
	return writeArtifact(path, buf)
}

// PDF renders rawURL and writes it as a PDF to path.
func (f *Fetcher) PDF(ctx context.Context, rawURL, path string) (string, error) {
	var buf []byte
	err := f.capture(ctx, rawURL, chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	}))
	if err != nil {
		return "", fmt.Errorf("pdf %s: %w", rawURL, err)
	}
	return writeArtifact(path, buf)
}

func (f *Fetcher) capture(ctx context.Context, rawURL string, action chromedp.Action) error {
	if err := f.acquire(ctx); err != nil {
		return err
	}
	defer f.release()

	taskCtx, cancel := f.newTab(ctx, f.cfg.NavigationTimeout)
	defer cancel()
	return chromedp.Run(taskCtx,
		f.networkSetupAction(nil),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		action,
	)
}

// newTab opens a browser tab that closes when either ctx or the returned
// cancel ends it.
func (f *Fetcher) newTab(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	tabCtx, tabCancel := chromedp.NewContext(f.allocator)
	tabCtx, timeoutCancel := context.WithTimeout(tabCtx, timeout)
	stop := context.AfterFunc(ctx, timeoutCancel)
	return tabCtx, func() {
		stop()
		timeoutCancel()
		tabCancel()
	}
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	if err := f.limiter.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("headless slot wait canceled: %w", err)
	}
	return nil
}

func (f *Fetcher) release() {
	if f.limiter != nil {
		f.limiter.Release(1)
	}
}

func writeArtifact(path string, data []byte) (string, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// responseMeta records the status and headers of the main document response.
type responseMeta struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	event, ok := ev.(*network.EventResponseReceived)
	if !ok || event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Redirect hops also fire; the last document response wins.
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.Lock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.Unlock()

	switch {
	case finalURL != "":
		url = finalURL
	case url == "":
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
