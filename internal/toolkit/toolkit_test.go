package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
	"github.com/JakeFAU/playbook-crawler/internal/orchestrator"
)

// siteFetcher serves canned pages and answers 404 for everything else.
type siteFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
	calls []string
}

func (f *siteFetcher) Fetch(_ context.Context, rawURL string) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rawURL)
	if err := f.errs[rawURL]; err != nil {
		return crawler.FetchResponse{}, err
	}
	body, ok := f.pages[rawURL]
	if !ok {
		return crawler.FetchResponse{URL: rawURL, FinalURL: rawURL, StatusCode: 404, Body: []byte("not found")}, nil
	}
	return crawler.FetchResponse{URL: rawURL, FinalURL: rawURL, StatusCode: 200, Body: []byte(body), Lane: crawler.LaneFast}, nil
}

type fileCapturer struct {
	err error
}

func (c fileCapturer) Screenshot(_ context.Context, _, path string) (string, error) {
	return path, c.err
}

func (c fileCapturer) PDF(_ context.Context, _, path string) (string, error) {
	return path, c.err
}

const page = `<html><head><title>T</title><script>var x = 1;</script></head>
<body>
<h1>Hello</h1>
<p>World <a href="/about">about us</a></p>
</body></html>`

func newToolkit(t *testing.T, f *siteFetcher) *Toolkit {
	t.Helper()
	return New(Deps{Fetcher: f, Capturer: fileCapturer{}, Logger: zaptest.NewLogger(t)})
}

func TestScrapeURL_Formats(t *testing.T) {
	t.Parallel()

	f := &siteFetcher{pages: map[string]string{"http://site/": page}}
	tk := newToolkit(t, f)

	md, err := tk.ScrapeURL(context.Background(), "http://site", "")
	require.NoError(t, err)
	assert.Contains(t, md, "# Hello")
	assert.Contains(t, md, "World")
	assert.Contains(t, md, "[about us](")
	assert.NotContains(t, md, "var x")

	text, err := tk.ScrapeURL(context.Background(), "http://site/", "TEXT")
	require.NoError(t, err)
	assert.Equal(t, "Hello World about us", text)

	raw, err := tk.ScrapeURL(context.Background(), "http://site/", FormatHTML)
	require.NoError(t, err)
	assert.Equal(t, page, raw)
}

func TestScrapeURL_Errors(t *testing.T) {
	t.Parallel()

	f := &siteFetcher{errs: map[string]error{"http://site/": crawler.ErrBlocked}}
	tk := newToolkit(t, f)

	_, err := tk.ScrapeURL(context.Background(), "http://site/", "pdf")
	require.Error(t, err)
	assert.Empty(t, f.calls, "format is validated before fetching")

	_, err = tk.ScrapeURL(context.Background(), "http://site/", FormatText)
	require.ErrorIs(t, err, crawler.ErrBlocked)

	_, err = New(Deps{}).ScrapeURL(context.Background(), "http://site/", "")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestCaptures(t *testing.T) {
	t.Parallel()

	tk := newToolkit(t, &siteFetcher{})
	p, err := tk.Screenshot(context.Background(), "http://site/", "/tmp/a.png")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a.png", p)

	p, err = tk.SavePDF(context.Background(), "http://site/", "/tmp/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a.pdf", p)

	_, err = tk.Screenshot(context.Background(), "http://site/", " ")
	require.Error(t, err)

	failing := New(Deps{Capturer: fileCapturer{err: crawler.ErrFetchFailed}})
	_, err = failing.SavePDF(context.Background(), "http://site/", "/tmp/a.pdf")
	require.ErrorIs(t, err, crawler.ErrFetchFailed)

	_, err = New(Deps{}).Screenshot(context.Background(), "http://site/", "/tmp/a.png")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestCrawl_MapsSummary(t *testing.T) {
	t.Parallel()

	var gotPath string
	tk := New(Deps{Crawl: func(_ context.Context, path string) (orchestrator.Summary, error) {
		gotPath = path
		return orchestrator.Summary{
			RunID:          "run-1",
			Playbook:       "Links Demo",
			Phase:          orchestrator.PhaseDone,
			PagesProcessed: 4,
			Results:        3,
			Duration:       1500 * time.Millisecond,
			Artifacts:      []string{"/out/results_links_demo.jsonl"},
		}, nil
	}})

	res, err := tk.Crawl(context.Background(), "playbooks/links.json")
	require.NoError(t, err)
	assert.Equal(t, "playbooks/links.json", gotPath)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "DONE", res.Phase)
	assert.Equal(t, 4, res.PagesProcessed)
	assert.Equal(t, int64(1500), res.DurationMS)
	assert.Equal(t, "/out/results_links_demo.jsonl", res.ResultsPath)

	_, err = tk.Crawl(context.Background(), "")
	require.Error(t, err)
}

func TestInvoke_Envelopes(t *testing.T) {
	t.Parallel()

	f := &siteFetcher{pages: map[string]string{"http://site/": page}}
	tk := New(Deps{
		Fetcher:  f,
		Capturer: fileCapturer{},
		Crawl: func(context.Context, string) (orchestrator.Summary, error) {
			return orchestrator.Summary{Phase: orchestrator.PhaseFailed}, errors.New("playbook invalid")
		},
	})
	ctx := context.Background()

	env := tk.Invoke(ctx, ToolScrapeURL, map[string]any{"url": "http://site/", "format": "text"})
	require.True(t, env.OK())
	assert.Equal(t, "Hello World about us", env.Data)

	env = tk.Invoke(ctx, ToolScreenshot, map[string]any{"url": "http://site/", "path": "/tmp/x.png"})
	require.True(t, env.OK())
	assert.Equal(t, map[string]string{"path": "/tmp/x.png"}, env.Data)

	env = tk.Invoke(ctx, ToolCrawl, map[string]any{"playbook": "p.json"})
	assert.False(t, env.OK())
	assert.Equal(t, "playbook invalid", env.Error)
	assert.Equal(t, "FAILED", env.Data.(CrawlResult).Phase)

	env = tk.Invoke(ctx, "deep_research", nil)
	assert.False(t, env.OK())
	assert.Contains(t, env.Error, ErrUnknownTool.Error())

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(env.JSON()), &decoded))
	assert.Equal(t, StatusError, decoded["status"])
	assert.NotContains(t, decoded, "data")
}

func TestSpecs_CoverInvoke(t *testing.T) {
	t.Parallel()

	tk := New(Deps{})
	for _, spec := range Specs() {
		env := tk.Invoke(context.Background(), spec.Name, map[string]any{})
		assert.NotContains(t, env.Error, ErrUnknownTool.Error(), spec.Name)
	}
}
