// Package toolkit exposes the crawler's boundary operations: single-page
// scrapes, web search, captures, sitemap discovery and playbook crawls. The api and mcp
// front ends call into it through Invoke.
package toolkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"go.uber.org/zap"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
	"github.com/JakeFAU/playbook-crawler/internal/orchestrator"
	"github.com/JakeFAU/playbook-crawler/internal/rules"
)

// Scrape output formats.
const (
	FormatMarkdown = "markdown"
	FormatText     = "text"
	FormatHTML     = "html"
)

// ErrUnavailable is returned when the collaborator behind a tool is not configured.
var ErrUnavailable = errors.New("tool is not configured")

// PageFetcher fetches one URL through lane selection.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (crawler.FetchResponse, error)
}

// Capturer renders a page to an image or document on disk.
type Capturer interface {
	Screenshot(ctx context.Context, rawURL, path string) (string, error)
	PDF(ctx context.Context, rawURL, path string) (string, error)
}

// CrawlFunc runs a full playbook crawl.
type CrawlFunc func(ctx context.Context, playbookPath string) (orchestrator.Summary, error)

// Deps wires the toolkit. Any collaborator may be nil; its tools then fail
// with ErrUnavailable.
type Deps struct {
	Fetcher  PageFetcher
	Capturer Capturer
	Crawl    CrawlFunc
	// SearchURL is the results page search_web fetches, with the query
	// appended. Defaults to DefaultSearchURL.
	SearchURL string
	Logger    *zap.Logger
}

// Toolkit implements the boundary operations.
type Toolkit struct {
	fetcher   PageFetcher
	capturer  Capturer
	crawl     CrawlFunc
	searchURL string
	md        *converter.Converter
	logger    *zap.Logger
}

// New builds a Toolkit.
func New(deps Deps) *Toolkit {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	searchURL := deps.SearchURL
	if searchURL == "" {
		searchURL = DefaultSearchURL
	}
	return &Toolkit{
		fetcher:   deps.Fetcher,
		capturer:  deps.Capturer,
		crawl:     deps.Crawl,
		searchURL: searchURL,
		md:        newMarkdownConverter(),
		logger:    logger,
	}
}

func newMarkdownConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(
				table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal),
			),
		),
	)
}

// ScrapeURL fetches rawURL and renders it as markdown, plain text or raw HTML.
func (t *Toolkit) ScrapeURL(ctx context.Context, rawURL, format string) (string, error) {
	if t.fetcher == nil {
		return "", fmt.Errorf("scrape_url: %w", ErrUnavailable)
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = FormatMarkdown
	}
	if format != FormatMarkdown && format != FormatText && format != FormatHTML {
		return "", fmt.Errorf("unsupported format %q", format)
	}
	target, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}

	t.logger.Info("Tool call", zap.String("tool", ToolScrapeURL), zap.String("url", target), zap.String("format", format))
	resp, err := t.fetcher.Fetch(ctx, target)
	if err != nil {
		return "", err
	}
	pageURL := resp.FinalURL
	if pageURL == "" {
		pageURL = target
	}

	switch format {
	case FormatHTML:
		return string(resp.Body), nil
	case FormatText:
		doc, err := rules.Parse(pageURL, resp.Body)
		if err != nil {
			return "", err
		}
		return doc.Text(), nil
	default:
		md, err := t.md.ConvertString(string(resp.Body), converter.WithDomain(domainOf(pageURL)))
		if err != nil {
			return "", fmt.Errorf("convert to markdown: %w", err)
		}
		return md, nil
	}
}

// Screenshot writes a full-page PNG of rawURL to path.
func (t *Toolkit) Screenshot(ctx context.Context, rawURL, path string) (string, error) {
	if t.capturer == nil {
		return "", fmt.Errorf("screenshot: %w", ErrUnavailable)
	}
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	t.logger.Info("Tool call", zap.String("tool", ToolScreenshot), zap.String("url", rawURL), zap.String("path", path))
	return t.capturer.Screenshot(ctx, rawURL, path)
}

// SavePDF prints rawURL to a PDF at path.
func (t *Toolkit) SavePDF(ctx context.Context, rawURL, path string) (string, error) {
	if t.capturer == nil {
		return "", fmt.Errorf("save_pdf: %w", ErrUnavailable)
	}
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	t.logger.Info("Tool call", zap.String("tool", ToolSavePDF), zap.String("url", rawURL), zap.String("path", path))
	return t.capturer.PDF(ctx, rawURL, path)
}

// CrawlResult is the data payload of a crawl envelope.
type CrawlResult struct {
	RunID          string   `json:"run_id"`
	Playbook       string   `json:"playbook"`
	Phase          string   `json:"phase"`
	Resumed        bool     `json:"resumed"`
	PagesProcessed int      `json:"pages_processed"`
	Results        int      `json:"results"`
	Failures       int      `json:"failures"`
	DurationMS     int64    `json:"duration_ms"`
	ResultsPath    string   `json:"results_path,omitempty"`
	Archived       []string `json:"archived,omitempty"`
}

// Crawl runs the playbook at playbookPath to completion.
func (t *Toolkit) Crawl(ctx context.Context, playbookPath string) (CrawlResult, error) {
	if t.crawl == nil {
		return CrawlResult{}, fmt.Errorf("crawl: %w", ErrUnavailable)
	}
	if strings.TrimSpace(playbookPath) == "" {
		return CrawlResult{}, errors.New("playbook path is required")
	}
	t.logger.Info("Tool call", zap.String("tool", ToolCrawl), zap.String("playbook", playbookPath))
	summary, err := t.crawl(ctx, playbookPath)
	res := CrawlResult{
		RunID:          summary.RunID,
		Playbook:       summary.Playbook,
		Phase:          string(summary.Phase),
		Resumed:        summary.Resumed,
		PagesProcessed: summary.PagesProcessed,
		Results:        summary.Results,
		Failures:       summary.Failures,
		DurationMS:     summary.Duration.Milliseconds(),
		Archived:       summary.Archived,
	}
	if len(summary.Artifacts) > 0 {
		res.ResultsPath = summary.Artifacts[0]
	}
	return res, err
}

func domainOf(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
