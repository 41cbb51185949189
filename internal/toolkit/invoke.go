package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cast"
)

// Tool names shared by the HTTP and MCP front ends.
const (
	ToolScrapeURL  = "scrape_url"
	ToolSearchWeb  = "search_web"
	ToolSitemap    = "get_sitemap"
	ToolScreenshot = "screenshot"
	ToolSavePDF    = "save_pdf"
	ToolCrawl      = "crawl"
)

// Envelope statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrUnknownTool is returned for a tool name Invoke does not know.
var ErrUnknownTool = errors.New("unknown tool")

// Envelope is the uniform tool result. Error carries the failure as text.
type Envelope struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Success wraps data.
func Success(data any) Envelope {
	return Envelope{Status: StatusSuccess, Data: data}
}

// Failure converts err to text.
func Failure(err error) Envelope {
	return Envelope{Status: StatusError, Error: err.Error()}
}

// OK reports whether the envelope carries a result.
func (e Envelope) OK() bool { return e.Status == StatusSuccess }

// JSON renders the envelope. It never fails for the payloads Invoke produces.
func (e Envelope) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		data, _ = json.Marshal(Failure(fmt.Errorf("encode result: %w", err)))
	}
	return string(data)
}

// Param describes one tool argument.
type Param struct {
	Name        string
	Description string
	Required    bool
	Enum        []string
}

// Spec describes a tool for front ends that advertise a catalogue.
type Spec struct {
	Name        string
	Description string
	Params      []Param
}

// Specs lists every tool Invoke accepts.
func Specs() []Spec {
	return []Spec{
		{
			Name:        ToolScrapeURL,
			Description: "Fetch a single page, escalating to a headless browser when blocked, and return its content.",
			Params: []Param{
				{Name: "url", Description: "The page to scrape", Required: true},
				{Name: "format", Description: "Output format: markdown (default), text or html", Enum: []string{FormatMarkdown, FormatText, FormatHTML}},
			},
		},
		{
			Name:        ToolSearchWeb,
			Description: "Search the web and return the top results with their titles, URLs and snippets.",
			Params: []Param{
				{Name: "query", Description: "What to search for", Required: true},
				{Name: "max_results", Description: "How many results to return (default 10)"},
			},
		},
		{
			Name:        ToolSitemap,
			Description: "List the URLs a site advertises in its sitemap, or the links on its landing page when it has none.",
			Params: []Param{
				{Name: "url", Description: "Site URL or sitemap URL", Required: true},
			},
		},
		{
			Name:        ToolScreenshot,
			Description: "Render a page in a headless browser and save a full-page PNG.",
			Params: []Param{
				{Name: "url", Description: "The page to capture", Required: true},
				{Name: "path", Description: "Where to write the PNG", Required: true},
			},
		},
		{
			Name:        ToolSavePDF,
			Description: "Render a page in a headless browser and print it to PDF.",
			Params: []Param{
				{Name: "url", Description: "The page to print", Required: true},
				{Name: "path", Description: "Where to write the PDF", Required: true},
			},
		},
		{
			Name:        ToolCrawl,
			Description: "Run a playbook crawl to completion, resuming from saved state when present.",
			Params: []Param{
				{Name: "playbook", Description: "Path to the playbook JSON file", Required: true},
			},
		},
	}
}

// Invoke dispatches a tool call by name. Arguments are coerced loosely so
// JSON numbers and strings both work.
func (t *Toolkit) Invoke(ctx context.Context, tool string, args map[string]any) Envelope {
	arg := func(name string) string { return cast.ToString(args[name]) }

	switch tool {
	case ToolScrapeURL:
		content, err := t.ScrapeURL(ctx, arg("url"), arg("format"))
		if err != nil {
			return Failure(err)
		}
		return Success(content)
	case ToolSearchWeb:
		results, err := t.SearchWeb(ctx, arg("query"), cast.ToInt(args["max_results"]))
		if err != nil {
			return Failure(err)
		}
		return Success(map[string]any{"query": arg("query"), "results": results, "count": len(results)})
	case ToolSitemap:
		urls, err := t.Sitemap(ctx, arg("url"))
		if err != nil {
			return Failure(err)
		}
		return Success(map[string]any{"urls": urls, "count": len(urls)})
	case ToolScreenshot:
		path, err := t.Screenshot(ctx, arg("url"), arg("path"))
		if err != nil {
			return Failure(err)
		}
		return Success(map[string]string{"path": path})
	case ToolSavePDF:
		path, err := t.SavePDF(ctx, arg("url"), arg("path"))
		if err != nil {
			return Failure(err)
		}
		return Success(map[string]string{"path": path})
	case ToolCrawl:
		res, err := t.Crawl(ctx, arg("playbook"))
		if err != nil {
			return Envelope{Status: StatusError, Data: res, Error: err.Error()}
		}
		return Success(res)
	default:
		return Failure(fmt.Errorf("%w: %q", ErrUnknownTool, tool))
	}
}
