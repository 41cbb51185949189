package isolation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
)

// Task names understood by the isolate worker.
const (
	TaskRender     = "render"
	TaskScreenshot = "screenshot"
	TaskPDF        = "pdf"
)

// Fetcher adapts a Runner executing TaskRender into a crawler.Fetcher.
type Fetcher struct {
	runner Runner
}

// NewFetcher wraps runner.
func NewFetcher(runner Runner) *Fetcher {
	return &Fetcher{runner: runner}
}

// Fetch runs the render task remotely.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var resp crawler.FetchResponse
	if err := f.runner.Run(ctx, TaskRender, request, &resp); err != nil {
		return crawler.FetchResponse{}, err
	}
	return resp, nil
}

// RenderTask exposes fetcher as TaskRender inside a worker.
func RenderTask(fetcher crawler.Fetcher) Task {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		req, err := Args[crawler.FetchRequest](raw)
		if err != nil {
			return nil, err
		}
		if req.URL == "" {
			return nil, &TaskError{Type: TypeBadArgs, Message: "url is required"}
		}
		return fetcher.Fetch(ctx, req)
	}
}

// CaptureArgs are the arguments of the screenshot and pdf tasks.
type CaptureArgs struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

// CaptureTask exposes a render-to-file function such as a screenshot.
func CaptureTask(capture func(ctx context.Context, rawURL, path string) (string, error)) Task {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := Args[CaptureArgs](raw)
		if err != nil {
			return nil, err
		}
		if args.URL == "" || args.Path == "" {
			return nil, &TaskError{Type: TypeBadArgs, Message: "url and path are required"}
		}
		path, err := capture(ctx, args.URL, args.Path)
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", args.URL, err)
		}
		return path, nil
	}
}

// Capture runs a capture task through runner and returns the written path.
func Capture(ctx context.Context, runner Runner, task, rawURL, path string) (string, error) {
	var out string
	if err := runner.Run(ctx, task, CaptureArgs{URL: rawURL, Path: path}, &out); err != nil {
		return "", err
	}
	return out, nil
}

// Capturer runs screenshot and pdf captures through a Runner.
type Capturer struct {
	runner Runner
}

// NewCapturer wraps runner.
func NewCapturer(runner Runner) *Capturer {
	return &Capturer{runner: runner}
}

// Screenshot writes a full-page PNG of rawURL to path.
func (c *Capturer) Screenshot(ctx context.Context, rawURL, path string) (string, error) {
	return Capture(ctx, c.runner, TaskScreenshot, rawURL, path)
}

// PDF prints rawURL to a PDF file at path.
func (c *Capturer) PDF(ctx context.Context, rawURL, path string) (string, error) {
	return Capture(ctx, c.runner, TaskPDF, rawURL, path)
}
