package isolation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
)

// The test binary doubles as the worker when ISOLATION_HELPER is set.
func TestMain(m *testing.M) {
	if os.Getenv("ISOLATION_HELPER") == "1" {
		if err := Serve(context.Background(), os.Stdin, os.Stdout, helperRegistry()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type stubFetcher struct{}

func (stubFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if req.URL == "https://blocked.example/" {
		return crawler.FetchResponse{}, fmt.Errorf("%w: challenge page", crawler.ErrBlocked)
	}
	return crawler.FetchResponse{
		URL:        req.URL,
		FinalURL:   req.URL,
		StatusCode: 200,
		Body:       []byte("<html>rendered " + req.URL + "</html>"),
		Lane:       crawler.LanePower,
	}, nil
}

func helperRegistry() Registry {
	return Registry{
		"echo": func(_ context.Context, raw json.RawMessage) (any, error) {
			return Args[map[string]string](raw)
		},
		"fail": func(context.Context, json.RawMessage) (any, error) {
			return nil, fmt.Errorf("target said no: %w", crawler.ErrBlocked)
		},
		"panic": func(context.Context, json.RawMessage) (any, error) {
			panic("boom")
		},
		"crash": func(context.Context, json.RawMessage) (any, error) {
			os.Exit(3)
			return nil, nil
		},
		"sleep": func(ctx context.Context, _ json.RawMessage) (any, error) {
			select {
			case <-ctx.Done():
			case <-time.After(time.Minute):
			}
			return nil, nil
		},
		"pid": func(context.Context, json.RawMessage) (any, error) {
			return os.Getpid(), nil
		},
		TaskRender: RenderTask(stubFetcher{}),
		TaskScreenshot: CaptureTask(func(_ context.Context, rawURL, path string) (string, error) {
			return path, os.WriteFile(path, []byte("png:"+rawURL), 0o600)
		}),
		TaskPDF: CaptureTask(func(_ context.Context, rawURL, _ string) (string, error) {
			return "", fmt.Errorf("%w: %s", crawler.ErrFetchFailed, rawURL)
		}),
	}
}
