package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// FetchStrategy obtains content for a URL, choosing lanes and proxies itself.
type FetchStrategy interface {
	Fetch(ctx context.Context, rawURL string) (FetchResponse, error)
}

// ProxyPool hands out proxies and receives usage outcomes.
type ProxyPool interface {
	Initialize(ctx context.Context) error
	GetNextProxy(ctx context.Context) (Proxy, error)
	ReportOutcome(proxy Proxy, success bool)
}

// ResultSink stores result records.
type ResultSink interface {
	Append(ctx context.Context, record ResultRecord) error
	Close() error
}

// Publisher pushes notifications about result records.
type Publisher interface {
	Publish(ctx context.Context, record ResultRecord) (string, error)
}

// Archiver copies finished run artifacts to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, runID string, paths ...string) ([]string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
