package crawler

import (
	"net/http"
	"time"
)

// Lane identifies which fetch path served a response.
type Lane string

const (
	// LaneFast is the plain HTTP fetch without script execution.
	LaneFast Lane = "fast"
	// LanePower is the browser-rendered fetch.
	LanePower Lane = "power"
)

// FetchRequest describes a single fetch.
type FetchRequest struct {
	URL     string        `json:"url"`
	Timeout time.Duration `json:"timeout"`
	Headers http.Header   `json:"headers,omitempty"`
	// Proxy is nil for a direct connection.
	Proxy *Proxy `json:"proxy,omitempty"`
}

// FetchResponse captures what a lane returned for a URL.
type FetchResponse struct {
	URL        string        `json:"url"`
	FinalURL   string        `json:"final_url"`
	StatusCode int           `json:"status_code"`
	Headers    http.Header   `json:"headers,omitempty"`
	Body       []byte        `json:"body"`
	Duration   time.Duration `json:"duration"`
	Lane       Lane          `json:"lane"`
}

// Candidate is a URL proposed for the frontier together with its depth.
type Candidate struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

// ResultRecord is one extracted page. Records are written once and never updated.
type ResultRecord struct {
	URL       string            `json:"url"`
	FinalURL  string            `json:"final_url,omitempty"`
	Depth     int               `json:"depth"`
	Data      map[string]string `json:"data"`
	Lane      Lane              `json:"lane,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
