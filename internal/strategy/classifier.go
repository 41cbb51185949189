// Package strategy picks the fetch lane for each URL and escalates from the
// plain HTTP lane to the browser lane when a response looks blocked.
package strategy

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
)

// Reason names why a response was classified as a failure signature.
type Reason string

const (
	// ReasonNone means the response is usable as is.
	ReasonNone Reason = ""
	// ReasonTransport covers dial errors, resets and timeouts.
	ReasonTransport Reason = "transport_error"
	// ReasonBlockedStatus means the status code is on the block list.
	ReasonBlockedStatus Reason = "blocked_status"
	// ReasonChallenge means a short body carrying an anti-bot marker.
	ReasonChallenge Reason = "challenge_page"
	// ReasonEmptyBody means the server answered with nothing.
	ReasonEmptyBody Reason = "empty_body"
	// ReasonNeedsRender means the body is a client-side app shell.
	ReasonNeedsRender Reason = "needs_render"
)

// Blocked reports whether the reason indicates an anti-bot block.
func (r Reason) Blocked() bool {
	return r == ReasonBlockedStatus || r == ReasonChallenge
}

// DefaultBlockStatuses are the statuses treated as blocks when none are configured.
var DefaultBlockStatuses = []int{403, 429, 503}

// DefaultChallengeMarkers are lowercase fragments seen on common challenge pages.
var DefaultChallengeMarkers = []string{
	"cf-challenge",
	"challenge-platform",
	"cf-browser-verification",
	"just a moment...",
	"checking your browser",
	"attention required",
	"captcha",
	"ddos-guard",
	"please enable javascript",
	"access denied",
}

// ClassifierConfig tunes the failure-signature heuristics.
type ClassifierConfig struct {
	BlockStatuses    []int
	MinContentLength int
	ChallengeMarkers []string
	PromoteSPA       bool
}

// Classifier turns a Fast Lane outcome into a Reason.
type Classifier struct {
	blockStatuses    []int
	minContentLength int
	markers          [][]byte
	promoteSPA       bool
}

// NewClassifier fills defaults and lowercases the markers once.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	statuses := cfg.BlockStatuses
	if len(statuses) == 0 {
		statuses = DefaultBlockStatuses
	}
	minLen := cfg.MinContentLength
	if minLen <= 0 {
		minLen = 2048
	}
	source := cfg.ChallengeMarkers
	if len(source) == 0 {
		source = DefaultChallengeMarkers
	}
	markers := make([][]byte, 0, len(source))
	for _, m := range source {
		if m = strings.TrimSpace(m); m != "" {
			markers = append(markers, []byte(strings.ToLower(m)))
		}
	}
	return &Classifier{
		blockStatuses:    slices.Clone(statuses),
		minContentLength: minLen,
		markers:          markers,
		promoteSPA:       cfg.PromoteSPA,
	}
}

// Classify inspects a Fast Lane result. A non-nil err always yields ReasonTransport.
func (c *Classifier) Classify(resp crawler.FetchResponse, err error) Reason {
	if err != nil {
		return ReasonTransport
	}
	return c.classify(resp, c.promoteSPA)
}

// ClassifyRendered inspects a Power Lane result. App shells are expected to be
// rendered by then, so only blocks and empty bodies count.
func (c *Classifier) ClassifyRendered(resp crawler.FetchResponse) Reason {
	return c.classify(resp, false)
}

func (c *Classifier) classify(resp crawler.FetchResponse, spa bool) Reason {
	if slices.Contains(c.blockStatuses, resp.StatusCode) {
		return ReasonBlockedStatus
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return ReasonEmptyBody
	}
	if len(body) < c.minContentLength && c.hasChallengeMarker(body) {
		return ReasonChallenge
	}
	if spa && resp.StatusCode == 200 && looksLikeAppShell(body, c.minContentLength) {
		return ReasonNeedsRender
	}
	return ReasonNone
}

func (c *Classifier) hasChallengeMarker(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, marker := range c.markers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ProxyFailed reports whether a Fast Lane outcome should count against the
// proxy that carried it. Only transport failures and proxy auth rejections do;
// a target's 403 says nothing about the proxy.
func ProxyFailed(resp crawler.FetchResponse, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	return resp.StatusCode == 407
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

func looksLikeAppShell(body []byte, threshold int) bool {
	if len(body) < threshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script elements cover a quarter or more of the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
