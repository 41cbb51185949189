package toolkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
)

// DefaultSearchURL is DuckDuckGo's script-free results page. The query is
// appended URL-escaped.
const DefaultSearchURL = "https://html.duckduckgo.com/html/?q="

// DefaultSearchResults caps search_web when the caller gives no limit.
const DefaultSearchResults = 10

// SearchResult is one organic hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchWeb runs query against the configured HTML search page and returns
// up to limit organic results. Sponsored results are skipped.
func (t *Toolkit) SearchWeb(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if t.fetcher == nil {
		return nil, fmt.Errorf("search_web: %w", ErrUnavailable)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query is required")
	}
	if limit <= 0 {
		limit = DefaultSearchResults
	}

	searchURL := t.searchURL + url.QueryEscape(query)
	t.logger.Info("Tool call", zap.String("tool", ToolSearchWeb), zap.String("query", query), zap.Int("limit", limit))
	resp, err := t.fetcher.Fetch(ctx, searchURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: search returned status %d", crawler.ErrFetchFailed, resp.StatusCode)
	}
	return parseSearchResults(resp.Body, limit)
}

func parseSearchResults(body []byte, limit int) ([]SearchResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse search results: %w", err)
	}
	var out []SearchResult
	seen := make(map[string]struct{})
	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.HasClass("result--ad") {
			return true
		}
		link := s.Find("a.result__a").First()
		href, ok := link.Attr("href")
		if !ok {
			return true
		}
		target, ok := unwrapResultLink(href)
		if !ok {
			return true
		}
		if _, dup := seen[target]; dup {
			return true
		}
		seen[target] = struct{}{}
		out = append(out, SearchResult{
			Title:   strings.Join(strings.Fields(link.Text()), " "),
			URL:     target,
			Snippet: strings.Join(strings.Fields(s.Find(".result__snippet").First().Text()), " "),
		})
		return len(out) < limit
	})
	return out, nil
}

// unwrapResultLink resolves DuckDuckGo's /l/?uddg= redirect to the target
// URL. Direct http(s) links pass through.
func unwrapResultLink(href string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", false
	}
	if target := u.Query().Get("uddg"); target != "" {
		if u, err = url.Parse(target); err != nil {
			return "", false
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" {
		return "", false
	}
	return u.String(), true
}
