package toolkit

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	"go.uber.org/zap"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
	"github.com/JakeFAU/playbook-crawler/internal/rules"
)

// maxNestedSitemaps bounds how many child sitemaps an index may pull in.
const maxNestedSitemaps = 50

// Namespaces vary between generators, so match on local names only.
var (
	urlLocExpr     = xpath.MustCompile("//*[local-name()='urlset']/*[local-name()='url']/*[local-name()='loc']")
	sitemapLocExpr = xpath.MustCompile("//*[local-name()='sitemapindex']/*[local-name()='sitemap']/*[local-name()='loc']")
)

// Sitemap lists the URLs a site advertises in /sitemap.xml. Sitemap indexes
// are followed one level deep. When no usable sitemap exists the links on
// the landing page are returned instead.
func (t *Toolkit) Sitemap(ctx context.Context, rawURL string) ([]string, error) {
	if t.fetcher == nil {
		return nil, fmt.Errorf("get_sitemap: %w", ErrUnavailable)
	}
	landing, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	t.logger.Info("Tool call", zap.String("tool", ToolSitemap), zap.String("url", landing))

	sitemapURL, err := sitemapLocation(landing)
	if err != nil {
		return nil, err
	}
	urls, ok := t.readSitemap(ctx, sitemapURL, true)
	if ok && len(urls) > 0 {
		return urls, nil
	}

	t.logger.Info("No sitemap, analyzing landing page", zap.String("url", landing))
	resp, err := t.fetcher.Fetch(ctx, landing)
	if err != nil {
		return nil, err
	}
	pageURL := resp.FinalURL
	if pageURL == "" {
		pageURL = landing
	}
	doc, err := rules.Parse(pageURL, resp.Body)
	if err != nil {
		return nil, err
	}
	return doc.Links(), nil
}

// sitemapLocation returns rawURL when it already points at an XML file and
// the site's /sitemap.xml otherwise.
func sitemapLocation(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if strings.HasSuffix(strings.ToLower(u.Path), ".xml") {
		return rawURL, nil
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/sitemap.xml"}).String(), nil
}

// readSitemap fetches and parses one sitemap. The bool is false when the
// document is missing or is not a sitemap.
func (t *Toolkit) readSitemap(ctx context.Context, sitemapURL string, followIndex bool) ([]string, bool) {
	resp, err := t.fetcher.Fetch(ctx, sitemapURL)
	if err != nil {
		t.logger.Debug("Sitemap fetch failed", zap.String("url", sitemapURL), zap.Error(err))
		return nil, false
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	doc, err := xmlquery.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		t.logger.Debug("Sitemap is not XML", zap.String("url", sitemapURL), zap.Error(err))
		return nil, false
	}

	if pages := locs(doc, urlLocExpr); len(pages) > 0 {
		return pages, true
	}
	children := locs(doc, sitemapLocExpr)
	if len(children) == 0 {
		return nil, false
	}
	if !followIndex {
		return nil, true
	}
	if len(children) > maxNestedSitemaps {
		children = children[:maxNestedSitemaps]
	}

	var out []string
	seen := make(map[string]struct{})
	for _, child := range children {
		if ctx.Err() != nil {
			break
		}
		pages, _ := t.readSitemap(ctx, child, false)
		for _, p := range pages {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out, true
}

func locs(doc *xmlquery.Node, expr *xpath.Expr) []string {
	var out []string
	for _, n := range xmlquery.QuerySelectorAll(doc, expr) {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			out = append(out, loc)
		}
	}
	return out
}
