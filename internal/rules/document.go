package rules

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
	"github.com/JakeFAU/playbook-crawler/internal/playbook"
)

// Document is a page parsed once and shared by the CSS and XPath selectors.
type Document struct {
	root *html.Node
	doc  *goquery.Document
	base *url.URL
}

// Parse builds a Document. pageURL anchors relative links.
func Parse(pageURL string, body []byte) (*Document, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc := goquery.NewDocumentFromNode(root)
	if href, ok := doc.Find("base[href]").Last().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(ref)
		}
	}
	return &Document{root: root, doc: doc, base: base}, nil
}

// Links returns every normalized http(s) link on the page, in document order,
// without duplicates.
func (d *Document) Links() []string {
	seen := make(map[string]struct{})
	var out []string
	d.doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs, ok := crawler.ResolveURL(d.base, href)
		if !ok {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

// Text returns the visible text of the page body.
func (d *Document) Text() string {
	d.doc.Find("script,style,noscript").Remove()
	return strings.Join(strings.Fields(d.doc.Find("body").Text()), " ")
}

// Select evaluates one field extractor. A selector without a match yields "".
func (d *Document) Select(field playbook.FieldExtractor) (string, error) {
	switch field.Type {
	case playbook.SelectorXPath:
		return d.selectXPath(field)
	case playbook.SelectorCSS, "":
		return d.selectCSS(field), nil
	default:
		return "", fmt.Errorf("unknown selector type %q", field.Type)
	}
}

func (d *Document) selectCSS(field playbook.FieldExtractor) string {
	sel := d.doc.Find(field.Selector).First()
	if sel.Length() == 0 {
		return ""
	}
	if field.Attribute != "" {
		v, _ := sel.Attr(field.Attribute)
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(sel.Text())
}

func (d *Document) selectXPath(field playbook.FieldExtractor) (string, error) {
	node, err := htmlquery.Query(d.root, field.Selector)
	if err != nil {
		return "", fmt.Errorf("xpath %q: %w", field.Selector, err)
	}
	if node == nil {
		return "", nil
	}
	if field.Attribute != "" {
		return strings.TrimSpace(htmlquery.SelectAttr(node, field.Attribute)), nil
	}
	return strings.TrimSpace(htmlquery.InnerText(node)), nil
}
