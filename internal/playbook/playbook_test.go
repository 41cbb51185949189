package playbook

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
)

const linksPlaybook = `{
  "name": "Links Demo",
  "base_urls": ["http://site/links/2/0"],
  "rules": [
    {"type": "follow", "regex": "/links/\\d+/\\d+"},
    {"type": "extract", "regex": ".*", "extract_fields": [
      {"name": "page_title", "selector": "h1", "type": "css"},
      {"name": "first_link", "selector": "//a[1]/@href", "type": "xpath"}
    ]}
  ],
  "settings": {"max_depth": 1, "max_pages": 3, "crawl_delay": 0.5, "respect_robots": false, "reuse_rules": true}
}`

func TestParseValidPlaybook(t *testing.T) {
	t.Parallel()

	pb, err := Parse([]byte(linksPlaybook))
	require.NoError(t, err)
	require.Equal(t, "Links Demo", pb.Name)
	require.Equal(t, "links-demo", pb.Slug())
	require.Len(t, pb.FollowRules(), 1)
	require.Len(t, pb.ExtractRules(), 1)
	require.Equal(t, 1, pb.ExtractRules()[0].Index)
	require.True(t, pb.FollowRules()[0].Pattern.MatchString("http://site/links/2/1"))
	require.Equal(t, ScopeURL, pb.ExtractRules()[0].Rule.Scope)
	require.Equal(t, 0.5, pb.Settings.CrawlDelay)
	require.True(t, pb.Settings.ReuseRules)
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pb.json")
	require.NoError(t, os.WriteFile(path, []byte(linksPlaybook), 0o600))
	pb, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"http://site/links/2/0"}, pb.BaseURLs)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestCompileRejectsInvalidPlaybooks(t *testing.T) {
	t.Parallel()

	valid := func() Playbook {
		return Playbook{
			Name:     "ok",
			BaseURLs: []string{"https://example.com"},
			Rules: []Rule{{Type: RuleExtract, Regex: ".*", ExtractFields: []FieldExtractor{
				{Name: "title", Selector: "h1"},
			}}},
			Settings: Settings{MaxDepth: 1, MaxPages: 10},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Playbook)
		field  string
	}{
		{"bad regex", func(p *Playbook) { p.Rules[0].Regex = "([" }, "rules[0].regex"},
		{"missing name", func(p *Playbook) { p.Name = " " }, "name"},
		{"no base urls", func(p *Playbook) { p.BaseURLs = nil }, "base_urls"},
		{"relative base url", func(p *Playbook) { p.BaseURLs = []string{"/links"} }, "base_urls[0]"},
		{"unknown rule type", func(p *Playbook) { p.Rules[0].Type = "scrape" }, "rules[0].type"},
		{"extract without fields", func(p *Playbook) { p.Rules[0].ExtractFields = nil }, "rules[0].extract_fields"},
		{"bad xpath", func(p *Playbook) {
			p.Rules[0].ExtractFields[0] = FieldExtractor{Name: "t", Selector: "//h1[", Type: SelectorXPath}
		}, "rules[0].extract_fields[0].selector"},
		{"bad css", func(p *Playbook) { p.Rules[0].ExtractFields[0].Selector = "div[" }, "rules[0].extract_fields[0].selector"},
		{"bad explicit css", func(p *Playbook) {
			p.Rules[0].ExtractFields[0] = FieldExtractor{Name: "t", Selector: "#", Type: SelectorCSS}
		}, "rules[0].extract_fields[0].selector"},
		{"unknown selector type", func(p *Playbook) { p.Rules[0].ExtractFields[0].Type = "jq" }, "rules[0].extract_fields[0].type"},
		{"duplicate field", func(p *Playbook) {
			p.Rules[0].ExtractFields = append(p.Rules[0].ExtractFields, FieldExtractor{Name: "title", Selector: "h2"})
		}, "rules[0].extract_fields"},
		{"zero pages", func(p *Playbook) { p.Settings.MaxPages = 0 }, "settings.max_pages"},
		{"negative depth", func(p *Playbook) { p.Settings.MaxDepth = -1 }, "settings.max_depth"},
		{"negative delay", func(p *Playbook) { p.Settings.CrawlDelay = -1 }, "settings.crawl_delay"},
		{"bad scope", func(p *Playbook) { p.Rules[0].Scope = "headers" }, "rules[0].scope"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pb := valid()
			tc.mutate(&pb)
			_, err := pb.Compile()
			require.Error(t, err)
			require.True(t, errors.Is(err, crawler.ErrInvalidPlaybook))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			require.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"name":`))
	require.ErrorIs(t, err, crawler.ErrInvalidPlaybook)
	require.False(t, IsValidationError(err))
}

func TestIndexOfMatchesEquivalentRule(t *testing.T) {
	t.Parallel()

	pb, err := Parse([]byte(linksPlaybook))
	require.NoError(t, err)

	extract := pb.ExtractRules()[0].Rule
	idx, ok := pb.IndexOf(extract)
	require.True(t, ok)
	require.Equal(t, 1, idx)

	extract.Regex = "/other"
	_, ok = pb.IndexOf(extract)
	require.False(t, ok)

	rule, ok := pb.RuleAt(0)
	require.True(t, ok)
	require.Equal(t, RuleFollow, rule.Rule.Type)
	_, ok = pb.RuleAt(7)
	require.False(t, ok)
}
