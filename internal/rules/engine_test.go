package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/playbook-crawler/internal/clock/system"
	"github.com/JakeFAU/playbook-crawler/internal/playbook"
)

func compile(t *testing.T, pb playbook.Playbook) *playbook.Compiled {
	t.Helper()
	compiled, err := pb.Compile()
	require.NoError(t, err)
	return compiled
}

func linksPlaybook(reuse bool) playbook.Playbook {
	return playbook.Playbook{
		Name:     "links",
		BaseURLs: []string{"http://site/links/2/0"},
		Rules: []playbook.Rule{
			{Type: playbook.RuleFollow, Regex: `/links/\d+/\d+`},
			{Type: playbook.RuleExtract, Regex: ".*", ExtractFields: []playbook.FieldExtractor{
				{Name: "page_title", Selector: "h1"},
			}},
		},
		Settings: playbook.Settings{MaxDepth: 1, MaxPages: 3, ReuseRules: reuse},
	}
}

const rootPage = `<html><head><title>t</title></head><body>
<h1>Links Root</h1>
<a href="/links/2/1">one</a>
<a href="http://site/links/2/2#frag">two</a>
<a href="/links/2/1">dup</a>
<a href="/about">about</a>
<a href="mailto:x@y.z">mail</a>
</body></html>`

func TestEvaluateFollowAndExtract(t *testing.T) {
	t.Parallel()

	clk := system.NewManual(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	engine := NewEngine(compile(t, linksPlaybook(false)), nil, clk, nil)

	eval, err := engine.Evaluate("http://site/links/2/0", []byte(rootPage), 0)
	require.NoError(t, err)

	require.Len(t, eval.FollowURLs, 2)
	require.Equal(t, "http://site/links/2/1", eval.FollowURLs[0].URL)
	require.Equal(t, "http://site/links/2/2", eval.FollowURLs[1].URL)
	require.Equal(t, 1, eval.FollowURLs[0].Depth)

	require.NotNil(t, eval.Record)
	require.Equal(t, "Links Root", eval.Record.Data["page_title"])
	require.Equal(t, 0, eval.Record.Depth)
	require.Equal(t, clk.Now(), eval.Record.Timestamp)
	require.Equal(t, 1, eval.RuleIndex)
}

func TestEvaluatePartialExtractionKeepsRecord(t *testing.T) {
	t.Parallel()

	pb := linksPlaybook(false)
	pb.Rules[1].ExtractFields = append(pb.Rules[1].ExtractFields,
		playbook.FieldExtractor{Name: "price", Selector: ".price"})
	engine := NewEngine(compile(t, pb), nil, nil, nil)

	eval, err := engine.Evaluate("http://site/links/2/0", []byte(rootPage), 0)
	require.NoError(t, err)
	require.NotNil(t, eval.Record)
	require.Equal(t, "Links Root", eval.Record.Data["page_title"])
	value, present := eval.Record.Data["price"]
	require.True(t, present)
	require.Empty(t, value)
}

func TestEvaluateAllSelectorsMissStillYieldsRecord(t *testing.T) {
	t.Parallel()

	engine := NewEngine(compile(t, linksPlaybook(true)), nil, nil, nil)
	eval, err := engine.Evaluate("http://site/links/2/0", []byte(`<html><body><p>none</p></body></html>`), 1)
	require.NoError(t, err)
	require.NotNil(t, eval.Record)
	require.Equal(t, "", eval.Record.Data["page_title"])
	require.Zero(t, engine.Cache().Len(), "empty extraction must not be cached")
}

func TestEvaluateNoMatchingExtractRule(t *testing.T) {
	t.Parallel()

	pb := linksPlaybook(false)
	pb.Rules[1].Regex = `/products/`
	engine := NewEngine(compile(t, pb), nil, nil, nil)

	eval, err := engine.Evaluate("http://site/links/2/0", []byte(rootPage), 0)
	require.NoError(t, err)
	require.Nil(t, eval.Record)
	require.Equal(t, -1, eval.RuleIndex)
	require.Len(t, eval.FollowURLs, 2)
}

func TestEvaluateXPathAndAttribute(t *testing.T) {
	t.Parallel()

	pb := playbook.Playbook{
		Name:     "xpath",
		BaseURLs: []string{"https://shop.test/"},
		Rules: []playbook.Rule{{Type: playbook.RuleExtract, Regex: ".*", ExtractFields: []playbook.FieldExtractor{
			{Name: "title", Selector: "//h1", Type: playbook.SelectorXPath},
			{Name: "img", Selector: "img.hero", Attribute: "src"},
			{Name: "sku", Selector: "//div[@id='p']", Type: playbook.SelectorXPath, Attribute: "data-sku"},
		}}},
		Settings: playbook.Settings{MaxPages: 1},
	}
	engine := NewEngine(compile(t, pb), nil, nil, nil)
	page := `<html><body><h1> Widget </h1><img class="hero" src="/w.png"><div id="p" data-sku="W-1"></div></body></html>`

	eval, err := engine.Evaluate("https://shop.test/w", []byte(page), 0)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"title": "Widget", "img": "/w.png", "sku": "W-1"}, eval.Record.Data)
}

func TestEvaluateContentScope(t *testing.T) {
	t.Parallel()

	pb := playbook.Playbook{
		Name:     "content",
		BaseURLs: []string{"https://shop.test/"},
		Rules: []playbook.Rule{{Type: playbook.RuleExtract, Regex: `itemprop="price"`, Scope: playbook.ScopeContent,
			ExtractFields: []playbook.FieldExtractor{{Name: "price", Selector: `[itemprop="price"]`}}}},
		Settings: playbook.Settings{MaxPages: 1},
	}
	engine := NewEngine(compile(t, pb), nil, nil, nil)

	eval, err := engine.Evaluate("https://shop.test/a", []byte(`<span itemprop="price">9.99</span>`), 0)
	require.NoError(t, err)
	require.Equal(t, "9.99", eval.Record.Data["price"])

	eval, err = engine.Evaluate("https://shop.test/b", []byte(`<span>no price</span>`), 0)
	require.NoError(t, err)
	require.Nil(t, eval.Record)
}

func TestRuleReuseCachePrefersDomainRule(t *testing.T) {
	t.Parallel()

	pb := playbook.Playbook{
		Name:     "reuse",
		BaseURLs: []string{"https://shop.test/"},
		Rules: []playbook.Rule{
			{Type: playbook.RuleExtract, Regex: ".*", ExtractFields: []playbook.FieldExtractor{{Name: "name", Selector: "h1"}}},
			{Type: playbook.RuleExtract, Regex: ".*", ExtractFields: []playbook.FieldExtractor{{Name: "name", Selector: ".product-name"}}},
		},
		Settings: playbook.Settings{MaxPages: 5, ReuseRules: true},
	}
	engine := NewEngine(compile(t, pb), nil, nil, nil)

	// The first rule misses, so the second one succeeds and gets cached.
	eval, err := engine.Evaluate("https://shop.test/1", []byte(`<div class="product-name">Lamp</div>`), 0)
	require.NoError(t, err)
	require.Equal(t, 1, eval.RuleIndex)
	idx, ok := engine.Cache().Lookup("shop.test")
	require.True(t, ok)
	require.Equal(t, 1, idx)

	// Both rules would now match; the cached rule is tried first.
	eval, err = engine.Evaluate("https://shop.test/2", []byte(`<h1>Header</h1><div class="product-name">Desk</div>`), 0)
	require.NoError(t, err)
	require.Equal(t, 1, eval.RuleIndex)
	require.Equal(t, "Desk", eval.Record.Data["name"])

	// A cached rule that misses falls back to the full list without replacing the entry.
	eval, err = engine.Evaluate("https://shop.test/3", []byte(`<h1>Chair</h1>`), 0)
	require.NoError(t, err)
	require.Equal(t, 0, eval.RuleIndex)
	idx, _ = engine.Cache().Lookup("shop.test")
	require.Equal(t, 1, idx)
}

func TestCacheExportImport(t *testing.T) {
	t.Parallel()

	compiled := compile(t, linksPlaybook(true))
	cache := NewCache(compiled)
	require.True(t, cache.Remember("site", 1))
	require.False(t, cache.Remember("site", 0))

	exported := cache.Export()
	require.Equal(t, playbook.RuleExtract, exported["site"].Type)

	restored := NewCache(compiled)
	stale := playbook.Rule{Type: playbook.RuleExtract, Regex: "gone"}
	dropped := restored.Import(map[string]playbook.Rule{"site": exported["site"], "old.test": stale})
	require.Equal(t, []string{"old.test"}, dropped)
	idx, ok := restored.Lookup("site")
	require.True(t, ok)
	require.Equal(t, 1, idx)
}

func TestDocumentBaseHrefAndText(t *testing.T) {
	t.Parallel()

	doc, err := Parse("https://a.test/x/y", []byte(`<html><head><base href="https://cdn.test/root/"><script>var a=1</script></head>
<body><p>Hello   <b>world</b></p>
<a href="page">p</a></body></html>`))
	require.NoError(t, err)
	require.Equal(t, []string{"https://cdn.test/root/page"}, doc.Links())
	require.Equal(t, "Hello world p", doc.Text())
}
