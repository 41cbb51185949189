// Package rules evaluates fetched pages against a playbook's rules, producing
// follow candidates and extracted records.
package rules

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/playbook-crawler/internal/clock/system"
	"github.com/JakeFAU/playbook-crawler/internal/crawler"
	"github.com/JakeFAU/playbook-crawler/internal/playbook"
)

// Evaluation is the outcome of evaluating one page.
type Evaluation struct {
	FollowURLs []crawler.Candidate
	// Record is nil when no extract rule matched the page.
	Record *crawler.ResultRecord
	// RuleIndex is the playbook index of the rule that produced Record, or -1.
	RuleIndex int
}

// Engine applies a compiled playbook to pages. It is safe for concurrent use.
type Engine struct {
	pb     *playbook.Compiled
	cache  *Cache
	clock  crawler.Clock
	logger *zap.Logger
}

// NewEngine creates an Engine. cache may be shared with a restored snapshot.
func NewEngine(pb *playbook.Compiled, cache *Cache, clock crawler.Clock, logger *zap.Logger) *Engine {
	if cache == nil {
		cache = NewCache(pb)
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{pb: pb, cache: cache, clock: clock, logger: logger}
}

// Cache exposes the per-domain rule cache.
func (e *Engine) Cache() *Cache {
	return e.cache
}

// Evaluate runs the follow and extract rules against a page fetched at depth.
func (e *Engine) Evaluate(pageURL string, body []byte, depth int) (Evaluation, error) {
	doc, err := Parse(pageURL, body)
	if err != nil {
		return Evaluation{RuleIndex: -1}, err
	}
	eval := Evaluation{
		FollowURLs: e.follow(doc, depth),
		RuleIndex:  -1,
	}
	record, idx, err := e.extract(doc, pageURL, string(body), depth)
	if err != nil {
		return eval, err
	}
	eval.Record = record
	eval.RuleIndex = idx
	return eval, nil
}

func (e *Engine) follow(doc *Document, depth int) []crawler.Candidate {
	followRules := e.pb.FollowRules()
	if len(followRules) == 0 {
		return nil
	}
	var out []crawler.Candidate
	for _, link := range doc.Links() {
		for _, rule := range followRules {
			if rule.Pattern.MatchString(link) {
				out = append(out, crawler.Candidate{URL: link, Depth: depth + 1})
				break
			}
		}
	}
	return out
}

func (e *Engine) extract(doc *Document, pageURL, content string, depth int) (*crawler.ResultRecord, int, error) {
	candidates := e.orderedExtractRules(pageURL)
	var (
		fallback    map[string]string
		fallbackIdx = -1
	)
	for _, rule := range candidates {
		subject := pageURL
		if rule.Rule.Scope == playbook.ScopeContent {
			subject = content
		}
		if !rule.Pattern.MatchString(subject) {
			continue
		}
		data, nonEmpty, err := e.runExtractors(doc, rule.Rule.ExtractFields)
		if err != nil {
			return nil, -1, err
		}
		if nonEmpty > 0 {
			e.rememberRule(pageURL, rule.Index)
			return e.newRecord(pageURL, depth, data), rule.Index, nil
		}
		if fallback == nil {
			fallback, fallbackIdx = data, rule.Index
		}
	}
	if fallback == nil {
		return nil, -1, nil
	}
	e.logger.Debug("extract rule matched but every selector missed",
		zap.String("url", pageURL), zap.Int("rule", fallbackIdx))
	return e.newRecord(pageURL, depth, fallback), fallbackIdx, nil
}

// orderedExtractRules puts the domain's cached rule first when reuse is enabled.
func (e *Engine) orderedExtractRules(pageURL string) []playbook.CompiledRule {
	rules := e.pb.ExtractRules()
	if !e.pb.Settings.ReuseRules {
		return rules
	}
	idx, ok := e.cache.Lookup(crawler.Host(pageURL))
	if !ok {
		return rules
	}
	ordered := make([]playbook.CompiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Index == idx {
			ordered = append(ordered, r)
		}
	}
	for _, r := range rules {
		if r.Index != idx {
			ordered = append(ordered, r)
		}
	}
	return ordered
}

func (e *Engine) rememberRule(pageURL string, idx int) {
	if !e.pb.Settings.ReuseRules {
		return
	}
	domain := crawler.Host(pageURL)
	if e.cache.Remember(domain, idx) {
		e.logger.Debug("cached extract rule for domain", zap.String("domain", domain), zap.Int("rule", idx))
	}
}

func (e *Engine) runExtractors(doc *Document, fields []playbook.FieldExtractor) (map[string]string, int, error) {
	data := make(map[string]string, len(fields))
	nonEmpty := 0
	for _, field := range fields {
		value, err := doc.Select(field)
		if err != nil {
			return nil, 0, fmt.Errorf("extract %s: %w", field.Name, err)
		}
		data[field.Name] = value
		if value != "" {
			nonEmpty++
		}
	}
	return data, nonEmpty, nil
}

func (e *Engine) newRecord(pageURL string, depth int, data map[string]string) *crawler.ResultRecord {
	return &crawler.ResultRecord{
		URL:       pageURL,
		Depth:     depth,
		Data:      data,
		Timestamp: e.clock.Now(),
	}
}
