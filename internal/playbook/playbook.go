// Package playbook loads and validates the declarative crawl definition.
package playbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/xpath"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
)

// RuleType distinguishes link-following from field extraction.
type RuleType string

const (
	RuleFollow  RuleType = "follow"
	RuleExtract RuleType = "extract"
)

// Scope selects what an extract rule's regex is matched against.
type Scope string

const (
	ScopeURL     Scope = "url"
	ScopeContent Scope = "content"
)

// SelectorType names the selector language of a field.
type SelectorType string

const (
	SelectorCSS   SelectorType = "css"
	SelectorXPath SelectorType = "xpath"
)

// Playbook is the crawl definition for one run.
type Playbook struct {
	Name     string   `json:"name"`
	BaseURLs []string `json:"base_urls"`
	Rules    []Rule   `json:"rules"`
	Settings Settings `json:"settings"`
}

// Rule either follows matching links or extracts fields from matching pages.
type Rule struct {
	Type          RuleType         `json:"type"`
	Regex         string           `json:"regex"`
	Scope         Scope            `json:"scope,omitempty"`
	ExtractFields []FieldExtractor `json:"extract_fields,omitempty"`
}

// FieldExtractor pulls one named value out of a page.
type FieldExtractor struct {
	Name      string       `json:"name"`
	Selector  string       `json:"selector"`
	Type      SelectorType `json:"type,omitempty"`
	Attribute string       `json:"attribute,omitempty"`
}

// Settings bounds the crawl.
type Settings struct {
	MaxDepth      int     `json:"max_depth"`
	MaxPages      int     `json:"max_pages"`
	CrawlDelay    float64 `json:"crawl_delay"`
	RespectRobots bool    `json:"respect_robots"`
	ReuseRules    bool    `json:"reuse_rules"`
}

// ValidationError reports the offending playbook field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("playbook %s: %s", e.Field, e.Reason)
}

// Unwrap lets callers match crawler.ErrInvalidPlaybook.
func (e *ValidationError) Unwrap() error {
	return crawler.ErrInvalidPlaybook
}

// Load reads and compiles a playbook file.
func Load(path string) (*Compiled, error) {
	pb, err := Read(path)
	if err != nil {
		return nil, err
	}
	return pb.Compile()
}

// Parse decodes and compiles a playbook document.
func Parse(data []byte) (*Compiled, error) {
	pb, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return pb.Compile()
}

// Read loads a playbook file without validating it.
func Read(path string) (Playbook, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator supplied
	if err != nil {
		return Playbook{}, fmt.Errorf("read playbook: %w", err)
	}
	return Decode(data)
}

// Decode parses a playbook document without validating it.
func Decode(data []byte) (Playbook, error) {
	var pb Playbook
	if err := json.Unmarshal(data, &pb); err != nil {
		return Playbook{}, fmt.Errorf("decode playbook: %w: %w", crawler.ErrInvalidPlaybook, err)
	}
	return pb, nil
}

// Compiled is a validated playbook with its patterns compiled. It is safe for
// concurrent use and never mutated after Compile.
type Compiled struct {
	Playbook
	rules []CompiledRule
}

// CompiledRule pairs a rule with its compiled pattern.
type CompiledRule struct {
	Index   int
	Rule    Rule
	Pattern *regexp.Regexp
}

// Compile validates the playbook and compiles every regex and xpath expression.
func (p Playbook) Compile() (*Compiled, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, &ValidationError{Field: "name", Reason: "is required"}
	}
	if len(p.BaseURLs) == 0 {
		return nil, &ValidationError{Field: "base_urls", Reason: "must not be empty"}
	}
	for i, raw := range p.BaseURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("base_urls[%d]", i), Reason: fmt.Sprintf("%q is not an absolute http(s) URL", raw)}
		}
	}
	if err := p.Settings.validate(); err != nil {
		return nil, err
	}

	compiled := &Compiled{Playbook: p}
	for i, rule := range p.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		cr, err := compileRule(field, rule)
		if err != nil {
			return nil, err
		}
		cr.Index = i
		compiled.rules = append(compiled.rules, cr)
	}
	return compiled, nil
}

func compileRule(field string, rule Rule) (CompiledRule, error) {
	pattern, err := regexp.Compile(rule.Regex)
	if err != nil {
		return CompiledRule{}, &ValidationError{Field: field + ".regex", Reason: err.Error()}
	}
	if rule.Scope == "" {
		rule.Scope = ScopeURL
	}
	if rule.Scope != ScopeURL && rule.Scope != ScopeContent {
		return CompiledRule{}, &ValidationError{Field: field + ".scope", Reason: fmt.Sprintf("unknown scope %q", rule.Scope)}
	}
	switch rule.Type {
	case RuleFollow:
	case RuleExtract:
		rule.ExtractFields = append([]FieldExtractor(nil), rule.ExtractFields...)
		if len(rule.ExtractFields) == 0 {
			return CompiledRule{}, &ValidationError{Field: field + ".extract_fields", Reason: "extract rules need at least one field"}
		}
		seen := make(map[string]struct{}, len(rule.ExtractFields))
		for j := range rule.ExtractFields {
			fe := &rule.ExtractFields[j]
			if err := fe.validate(fmt.Sprintf("%s.extract_fields[%d]", field, j)); err != nil {
				return CompiledRule{}, err
			}
			if _, dup := seen[fe.Name]; dup {
				return CompiledRule{}, &ValidationError{Field: field + ".extract_fields", Reason: fmt.Sprintf("duplicate field %q", fe.Name)}
			}
			seen[fe.Name] = struct{}{}
		}
	default:
		return CompiledRule{}, &ValidationError{Field: field + ".type", Reason: fmt.Sprintf("unknown rule type %q", rule.Type)}
	}
	return CompiledRule{Rule: rule, Pattern: pattern}, nil
}

func (f *FieldExtractor) validate(field string) error {
	if strings.TrimSpace(f.Name) == "" {
		return &ValidationError{Field: field + ".name", Reason: "is required"}
	}
	if strings.TrimSpace(f.Selector) == "" {
		return &ValidationError{Field: field + ".selector", Reason: "is required"}
	}
	switch f.Type {
	case "", SelectorCSS:
		f.Type = SelectorCSS
		if _, err := cascadia.Compile(f.Selector); err != nil {
			return &ValidationError{Field: field + ".selector", Reason: err.Error()}
		}
	case SelectorXPath:
		if _, err := xpath.Compile(f.Selector); err != nil {
			return &ValidationError{Field: field + ".selector", Reason: err.Error()}
		}
	default:
		return &ValidationError{Field: field + ".type", Reason: fmt.Sprintf("unknown selector type %q", f.Type)}
	}
	return nil
}

func (s Settings) validate() error {
	switch {
	case s.MaxDepth < 0:
		return &ValidationError{Field: "settings.max_depth", Reason: "must be >= 0"}
	case s.MaxPages <= 0:
		return &ValidationError{Field: "settings.max_pages", Reason: "must be > 0"}
	case s.CrawlDelay < 0:
		return &ValidationError{Field: "settings.crawl_delay", Reason: "must be >= 0"}
	}
	return nil
}

// FollowRules returns the compiled follow rules in playbook order.
func (c *Compiled) FollowRules() []CompiledRule {
	return c.byType(RuleFollow)
}

// ExtractRules returns the compiled extract rules in playbook order.
func (c *Compiled) ExtractRules() []CompiledRule {
	return c.byType(RuleExtract)
}

// RuleAt returns the compiled rule at playbook index i.
func (c *Compiled) RuleAt(i int) (CompiledRule, bool) {
	if i < 0 || i >= len(c.rules) {
		return CompiledRule{}, false
	}
	return c.rules[i], true
}

// IndexOf finds the playbook index of a rule equal to r, used when restoring
// a cached rule from a snapshot.
func (c *Compiled) IndexOf(r Rule) (int, bool) {
	for _, cr := range c.rules {
		if sameRule(cr.Rule, r) {
			return cr.Index, true
		}
	}
	return -1, false
}

func (c *Compiled) byType(t RuleType) []CompiledRule {
	out := make([]CompiledRule, 0, len(c.rules))
	for _, cr := range c.rules {
		if cr.Rule.Type == t {
			out = append(out, cr)
		}
	}
	return out
}

// Slug renders the playbook name as a filename-safe token.
func (p Playbook) Slug() string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(p.Name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "playbook"
	}
	return slug
}

func sameRule(a, b Rule) bool {
	if a.Scope == "" {
		a.Scope = ScopeURL
	}
	if b.Scope == "" {
		b.Scope = ScopeURL
	}
	if a.Type != b.Type || a.Regex != b.Regex || a.Scope != b.Scope || len(a.ExtractFields) != len(b.ExtractFields) {
		return false
	}
	for i := range a.ExtractFields {
		fa, fb := a.ExtractFields[i], b.ExtractFields[i]
		if fa.Type == "" {
			fa.Type = SelectorCSS
		}
		if fb.Type == "" {
			fb.Type = SelectorCSS
		}
		if fa != fb {
			return false
		}
	}
	return true
}

// IsValidationError reports whether err came from playbook validation.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
