// Package state persists crawl progress: the resumable snapshot of frontier,
// visited set and rule cache, and the append-only result log.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
	"github.com/JakeFAU/playbook-crawler/internal/frontier"
	"github.com/JakeFAU/playbook-crawler/internal/playbook"
)

// SnapshotVersion is the current snapshot format.
const SnapshotVersion = 1

// ErrNoState is returned by stores that hold no snapshot yet.
var ErrNoState = errors.New("no crawl state")

// CrawlState is the resumable state of a run.
type CrawlState struct {
	Version         int                      `json:"version"`
	Playbook        string                   `json:"playbook"`
	RunID           string                   `json:"run_id,omitempty"`
	Visited         []string                 `json:"visited"`
	Frontier        []crawler.Candidate      `json:"frontier"`
	SuccessfulRules map[string]playbook.Rule `json:"successful_rules"`
	PagesProcessed  int                      `json:"pages_processed"`
}

// FrontierState returns the frontier portion of the snapshot.
func (s CrawlState) FrontierState() frontier.State {
	return frontier.State{
		Visited:        s.Visited,
		Queue:          s.Frontier,
		PagesProcessed: s.PagesProcessed,
	}
}

// New assembles a CrawlState from its live parts.
func New(pb string, runID string, fs frontier.State, rules map[string]playbook.Rule) CrawlState {
	if rules == nil {
		rules = map[string]playbook.Rule{}
	}
	return CrawlState{
		Version:         SnapshotVersion,
		Playbook:        pb,
		RunID:           runID,
		Visited:         fs.Visited,
		Frontier:        fs.Queue,
		SuccessfulRules: rules,
		PagesProcessed:  fs.PagesProcessed,
	}
}

// Snapshot serializes the state. Equal states produce equal bytes.
func Snapshot(s CrawlState) ([]byte, error) {
	s.Version = SnapshotVersion
	s.Visited = append([]string(nil), s.Visited...)
	sort.Strings(s.Visited)
	if s.Visited == nil {
		s.Visited = []string{}
	}
	if s.Frontier == nil {
		s.Frontier = []crawler.Candidate{}
	}
	if s.SuccessfulRules == nil {
		s.SuccessfulRules = map[string]playbook.Rule{}
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal crawl state: %w", err)
	}
	return data, nil
}

// Restore parses a snapshot and checks its internal consistency.
func Restore(data []byte) (CrawlState, error) {
	var s CrawlState
	if err := json.Unmarshal(data, &s); err != nil {
		return CrawlState{}, fmt.Errorf("decode crawl state: %w", err)
	}
	if s.Version != SnapshotVersion {
		return CrawlState{}, fmt.Errorf("unsupported crawl state version %d", s.Version)
	}
	if s.PagesProcessed < 0 {
		return CrawlState{}, fmt.Errorf("crawl state has negative pages_processed")
	}
	seen := make(map[string]struct{}, len(s.Visited))
	for _, u := range s.Visited {
		if _, dup := seen[u]; dup {
			return CrawlState{}, fmt.Errorf("crawl state lists %q as visited twice", u)
		}
		seen[u] = struct{}{}
	}
	queued := make(map[string]struct{}, len(s.Frontier))
	for _, c := range s.Frontier {
		if _, dup := queued[c.URL]; dup {
			return CrawlState{}, fmt.Errorf("crawl state queues %q twice", c.URL)
		}
		queued[c.URL] = struct{}{}
	}
	if s.SuccessfulRules == nil {
		s.SuccessfulRules = map[string]playbook.Rule{}
	}
	return s, nil
}
