// Package frontier holds the crawl work queue together with the admission
// controls that bound it: visited-set dedup, depth and page budgets,
// robots.txt, and per-host politeness.
package frontier

import (
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
)

// Limits bounds what the frontier admits.
type Limits struct {
	MaxDepth int
	MaxPages int
}

// State is the exported form of the frontier, persisted in crawl snapshots.
type State struct {
	Visited        []string            `json:"visited"`
	Queue          []crawler.Candidate `json:"frontier"`
	PagesProcessed int                 `json:"pages_processed"`
}

// Frontier is a FIFO of candidates guarded by a single mutex, so the visited
// check and the enqueue are one atomic step.
type Frontier struct {
	mu        sync.Mutex
	limits    Limits
	queue     []crawler.Candidate
	visited   map[string]struct{}
	inFlight  map[string]crawler.Candidate
	processed int
}

// New creates an empty frontier.
func New(limits Limits) *Frontier {
	return &Frontier{
		limits:   limits,
		visited:  make(map[string]struct{}),
		inFlight: make(map[string]crawler.Candidate),
	}
}

// Restore rebuilds a frontier from a snapshot state.
func Restore(limits Limits, st State) *Frontier {
	f := New(limits)
	for _, u := range st.Visited {
		f.visited[u] = struct{}{}
	}
	for _, c := range st.Queue {
		f.visited[c.URL] = struct{}{}
		f.queue = append(f.queue, c)
	}
	f.processed = st.PagesProcessed
	return f
}

// Admit enqueues c when it is within depth, unseen, and within the page budget.
func (f *Frontier) Admit(c crawler.Candidate) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.Depth > f.limits.MaxDepth {
		return false
	}
	if _, seen := f.visited[c.URL]; seen {
		return false
	}
	if f.processed+len(f.queue) >= f.limits.MaxPages {
		return false
	}
	f.visited[c.URL] = struct{}{}
	f.queue = append(f.queue, c)
	return true
}

// Seen reports whether url was ever admitted.
func (f *Frontier) Seen(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.visited[url]
	return ok
}

// ReadyFunc reports how long until rawURL's host may be fetched. A zero
// result claims the host for this fetch.
type ReadyFunc func(rawURL string) time.Duration

// Pop claims the next candidate and counts it against the page budget.
func (f *Frontier) Pop() (crawler.Candidate, bool) {
	c, _, ok := f.PopReady(nil)
	return c, ok
}

// PopReady claims the first queued candidate whose host is ready. Candidates
// of hosts that are not ready keep their place. When nothing can be claimed
// it returns the shortest wait reported by ready, or zero if no host is
// merely waiting.
func (f *Frontier) PopReady(ready ReadyFunc) (crawler.Candidate, time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processed >= f.limits.MaxPages {
		return crawler.Candidate{}, 0, false
	}
	var wait time.Duration
	waiting := make(map[string]struct{})
	for i, c := range f.queue {
		if ready != nil {
			host := crawler.Host(c.URL)
			if _, ok := waiting[host]; ok {
				continue
			}
			if d := ready(c.URL); d > 0 {
				waiting[host] = struct{}{}
				if wait == 0 || d < wait {
					wait = d
				}
				continue
			}
		}
		f.remove(i)
		f.processed++
		f.inFlight[c.URL] = c
		return c, 0, true
	}
	return crawler.Candidate{}, wait, false
}

func (f *Frontier) remove(i int) {
	if i == 0 {
		f.queue[0] = crawler.Candidate{}
		f.queue = f.queue[1:]
		return
	}
	copy(f.queue[i:], f.queue[i+1:])
	f.queue[len(f.queue)-1] = crawler.Candidate{}
	f.queue = f.queue[:len(f.queue)-1]
}

// Settle marks queued candidates as already processed, for pages whose
// results were written before their claim was released. It returns how many
// were settled.
func (f *Frontier) Settle(urls []string) int {
	if len(urls) == 0 {
		return 0
	}
	done := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		done[u] = struct{}{}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.queue[:0]
	settled := 0
	for _, c := range f.queue {
		if _, ok := done[c.URL]; ok {
			settled++
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(f.queue); i++ {
		f.queue[i] = crawler.Candidate{}
	}
	f.queue = kept
	f.processed += settled
	return settled
}

// Done releases a candidate claimed by Pop.
func (f *Frontier) Done(c crawler.Candidate) {
	f.mu.Lock()
	delete(f.inFlight, c.URL)
	f.mu.Unlock()
}

// Len returns the number of queued candidates.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// InFlight returns the number of claimed but unfinished candidates.
func (f *Frontier) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inFlight)
}

// Idle reports that nothing is queued and nothing is in flight, so no more
// work can appear.
func (f *Frontier) Idle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) == 0 && len(f.inFlight) == 0
}

// PagesProcessed returns the number of candidates claimed so far.
func (f *Frontier) PagesProcessed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed
}

// Exhausted reports that the page budget is fully claimed.
func (f *Frontier) Exhausted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed >= f.limits.MaxPages
}

// Export snapshots the frontier. In-flight candidates go back to the head of
// the queue and are not counted as processed, so a resumed run retries them.
func (f *Frontier) Export() State {
	f.mu.Lock()
	defer f.mu.Unlock()

	inFlight := make([]crawler.Candidate, 0, len(f.inFlight))
	for _, c := range f.inFlight {
		inFlight = append(inFlight, c)
	}
	sort.Slice(inFlight, func(i, j int) bool { return inFlight[i].URL < inFlight[j].URL })

	queue := make([]crawler.Candidate, 0, len(inFlight)+len(f.queue))
	queue = append(queue, inFlight...)
	queue = append(queue, f.queue...)

	visited := make([]string, 0, len(f.visited))
	for u := range f.visited {
		visited = append(visited, u)
	}
	sort.Strings(visited)

	return State{
		Visited:        visited,
		Queue:          queue,
		PagesProcessed: f.processed - len(inFlight),
	}
}
