package frontier

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
	"github.com/JakeFAU/playbook-crawler/internal/metrics"
)

// Politeness spaces out fetches to the same host. Each host has its own
// limiter and reservations never block, so the dispatcher can skip a host
// that is not ready and hand the slot to another one.
type Politeness struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	deferred map[string]time.Time
	every    rate.Limit
}

// NewPoliteness creates a scheduler enforcing delay between fetches per host.
// A zero delay disables spacing.
func NewPoliteness(delay time.Duration) *Politeness {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &Politeness{
		limiters: make(map[string]*rate.Limiter),
		deferred: make(map[string]time.Time),
		every:    limit,
	}
}

// DelayFromSeconds converts a playbook crawl_delay into a duration.
func DelayFromSeconds(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func hostKey(rawURL string) string {
	if host := crawler.Host(rawURL); host != "" {
		return host
	}
	return "unknown"
}

func (p *Politeness) limiter(host string) *rate.Limiter {
	limiter, ok := p.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(p.every, 1)
		p.limiters[host] = limiter
	}
	return limiter
}

// Reserve claims rawURL's host and returns zero when it may be fetched now.
// Otherwise nothing is claimed and it returns how long until the host frees
// up. It satisfies ReadyFunc.
func (p *Politeness) Reserve(rawURL string) time.Duration {
	host := hostKey(rawURL)
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	r := p.limiter(host).ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		if _, ok := p.deferred[host]; !ok {
			p.deferred[host] = now
		}
		return d
	}
	if since, ok := p.deferred[host]; ok {
		delete(p.deferred, host)
		metrics.ObservePolitenessDelay(host, now.Sub(since))
	}
	return 0
}

// SetMinDelay raises the spacing for rawURL's host to at least delay, as a
// robots.txt crawl-delay asks. It never lowers it.
func (p *Politeness) SetMinDelay(rawURL string, delay time.Duration) {
	if delay <= 0 {
		return
	}
	limit := rate.Every(delay)
	p.mu.Lock()
	defer p.mu.Unlock()
	if l := p.limiter(hostKey(rawURL)); limit < l.Limit() {
		l.SetLimit(limit)
	}
}
