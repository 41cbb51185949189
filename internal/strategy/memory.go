package strategy

import (
	"sync"
	"time"

	"github.com/JakeFAU/playbook-crawler/internal/clock/system"
	"github.com/JakeFAU/playbook-crawler/internal/crawler"
)

// LaneMemory remembers hosts that needed the Power Lane so later fetches can
// skip the Fast Lane until the entry expires.
type LaneMemory struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   crawler.Clock
	entries map[string]time.Time
}

// NewLaneMemory returns nil when ttl is not positive, which disables memory.
func NewLaneMemory(ttl time.Duration, clock crawler.Clock) *LaneMemory {
	if ttl <= 0 {
		return nil
	}
	if clock == nil {
		clock = system.New()
	}
	return &LaneMemory{ttl: ttl, clock: clock, entries: make(map[string]time.Time)}
}

// Remembered reports whether host should go straight to the Power Lane.
func (m *LaneMemory) Remembered(host string) bool {
	if m == nil || host == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	expires, ok := m.entries[host]
	if !ok {
		return false
	}
	if !m.clock.Now().Before(expires) {
		delete(m.entries, host)
		return false
	}
	return true
}

// Remember records that host escalated.
func (m *LaneMemory) Remember(host string) {
	if m == nil || host == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for h, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, h)
		}
	}
	m.entries[host] = now.Add(m.ttl)
}

// Forget drops host, typically after the remembered lane failed.
func (m *LaneMemory) Forget(host string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.entries, host)
	m.mu.Unlock()
}
