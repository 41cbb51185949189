package rules

import (
	"sort"
	"sync"

	"github.com/JakeFAU/playbook-crawler/internal/playbook"
)

// Cache remembers, per domain, the extract rule that last produced data there.
// Entries are only ever added.
type Cache struct {
	mu      sync.RWMutex
	byHost  map[string]int
	pb      *playbook.Compiled
}

// NewCache creates an empty cache bound to a compiled playbook.
func NewCache(pb *playbook.Compiled) *Cache {
	return &Cache{byHost: make(map[string]int), pb: pb}
}

// Lookup returns the cached rule index for domain.
func (c *Cache) Lookup(domain string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byHost[domain]
	return idx, ok
}

// Remember caches idx for domain unless the domain already has an entry.
// It reports whether the entry was added.
func (c *Cache) Remember(domain string, idx int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byHost[domain]; ok {
		return false
	}
	c.byHost[domain] = idx
	return true
}

// Len returns the number of cached domains.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byHost)
}

// Export renders the cache as domain to rule, for snapshots.
func (c *Cache) Export() map[string]playbook.Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]playbook.Rule, len(c.byHost))
	for domain, idx := range c.byHost {
		if cr, ok := c.pb.RuleAt(idx); ok {
			out[domain] = cr.Rule
		}
	}
	return out
}

// Import loads snapshot entries. Rules no longer present in the playbook are
// skipped and their domains returned.
func (c *Cache) Import(entries map[string]playbook.Rule) []string {
	var dropped []string
	c.mu.Lock()
	defer c.mu.Unlock()
	for domain, rule := range entries {
		idx, ok := c.pb.IndexOf(rule)
		if !ok || rule.Type != playbook.RuleExtract {
			dropped = append(dropped, domain)
			continue
		}
		if _, exists := c.byHost[domain]; !exists {
			c.byHost[domain] = idx
		}
	}
	sort.Strings(dropped)
	return dropped
}
