// Package memory contains an in-memory result publisher for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
)

// Publisher keeps published records for inspection.
type Publisher struct {
	mu      sync.RWMutex
	records []crawler.ResultRecord
	err     error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent publishes return err. A nil err clears it.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, record crawler.ResultRecord) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.records = append(p.records, record)
	return fmt.Sprintf("memory-%d", len(p.records)), nil
}

// Records returns a copy of everything published so far.
func (p *Publisher) Records() []crawler.ResultRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]crawler.ResultRecord, len(p.records))
	copy(out, p.records)
	return out
}

// URLs returns the URL of each published record, in publish order.
func (p *Publisher) URLs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.records))
	for i, r := range p.records {
		out[i] = r.URL
	}
	return out
}
