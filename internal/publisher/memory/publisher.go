// Package memory keeps submitted records in process memory.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
)

// Publisher records every submitted record in arrival order.
type Publisher struct {
	mu      sync.RWMutex
	records []crawler.DetailRecord
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Submit appends record. It never fails.
func (p *Publisher) Submit(_ context.Context, record crawler.DetailRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, record)
	return nil
}

// Records returns a copy of the submitted records.
func (p *Publisher) Records() []crawler.DetailRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]crawler.DetailRecord, len(p.records))
	copy(out, p.records)
	return out
}

// Len reports how many records were submitted.
func (p *Publisher) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}
