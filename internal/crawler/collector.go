package crawler

import "sync"

// Collector is an append-only record set safe for concurrent use. Records
// keep completion order.
type Collector struct {
	mu      sync.Mutex
	records []DetailRecord
	failed  int
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Append adds a record.
func (c *Collector) Append(record DetailRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
	if record.Failed() {
		c.failed++
	}
}

// Records returns a copy of the collected records.
func (c *Collector) Records() []DetailRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DetailRecord, len(c.records))
	copy(out, c.records)
	return out
}

// Len returns the number of collected records.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Failed returns the number of error-tagged records.
func (c *Collector) Failed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}
