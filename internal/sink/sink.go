// Package sink fans completed records out to their destinations and writes
// the final artifact.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
)

// Nop discards every record.
type Nop struct{}

// Submit implements crawler.RecordSink.
func (Nop) Submit(context.Context, crawler.DetailRecord) error { return nil }

// Multi submits each record to every sink in order. Every sink is attempted
// even when an earlier one fails.
type Multi []crawler.RecordSink

// NewMulti drops nil sinks. With no sinks left it returns Nop.
func NewMulti(sinks ...crawler.RecordSink) crawler.RecordSink {
	out := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	}
	return out
}

// Submit implements crawler.RecordSink.
func (m Multi) Submit(ctx context.Context, record crawler.DetailRecord) error {
	var errs []error
	for i, s := range m {
		if err := s.Submit(ctx, record); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
