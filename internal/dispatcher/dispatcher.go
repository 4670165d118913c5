// Package dispatcher manages worker fan-out over the work queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
	"github.com/JakeFAU/public-register-crawler/internal/worker"
)

// Queue is the producer side of the work queue.
type Queue interface {
	Push(ctx context.Context, item crawler.WorkItem) error
}

// Runner is one pool member.
type Runner interface {
	Run(ctx context.Context)
}

// Pool fans queue work out to a fixed set of workers.
type Pool struct {
	queue   Queue
	workers []Runner
}

// New creates a Pool.
func New(queue Queue, workers []*worker.Worker) *Pool {
	runners := make([]Runner, 0, len(workers))
	for _, w := range workers {
		runners = append(runners, w)
	}
	return NewWithRunners(queue, runners)
}

// NewWithRunners creates a Pool over arbitrary runners.
func NewWithRunners(queue Queue, runners []Runner) *Pool {
	return &Pool{
		queue:   queue,
		workers: runners,
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Run starts all workers and blocks until every one of them has returned.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Stop enqueues exactly one stop sentinel per worker.
func (p *Pool) Stop(ctx context.Context) error {
	for i := range p.workers {
		if err := p.queue.Push(ctx, crawler.StopItem()); err != nil {
			return fmt.Errorf("queue enqueue sentinel %d/%d: %w", i+1, len(p.workers), err)
		}
	}
	return nil
}
