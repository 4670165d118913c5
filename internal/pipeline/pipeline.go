// Package pipeline wires the search crawler, the work queue and the worker
// pool into one blocking crawl.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
	"github.com/JakeFAU/public-register-crawler/internal/search"
)

var tracer = otel.Tracer("github.com/JakeFAU/public-register-crawler/internal/pipeline")

// Crawler produces identifiers into the queue.
type Crawler interface {
	Run(ctx context.Context) (search.Stats, error)
}

// Pool runs the detail workers.
type Pool interface {
	Run(ctx context.Context)
	Stop(ctx context.Context) error
	Size() int
}

// Queue is the control side of the work queue.
type Queue interface {
	Seal()
	WaitDrained(ctx context.Context) error
	Discard() []crawler.Identifier
	Close()
}

// ArtifactWriter persists the finished record list.
type ArtifactWriter interface {
	Write(ctx context.Context, records []crawler.DetailRecord) (string, error)
}

// Result is everything a crawl produced.
type Result struct {
	// Records in completion order, error placeholders included.
	Records []crawler.DetailRecord
	// CrawlErr is set when the search phase failed; Records still holds
	// every identifier pushed before the failure.
	CrawlErr error
	// Skipped lists identifiers that were queued but never claimed because
	// the run was aborted through its context.
	Skipped     []crawler.Identifier
	TotalPages  int
	Pages       int
	Enqueued    int
	Stopped     bool
	ArtifactURI string
}

// Failed counts error placeholders in Records.
func (r Result) Failed() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Failed() {
			n++
		}
	}
	return n
}

// Pipeline runs one crawl. It is not reusable.
type Pipeline struct {
	crawler   Crawler
	pool      Pool
	queue     Queue
	collector *crawler.Collector
	artifact  ArtifactWriter
	logger    *zap.Logger
}

// New constructs a Pipeline. artifact may be nil.
func New(
	c Crawler,
	pool Pool,
	queue Queue,
	collector *crawler.Collector,
	artifact ArtifactWriter,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		crawler:   c,
		pool:      pool,
		queue:     queue,
		collector: collector,
		artifact:  artifact,
		logger:    logger.Named("pipeline"),
	}
}

// Run starts the crawler and the worker pool, seals the queue once the crawl
// finishes, waits for the queue to drain, broadcasts one stop sentinel per worker and joins
// the pool. The returned error is the crawl failure, or the context error
// when the run was aborted; the Result is populated in both cases.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()

	var (
		result  Result
		runErr  error
		aborted bool
		group   errgroup.Group
	)
	// Sentinels and the artifact must go out even when ctx has ended.
	stopCtx := context.WithoutCancel(ctx)

	group.Go(func() error {
		p.pool.Run(ctx)
		return nil
	})

	group.Go(func() error {
		stats, err := p.crawler.Run(ctx)
		p.queue.Seal()
		result.TotalPages = stats.TotalPages
		result.Pages = stats.Pages
		result.Enqueued = stats.Enqueued
		result.Stopped = stats.Stopped

		switch {
		case err == nil:
		case isAbort(ctx, err):
			aborted = true
			runErr = err
		default:
			result.CrawlErr = err
			runErr = err
			p.logger.Error("crawl phase failed, draining queued identifiers", zap.Error(err))
		}

		if !aborted {
			if err := p.queue.WaitDrained(ctx); err != nil {
				aborted = true
				runErr = err
			}
		}
		if aborted {
			result.Skipped = p.queue.Discard()
			p.logger.Warn("run aborted",
				zap.Int("skipped", len(result.Skipped)),
				zap.Error(runErr),
			)
		}

		if err := p.pool.Stop(stopCtx); err != nil {
			return fmt.Errorf("stop workers: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		p.queue.Close()
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	p.queue.Close()

	result.Records = p.collector.Records()
	p.logger.Info("crawl finished",
		zap.Int("records", len(result.Records)),
		zap.Int("failed", result.Failed()),
		zap.Int("enqueued", result.Enqueued),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("pages", result.Pages),
		zap.Bool("stopped", result.Stopped),
	)

	span.SetAttributes(
		attribute.Int("crawl.records", len(result.Records)),
		attribute.Int("crawl.failed", result.Failed()),
		attribute.Int("crawl.skipped", len(result.Skipped)),
		attribute.Int("crawl.pages", result.Pages),
	)
	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
	}

	if p.artifact != nil {
		uri, err := p.artifact.Write(stopCtx, result.Records)
		if err != nil {
			p.logger.Error("write artifact failed", zap.Error(err))
		} else {
			result.ArtifactURI = uri
			p.logger.Info("artifact written", zap.String("uri", uri))
		}
	}
	return result, runErr
}

// isAbort reports whether err is the run's own context ending rather than a
// crawl failure.
func isAbort(ctx context.Context, err error) bool {
	var fatal *search.FatalError
	if errors.As(err, &fatal) {
		return false
	}
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
