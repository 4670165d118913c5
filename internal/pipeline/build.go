package pipeline

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/public-register-crawler/internal/cancel"
	"github.com/JakeFAU/public-register-crawler/internal/crawler"
	"github.com/JakeFAU/public-register-crawler/internal/dispatcher"
	"github.com/JakeFAU/public-register-crawler/internal/extract"
	"github.com/JakeFAU/public-register-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/public-register-crawler/internal/queue/memory"
	"github.com/JakeFAU/public-register-crawler/internal/search"
	"github.com/JakeFAU/public-register-crawler/internal/worker"
)

// Options are the tunables of one crawl.
type Options struct {
	Search        search.Config
	Extract       extract.Config
	Worker        worker.Config
	Workers       int
	QueueCapacity int
	RateLimit     ratelimit.Config
}

// Deps are the collaborators a crawl is assembled from. SearchFetcher and
// DetailFetcher are required; everything else is optional.
type Deps struct {
	SearchFetcher crawler.FetcherFactory
	DetailFetcher crawler.FetcherFactory
	Sink          crawler.RecordSink
	Snapshots     crawler.BlobStore
	Hasher        crawler.Hasher
	Clock         crawler.Clock
	Artifact      ArtifactWriter
}

// Build assembles a Pipeline whose crawler and workers share token.
func Build(opts Options, deps Deps, token *cancel.Token, logger *zap.Logger) (*Pipeline, error) {
	if opts.Workers < 1 {
		return nil, fmt.Errorf("workers must be >= 1, got %d", opts.Workers)
	}
	if deps.SearchFetcher == nil || deps.DetailFetcher == nil {
		return nil, fmt.Errorf("search and detail fetcher factories are required")
	}
	if err := opts.Search.Validate(); err != nil {
		return nil, fmt.Errorf("search config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if token == nil {
		token = cancel.New()
	}

	queue := memory.NewQueue(opts.QueueCapacity)
	limiter := ratelimit.New(opts.RateLimit)
	parser := extract.New(opts.Extract, logger)
	collector := crawler.NewCollector()

	workers := make([]*worker.Worker, 0, opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		workers = append(workers, worker.New(
			i,
			queue,
			limiter,
			deps.DetailFetcher,
			parser,
			collector,
			deps.Sink,
			deps.Snapshots,
			deps.Hasher,
			deps.Clock,
			token,
			opts.Worker,
			logger,
		))
	}

	searcher := search.New(opts.Search, deps.SearchFetcher, parser, queue, token, logger)
	pool := dispatcher.New(queue, workers)
	return New(searcher, pool, queue, collector, deps.Artifact, logger), nil
}
