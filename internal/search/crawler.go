package search

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/public-register-crawler/internal/cancel"
	"github.com/JakeFAU/public-register-crawler/internal/crawler"
	"github.com/JakeFAU/public-register-crawler/internal/metrics"
)

// Queue is the subset of the work queue the crawler needs.
type Queue interface {
	Push(ctx context.Context, item crawler.WorkItem) error
}

// Stats summarizes one crawl.
type Stats struct {
	TotalPages int
	Pages      int
	Enqueued   int
	Stopped    bool
}

// Crawler walks the search listing page by page and pushes identifiers.
type Crawler struct {
	cfg    Config
	fetch  crawler.FetcherFactory
	parser crawler.ListingParser
	queue  Queue
	token  *cancel.Token
	logger *zap.Logger
}

// New constructs a Crawler. The token may be shared with the worker pool.
func New(
	cfg Config,
	fetch crawler.FetcherFactory,
	parser crawler.ListingParser,
	queue Queue,
	token *cancel.Token,
	logger *zap.Logger,
) *Crawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if token == nil {
		token = cancel.New()
	}
	return &Crawler{
		cfg:    cfg,
		fetch:  fetch,
		parser: parser,
		queue:  queue,
		token:  token,
		logger: logger.Named("search"),
	}
}

// Run performs one crawl. It returns a *FatalError when the search could not
// be set up, or a wrapped context error when ctx ends mid-crawl. Stats are
// valid in every case.
func (c *Crawler) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.cfg.Validate(); err != nil {
		return stats, &FatalError{Stage: StageNavigate, Err: err}
	}
	fetcher, err := c.fetch(ctx)
	if err != nil {
		return stats, &FatalError{Stage: StageAcquire, Err: err}
	}
	defer func() {
		if closeErr := fetcher.Close(); closeErr != nil {
			c.logger.Warn("release search fetcher failed", zap.Error(closeErr))
		}
	}()

	markup, err := c.setup(ctx, fetcher)
	if err != nil {
		return stats, err
	}

	stats.TotalPages = c.totalPages(markup)
	c.logger.Info("search results ready", zap.Int("total_pages", stats.TotalPages))

	for page := 1; page <= stats.TotalPages; page++ {
		if c.token.Stopped() {
			c.logger.Info("stop requested, ending search", zap.Int("page", page))
			stats.Stopped = true
			break
		}
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("crawl aborted: %w", err)
		}

		ids := c.identifiers(markup, page)
		for _, id := range ids {
			if err := c.queue.Push(ctx, crawler.ItemFor(id)); err != nil {
				return stats, fmt.Errorf("push identifier %s: %w", id, err)
			}
			stats.Enqueued++
		}
		stats.Pages++
		metrics.ObservePage()
		metrics.ObserveEnqueued(len(ids))
		c.logger.Info("scraped results page",
			zap.Int("page", page),
			zap.Int("total_pages", stats.TotalPages),
			zap.Int("identifiers", len(ids)),
		)

		if page < stats.TotalPages {
			markup = c.nextPage(ctx, fetcher, page)
		}
	}
	return stats, nil
}

// setup runs the fatal part of the state machine and returns the markup of
// the first results page.
func (c *Crawler) setup(ctx context.Context, fetcher crawler.PageFetcher) (string, error) {
	readyFor := c.cfg.FilterSelector
	if readyFor == "" {
		readyFor = c.cfg.SubmitSelector
	}
	if _, err := c.render(ctx, fetcher, StageNavigate,
		crawler.Navigate(c.cfg.SearchURL, readyFor, c.cfg.NavigateSettle)); err != nil {
		return "", err
	}

	if c.cfg.FilterValue != "" {
		if _, err := c.render(ctx, fetcher, StageFilter, crawler.Step{
			Kind:     crawler.StepSelect,
			Selector: c.cfg.FilterSelector,
			Value:    c.cfg.FilterValue,
		}); err != nil {
			return "", err
		}
		c.logger.Info("applied search filter", zap.String("filter", c.cfg.FilterValue))
	}

	markup, err := c.render(ctx, fetcher, StageSubmit, crawler.Step{
		Kind:     crawler.StepClick,
		Selector: c.cfg.SubmitSelector,
		WaitFor:  c.cfg.ResultsSelector,
	})
	if err != nil {
		return "", err
	}

	if c.cfg.PageSize > 0 {
		option := c.cfg.pageSizeOption()
		if _, err := c.render(ctx, fetcher, StagePageSize, crawler.Step{
			Kind:     crawler.StepClick,
			Selector: c.cfg.PageSizeSelector,
			WaitFor:  option,
		}); err != nil {
			return "", err
		}
		markup, err = c.render(ctx, fetcher, StagePageSize, crawler.Step{
			Kind:     crawler.StepClick,
			Selector: option,
			WaitFor:  c.cfg.ResultsSelector,
			Settle:   c.cfg.PageSizeSettle,
		})
		if err != nil {
			return "", err
		}
		c.logger.Info("set page size", zap.Int("page_size", c.cfg.PageSize))
	}
	return markup, nil
}

func (c *Crawler) render(
	ctx context.Context,
	fetcher crawler.PageFetcher,
	stage string,
	step crawler.Step,
) (string, error) {
	start := time.Now()
	markup, err := fetcher.Render(ctx, step)
	metrics.ObserveFetch("search", time.Since(start))
	if err != nil {
		return "", &FatalError{Stage: stage, Err: err}
	}
	return markup, nil
}

func (c *Crawler) totalPages(markup string) int {
	total, err := c.parser.TotalPages(markup)
	if err != nil || total < 1 {
		c.logger.Warn("could not read page count, assuming one page", zap.Error(err))
		return 1
	}
	return total
}

func (c *Crawler) identifiers(markup string, page int) []crawler.Identifier {
	if markup == "" {
		return nil
	}
	ids, err := c.parser.ExtractIdentifiers(markup)
	if err != nil {
		c.logger.Error("extract identifiers failed", zap.Int("page", page), zap.Error(err))
		return nil
	}
	return ids
}

// nextPage advances the pager. A failed click is logged and the following
// page contributes no identifiers.
func (c *Crawler) nextPage(ctx context.Context, fetcher crawler.PageFetcher, page int) string {
	start := time.Now()
	markup, err := fetcher.Render(ctx, crawler.Step{
		Kind:     crawler.StepClick,
		Selector: c.cfg.NextPageSelector,
		WaitFor:  c.cfg.ResultsSelector,
		Settle:   c.cfg.NextPageSettle,
	})
	metrics.ObserveFetch("search", time.Since(start))
	if err != nil {
		c.logger.Error("next page failed", zap.Int("page", page), zap.Error(err))
		return ""
	}
	return markup
}
