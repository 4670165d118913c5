package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
)

// ErrNotConfigured is returned by Noop for every step.
var ErrNotConfigured = errors.New("detail fetcher disabled")

// Noop fails every render. As the detail fetcher it turns a crawl into a
// listing-only run: every identifier becomes an error record.
type Noop struct{}

// OpenNoop matches crawler.FetcherFactory.
func OpenNoop(context.Context) (crawler.PageFetcher, error) {
	return Noop{}, nil
}

// Render returns ErrNotConfigured.
func (Noop) Render(context.Context, crawler.Step) (string, error) {
	return "", ErrNotConfigured
}

// Close is a no-op.
func (Noop) Close() error {
	return nil
}
