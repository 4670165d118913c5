package cmd

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
	"github.com/JakeFAU/public-register-crawler/internal/pipeline"
	"github.com/JakeFAU/public-register-crawler/internal/search"
)

func TestCrawlOutcome(t *testing.T) {
	t.Run("complete crawl succeeds", func(t *testing.T) {
		assert.NoError(t, crawlOutcome(pipeline.Result{Records: []crawler.DetailRecord{{Identifier: "A"}}}, nil))
	})

	t.Run("cooperative stop succeeds", func(t *testing.T) {
		assert.NoError(t, crawlOutcome(pipeline.Result{Stopped: true}, nil))
	})

	t.Run("hard abort fails", func(t *testing.T) {
		res := pipeline.Result{Skipped: []crawler.Identifier{"B", "C"}}
		err := crawlOutcome(res, fmt.Errorf("wait drained: %w", context.Canceled))
		require.ErrorIs(t, err, errCrawlAborted)
		assert.Contains(t, err.Error(), "2 identifiers skipped")
	})

	t.Run("hard abort with nothing skipped still fails", func(t *testing.T) {
		require.ErrorIs(t, crawlOutcome(pipeline.Result{}, context.Canceled), errCrawlAborted)
	})

	t.Run("skipped identifiers fail", func(t *testing.T) {
		res := pipeline.Result{Skipped: []crawler.Identifier{"B"}}
		require.ErrorIs(t, crawlOutcome(res, nil), errCrawlAborted)
	})

	t.Run("search failure is wrapped", func(t *testing.T) {
		fatal := &search.FatalError{Stage: search.StageSubmit, Err: errors.New("submit button missing")}
		err := crawlOutcome(pipeline.Result{CrawlErr: fatal}, fatal)
		var target *search.FatalError
		require.ErrorAs(t, err, &target)
		assert.Contains(t, err.Error(), "run crawl")
		assert.NotErrorIs(t, err, errCrawlAborted)
	})
}
