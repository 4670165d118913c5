// Package cmd defines the CLI commands of the register crawler.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/public-register-crawler/internal/cancel"
	"github.com/JakeFAU/public-register-crawler/internal/pipeline"
	"github.com/JakeFAU/public-register-crawler/internal/server"
)

// errCrawlAborted marks a crawl that ended before every queued identifier
// was attempted.
var errCrawlAborted = errors.New("crawl aborted")

// newCrawlCmd creates the one-shot 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl and writes the record artifact",
		Long: `Runs a single crawl with the configured search filter. The first
interrupt stops paging and lets the workers finish every queued identifier;
a second interrupt aborts immediately and the command exits non-zero.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			if filter != "" {
				cfg.Search.FilterValue = filter
			}

			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			logger := app.Logger()
			defer func() {
				if cerr := app.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
					logger.Warn("close failed", zap.Error(cerr))
				}
			}()

			token := cancel.New()
			ctx, release := withStopSignals(cmd.Context(), token, logger)
			defer release()

			result, err := app.RunCrawl(ctx, token)
			logger.Info("crawl command finished",
				zap.Int("records", len(result.Records)),
				zap.Int("failed", result.Failed()),
				zap.Int("skipped", len(result.Skipped)),
				zap.Int("pages", result.Pages),
				zap.Bool("stopped", result.Stopped),
				zap.String("artifact", result.ArtifactURI),
			)
			if result.ArtifactURI != "" {
				fmt.Fprintln(cmd.OutOrStdout(), result.ArtifactURI)
			}
			return crawlOutcome(result, err)
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "search filter value (overrides search.filter_value)")
	return cmd
}

// crawlOutcome maps a finished crawl to the command's exit status. A
// cooperative stop is a success; a hard abort or skipped identifiers are not.
func crawlOutcome(result pipeline.Result, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %d identifiers skipped", errCrawlAborted, len(result.Skipped))
	case err != nil:
		return fmt.Errorf("run crawl: %w", err)
	case len(result.Skipped) > 0:
		return fmt.Errorf("%w: %d identifiers skipped", errCrawlAborted, len(result.Skipped))
	}
	return nil
}
