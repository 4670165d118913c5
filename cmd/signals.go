package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/public-register-crawler/internal/cancel"
)

// withStopSignals returns a context that is canceled on the second
// SIGINT/SIGTERM. The first one only requests a cooperative stop on token.
func withStopSignals(parent context.Context, token *cancel.Token, logger *zap.Logger) (context.Context, func()) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	ctx, release := watchSignals(parent, sigs, token, logger)
	return ctx, func() {
		signal.Stop(sigs)
		release()
	}
}

func watchSignals(parent context.Context, sigs <-chan os.Signal, token *cancel.Token, logger *zap.Logger) (context.Context, func()) {
	ctx, cancelCtx := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		seen := 0
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case sig := <-sigs:
				seen++
				if seen == 1 {
					logger.Warn("stop requested, finishing queued work; signal again to abort",
						zap.String("signal", sig.String()))
					token.RequestStop()
					continue
				}
				logger.Warn("aborting", zap.String("signal", sig.String()))
				cancelCtx()
				return
			}
		}
	}()

	return ctx, func() {
		close(done)
		cancelCtx()
	}
}
