package cmd

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/public-register-crawler/internal/cancel"
)

func TestWatchSignalsTwoStage(t *testing.T) {
	sigs := make(chan os.Signal, 2)
	token := cancel.New()
	ctx, release := watchSignals(context.Background(), sigs, token, zap.NewNop())
	defer release()

	sigs <- syscall.SIGINT
	require.Eventually(t, token.Stopped, time.Second, 5*time.Millisecond)
	assert.NoError(t, ctx.Err())

	sigs <- syscall.SIGTERM
	require.Eventually(t, func() bool { return ctx.Err() != nil }, time.Second, 5*time.Millisecond)
}

func TestWatchSignalsReleaseCancels(t *testing.T) {
	token := cancel.New()
	ctx, release := watchSignals(context.Background(), make(chan os.Signal), token, zap.NewNop())
	release()

	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, token.Stopped())
}
