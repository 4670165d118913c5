package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
)

func TestPublisherStoresRecords(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	require.NoError(t, pub.Submit(ctx, crawler.DetailRecord{Identifier: "A"}))
	require.NoError(t, pub.Submit(ctx, crawler.DetailRecord{Identifier: "B"}))

	recs := pub.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, crawler.Identifier("A"), recs[0].Identifier)
	assert.Equal(t, crawler.Identifier("B"), recs[1].Identifier)

	recs[0].Identifier = "modified"
	assert.Equal(t, crawler.Identifier("A"), pub.Records()[0].Identifier)
}

func TestPublisherConcurrentSubmit(t *testing.T) {
	t.Parallel()

	pub := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pub.Submit(context.Background(), crawler.DetailRecord{Identifier: "same"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 32, pub.Len())
}
