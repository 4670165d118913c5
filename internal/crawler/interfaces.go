package crawler

import (
	"context"
	"io"
	"time"
)

// PageFetcher renders pages for one owner. Implementations hold a stateful
// browsing session and must not be shared between goroutines.
type PageFetcher interface {
	Render(ctx context.Context, step Step) (string, error)
	Close() error
}

// FetcherFactory acquires a dedicated PageFetcher. The caller owns the result
// and must Close it on every exit path.
type FetcherFactory func(ctx context.Context) (PageFetcher, error)

// FieldExtractor pulls labelled attributes and tabular sections out of a
// rendered detail page. Implementations are pure over the markup.
type FieldExtractor interface {
	ExtractName(markup string) string
	ExtractFields(markup string) (map[string]string, error)
	ExtractSections(markup string, tableID string) []map[string]string
}

// ListingParser reads the search result listing.
type ListingParser interface {
	ExtractIdentifiers(markup string) ([]Identifier, error)
	TotalPages(markup string) (int, error)
}

// RecordSink receives each completed record as soon as a worker finishes it.
type RecordSink interface {
	Submit(ctx context.Context, record DetailRecord) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
