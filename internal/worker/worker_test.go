package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/public-register-crawler/internal/cancel"
	"github.com/JakeFAU/public-register-crawler/internal/crawler"
	"github.com/JakeFAU/public-register-crawler/internal/queue/memory"
)

const testTemplate = "https://register.test/info?UserID=" + IDPlaceholder

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	errs    map[string]error
	block   bool
	closed  bool
	renders []crawler.Step
}

func (f *fakeFetcher) Render(ctx context.Context, step crawler.Step) (string, error) {
	f.mu.Lock()
	f.renders = append(f.renders, step)
	block := f.block
	markup, ok := f.pages[step.URL]
	err := f.errs[step.URL]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("unexpected url %s", step.URL)
	}
	return markup, nil
}

func (f *fakeFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFetcher) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeExtractor treats markup as "name|label=value;label=value".
type fakeExtractor struct{}

func (fakeExtractor) ExtractName(markup string) string {
	name, _, _ := strings.Cut(markup, "|")
	return name
}

func (fakeExtractor) ExtractFields(markup string) (map[string]string, error) {
	_, rest, _ := strings.Cut(markup, "|")
	if rest == "corrupt" {
		return nil, errors.New("unreadable page")
	}
	fields := map[string]string{}
	for _, pair := range strings.Split(rest, ";") {
		if label, value, ok := strings.Cut(pair, "="); ok {
			fields[label] = value
		}
	}
	return fields, nil
}

func (fakeExtractor) ExtractSections(_ string, tableID string) []map[string]string {
	return []map[string]string{{"table": tableID}}
}

type countingLimiter struct {
	calls atomic.Int32
}

func (l *countingLimiter) Acquire(ctx context.Context) error {
	l.calls.Add(1)
	return ctx.Err()
}

type fakeSink struct {
	mu      sync.Mutex
	records []crawler.DetailRecord
	err     error
}

func (s *fakeSink) Submit(_ context.Context, record crawler.DetailRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return s.err
}

type fakeBlobStore struct {
	mu    sync.Mutex
	paths []string
}

func (b *fakeBlobStore) PutObject(_ context.Context, path, _ string, data io.Reader) (string, error) {
	if _, err := io.ReadAll(data); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths = append(b.paths, path)
	return "mem://" + path, nil
}

type fakeHasher struct{}

func (fakeHasher) Hash(data []byte) (string, error) {
	return fmt.Sprintf("h%d", len(data)), nil
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type harness struct {
	queue     *memory.Queue
	fetcher   *fakeFetcher
	limiter   *countingLimiter
	collector *crawler.Collector
	sink      *fakeSink
	blobs     *fakeBlobStore
	token     *cancel.Token
	factory   crawler.FetcherFactory
	cfg       Config
}

func newHarness() *harness {
	h := &harness{
		queue:     memory.NewQueue(0),
		fetcher:   &fakeFetcher{pages: map[string]string{}, errs: map[string]error{}},
		limiter:   &countingLimiter{},
		collector: crawler.NewCollector(),
		sink:      &fakeSink{},
		blobs:     &fakeBlobStore{},
		token:     cancel.New(),
		cfg: Config{
			DetailURLTemplate: testTemplate,
			PollInterval:      10 * time.Millisecond,
			SnapshotPrefix:    "snapshots",
		},
	}
	h.factory = func(context.Context) (crawler.PageFetcher, error) { return h.fetcher, nil }
	return h
}

func (h *harness) worker() *Worker {
	return New(
		0,
		h.queue,
		h.limiter,
		h.factory,
		fakeExtractor{},
		h.collector,
		h.sink,
		h.blobs,
		fakeHasher{},
		fakeClock{now: time.Unix(100, 0).UTC()},
		h.token,
		h.cfg,
		zap.NewNop(),
	)
}

func (h *harness) page(id, markup string) {
	h.fetcher.pages["https://register.test/info?UserID="+id] = markup
}

func (h *harness) push(t *testing.T, items ...crawler.WorkItem) {
	t.Helper()
	for _, item := range items {
		require.NoError(t, h.queue.Push(context.Background(), item))
	}
}

func runWithin(t *testing.T, w *Worker, limit time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(limit):
		t.Fatal("worker did not exit")
	}
}

func TestWorkerProcessesUntilSentinel(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.page("A", "Alice|Registration Number=1;Registrant Type=Optician")
	h.page("B", "Bob|Registration Status=Active")
	h.push(t, crawler.ItemFor("A"), crawler.ItemFor("B"), crawler.StopItem())

	runWithin(t, h.worker(), 2*time.Second)

	records := h.collector.Records()
	require.Len(t, records, 2)
	assert.Equal(t, crawler.Identifier("A"), records[0].Identifier)
	assert.Equal(t, "Alice", records[0].Name)
	assert.Equal(t, "1", records[0].RegistrationNumber)
	assert.Equal(t, "Optician", records[0].RegistrantType)
	assert.Equal(t, "Active", records[1].RegistrationStatus)
	assert.Len(t, records[0].Sections, len(crawler.Sections))
	assert.Equal(t, time.Unix(100, 0).UTC(), records[0].FetchedAt)

	assert.NotEmpty(t, records[0].ContentHash)
	assert.Equal(t, "mem://snapshots/"+records[0].ContentHash+".html", records[0].SnapshotURI)

	assert.True(t, h.queue.Drained())
	assert.Equal(t, int32(2), h.limiter.calls.Load())
	assert.Len(t, h.sink.records, 2)
	assert.True(t, h.fetcher.isClosed())
}

func TestWorkerTurnsFailuresIntoErrorRecords(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.page("A", "Alice|Languages=English")
	h.fetcher.errs["https://register.test/info?UserID=X"] = errors.New("net::ERR_CONNECTION_RESET")
	h.page("Y", "Yves|corrupt")
	h.push(t, crawler.ItemFor("X"), crawler.ItemFor("Y"), crawler.ItemFor("A"), crawler.StopItem())

	runWithin(t, h.worker(), 2*time.Second)

	records := h.collector.Records()
	require.Len(t, records, 3)

	x := records[0]
	assert.Equal(t, crawler.Identifier("X"), x.Identifier)
	assert.Equal(t, "https://register.test/info?UserID=X", x.URL)
	assert.True(t, x.Failed())
	assert.Contains(t, x.Error, "ERR_CONNECTION_RESET")
	assert.Empty(t, x.Name)
	assert.Empty(t, x.Sections)

	assert.True(t, records[1].Failed())
	assert.Contains(t, records[1].Error, "extract fields")

	assert.False(t, records[2].Failed())
	assert.Equal(t, "English", records[2].LanguagesOfCare)
	assert.True(t, h.queue.Drained())
}

func TestWorkerExitsWhenStoppedAndDrained(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.page("A", "Alice|")
	h.push(t, crawler.ItemFor("A"))
	h.token.RequestStop()
	h.queue.Seal()

	// No sentinel: the worker must notice the stop on an idle poll.
	runWithin(t, h.worker(), 2*time.Second)
	assert.Equal(t, 1, h.collector.Len())
}

func TestWorkerWaitsForProducerAfterStop(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.page("A", "Alice|")
	h.page("B", "Bob|")
	h.token.RequestStop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.worker().Run(context.Background())
	}()

	// Stopped and drained, but the producer has not finished its page yet.
	select {
	case <-done:
		t.Fatal("worker exited before the producer finished")
	case <-time.After(50 * time.Millisecond):
	}

	h.push(t, crawler.ItemFor("A"), crawler.ItemFor("B"))
	h.queue.Seal()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after the queue was sealed")
	}
	assert.Equal(t, 2, h.collector.Len())
	assert.True(t, h.queue.Drained())
}

func TestWorkerKeepsWaitingWhileNotStopped(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.worker().Run(ctx)
	}()

	select {
	case <-done:
		t.Fatal("worker exited with an empty queue and no stop request")
	case <-time.After(50 * time.Millisecond):
	}
	cancelCtx()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker ignored context cancellation")
	}
}

func TestWorkerDrainsWhenFetcherUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.factory = func(context.Context) (crawler.PageFetcher, error) {
		return nil, errors.New("chrome not found")
	}
	h.push(t, crawler.ItemFor("A"), crawler.ItemFor("B"), crawler.StopItem())

	runWithin(t, h.worker(), 2*time.Second)

	records := h.collector.Records()
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.True(t, rec.Failed())
		assert.Contains(t, rec.Error, "acquire fetcher")
	}
	assert.True(t, h.queue.Drained())
	assert.Zero(t, h.limiter.calls.Load())
}

func TestWorkerFetchTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.fetcher.block = true
	h.cfg.FetchTimeout = 20 * time.Millisecond
	h.push(t, crawler.ItemFor("slow"), crawler.StopItem())

	runWithin(t, h.worker(), 2*time.Second)

	records := h.collector.Records()
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Error, context.DeadlineExceeded.Error())
}

func TestWorkerSinkFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.sink.err = errors.New("database unavailable")
	h.page("A", "Alice|")
	h.page("B", "Bob|")
	h.push(t, crawler.ItemFor("A"), crawler.ItemFor("B"), crawler.StopItem())

	runWithin(t, h.worker(), 2*time.Second)
	assert.Equal(t, 2, h.collector.Len())
	assert.Len(t, h.sink.records, 2)
}

func TestWorkerClaimedItemOnAbortStillRecorded(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx, cancelCtx := context.WithCancel(context.Background())
	cancelCtx()
	w := h.worker()

	// A claimed identifier whose rate limit wait is cut short still yields a record.
	w.handle(ctx, h.fetcher, nil, "A")
	records := h.collector.Records()
	require.Len(t, records, 1)
	assert.True(t, records[0].Failed())
}

func TestDetailURL(t *testing.T) {
	t.Parallel()

	w := New(0, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, Config{}, nil)
	assert.Equal(t,
		"https://members.collegeofopticians.ca/coo/Public%20Register/Reigstrant-Information.aspx?UserID=10234",
		w.DetailURL("10234"),
	)

	w = New(0, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, Config{DetailURLTemplate: testTemplate}, nil)
	assert.Equal(t, "https://register.test/info?UserID=a+b%26c", w.DetailURL("a b&c"))
}

func TestWorkerRecordsSpanPerIdentifier(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	h := newHarness()
	h.page("A", "Alice|Languages=English")
	h.fetcher.errs["https://register.test/info?UserID=X"] = errors.New("timeout")
	h.push(t, crawler.ItemFor("A"), crawler.ItemFor("X"), crawler.StopItem())

	runWithin(t, h.worker(), 2*time.Second)

	statuses := map[string]codes.Code{}
	for _, span := range recorder.Ended() {
		if span.Name() != "worker.fetch_detail" {
			continue
		}
		for _, kv := range span.Attributes() {
			if kv.Key == "identifier" {
				statuses[kv.Value.AsString()] = span.Status().Code
			}
		}
	}
	assert.Equal(t, map[string]codes.Code{"A": codes.Unset, "X": codes.Error}, statuses)
}
