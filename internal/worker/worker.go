// Package worker implements the detail fetch loop run by each pool member.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/public-register-crawler/internal/cancel"
	"github.com/JakeFAU/public-register-crawler/internal/clock/system"
	"github.com/JakeFAU/public-register-crawler/internal/crawler"
	"github.com/JakeFAU/public-register-crawler/internal/metrics"
	"github.com/JakeFAU/public-register-crawler/internal/queue/memory"
)

var tracer = otel.Tracer("github.com/JakeFAU/public-register-crawler/internal/worker")

// IDPlaceholder is replaced by the escaped identifier in DetailURLTemplate.
const IDPlaceholder = "{id}"

// DefaultDetailURLTemplate points at the register's registrant information page.
const DefaultDetailURLTemplate = "https://members.collegeofopticians.ca/coo/Public%20Register/Reigstrant-Information.aspx?UserID=" + IDPlaceholder

// DefaultSectionTables maps each section to its Telerik grid table id.
func DefaultSectionTables() map[crawler.SectionKey]string {
	return map[crawler.SectionKey]string{
		crawler.SectionHistory:                 "ctl01_TemplateBody_WebPartManager1_gwpciRegistrantHistoryIQA_ciRegistrantHistoryIQA_ResultsGrid_Grid1_ctl00",
		crawler.SectionPracticeLocations:       "ctl01_TemplateBody_WebPartManager1_gwpciPracticeLocationsIQA_ciPracticeLocationsIQA_ResultsGrid_Grid1_ctl00",
		crawler.SectionProfessionalCorporation: "ctl01_TemplateBody_WebPartManager1_gwpciProfessionalCorporationIQA_ciProfessionalCorporationIQA_ResultsGrid_Grid1_ctl00",
	}
}

// Queue is the subset of the work queue a worker consumes.
type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) (crawler.WorkItem, error)
	Done()
	Drained() bool
	Sealed() bool
}

// Limiter gates each detail fetch.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Config controls Worker behavior.
type Config struct {
	DetailURLTemplate string
	PollInterval      time.Duration
	FetchTimeout      time.Duration
	ReadySelector     string
	Settle            time.Duration
	SectionTables     map[crawler.SectionKey]string
	SnapshotPrefix    string
	ContentType       string
}

// Worker pops identifiers and turns each into a DetailRecord.
type Worker struct {
	index     int
	queue     Queue
	limiter   Limiter
	fetch     crawler.FetcherFactory
	extractor crawler.FieldExtractor
	collector *crawler.Collector
	sink      crawler.RecordSink
	blobStore crawler.BlobStore
	hasher    crawler.Hasher
	clock     crawler.Clock
	token     *cancel.Token
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. sink, blobStore and hasher are optional; snapshots
// are written only when both blobStore and hasher are set.
func New(
	index int,
	queue Queue,
	limiter Limiter,
	fetch crawler.FetcherFactory,
	extractor crawler.FieldExtractor,
	collector *crawler.Collector,
	sink crawler.RecordSink,
	blobStore crawler.BlobStore,
	hasher crawler.Hasher,
	clock crawler.Clock,
	token *cancel.Token,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	if token == nil {
		token = cancel.New()
	}
	if cfg.DetailURLTemplate == "" {
		cfg.DetailURLTemplate = DefaultDetailURLTemplate
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SectionTables == nil {
		cfg.SectionTables = DefaultSectionTables()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &Worker{
		index:     index,
		queue:     queue,
		limiter:   limiter,
		fetch:     fetch,
		extractor: extractor,
		collector: collector,
		sink:      sink,
		blobStore: blobStore,
		hasher:    hasher,
		clock:     clock,
		token:     token,
		cfg:       cfg,
		logger:    logger.Named("worker").With(zap.Int("index", index)),
	}
}

// DetailURL builds the detail page address for id.
func (w *Worker) DetailURL(id crawler.Identifier) string {
	return strings.ReplaceAll(w.cfg.DetailURLTemplate, IDPlaceholder, url.QueryEscape(string(id)))
}

// Run blocks until the worker pops a stop sentinel, the token is set and the
// queue has drained, or ctx ends. The worker's PageFetcher is acquired here
// and released on every exit path.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	fetcher, acquireErr := w.fetch(ctx)
	if acquireErr != nil {
		// Keep consuming so the pipeline can still drain; every item becomes an error record.
		w.logger.Error("acquire fetcher failed", zap.Error(acquireErr))
		acquireErr = fmt.Errorf("acquire fetcher: %w", acquireErr)
	} else {
		defer func() {
			if err := fetcher.Close(); err != nil {
				w.logger.Warn("release fetcher failed", zap.Error(err))
			}
		}()
	}

	for {
		item, err := w.queue.Pop(ctx, w.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				w.logger.Debug("worker exiting", zap.Error(err))
				return
			}
			if errors.Is(err, memory.ErrEmpty) {
				// The producer may still push its current page after a stop.
				if w.token.Stopped() && w.queue.Sealed() && w.queue.Drained() {
					w.logger.Debug("stop requested and queue drained")
					return
				}
				continue
			}
			w.logger.Error("queue pop failed", zap.Error(err))
			continue
		}
		if item.IsStop() {
			w.logger.Debug("received stop sentinel")
			return
		}
		w.handle(ctx, fetcher, acquireErr, item.ID)
		w.queue.Done()
	}
}

func (w *Worker) handle(
	ctx context.Context,
	fetcher crawler.PageFetcher,
	acquireErr error,
	id crawler.Identifier,
) {
	pageURL := w.DetailURL(id)
	ctx, span := tracer.Start(ctx, "worker.fetch_detail", trace.WithAttributes(
		attribute.String("identifier", string(id)),
		attribute.Int("worker", w.index),
	))
	defer span.End()

	var record crawler.DetailRecord
	if acquireErr != nil {
		record = crawler.ErrorRecord(id, pageURL, acquireErr, w.clock.Now())
	} else {
		record = w.fetchRecord(ctx, fetcher, id, pageURL)
	}

	w.collector.Append(record)
	metrics.ObserveRecord(record.Failed())
	if record.Failed() {
		span.SetStatus(codes.Error, record.Error)
		w.logger.Warn("detail fetch failed",
			zap.String("identifier", string(id)),
			zap.String("url", pageURL),
			zap.String("error", record.Error),
		)
	} else {
		w.logger.Debug("detail fetched",
			zap.String("identifier", string(id)),
			zap.String("name", record.Name),
		)
	}

	if w.sink == nil {
		return
	}
	if err := w.sink.Submit(ctx, record); err != nil {
		w.logger.Warn("record sink failed", zap.String("identifier", string(id)), zap.Error(err))
	}
}

func (w *Worker) fetchRecord(
	ctx context.Context,
	fetcher crawler.PageFetcher,
	id crawler.Identifier,
	pageURL string,
) crawler.DetailRecord {
	if err := w.limiter.Acquire(ctx); err != nil {
		return crawler.ErrorRecord(id, pageURL, err, w.clock.Now())
	}

	markup, err := w.render(ctx, fetcher, pageURL)
	if err != nil {
		return crawler.ErrorRecord(id, pageURL, err, w.clock.Now())
	}

	fields, err := w.extractor.ExtractFields(markup)
	if err != nil {
		return crawler.ErrorRecord(id, pageURL, fmt.Errorf("extract fields: %w", err), w.clock.Now())
	}

	record := crawler.DetailRecord{
		Identifier: id,
		URL:        pageURL,
		Name:       w.extractor.ExtractName(markup),
		FetchedAt:  w.clock.Now(),
		Sections:   make(map[crawler.SectionKey][]map[string]string, len(w.cfg.SectionTables)),
	}
	record.ApplyFields(fields)
	for _, key := range crawler.Sections {
		tableID, ok := w.cfg.SectionTables[key]
		if !ok {
			continue
		}
		record.Sections[key] = w.extractor.ExtractSections(markup, tableID)
	}
	w.snapshot(ctx, &record, markup)
	return record
}

func (w *Worker) render(ctx context.Context, fetcher crawler.PageFetcher, pageURL string) (string, error) {
	renderCtx := ctx
	if w.cfg.FetchTimeout > 0 {
		var release context.CancelFunc
		renderCtx, release = context.WithTimeout(ctx, w.cfg.FetchTimeout)
		defer release()
	}
	start := time.Now()
	markup, err := fetcher.Render(renderCtx, crawler.Navigate(pageURL, w.cfg.ReadySelector, w.cfg.Settle))
	metrics.ObserveFetch("detail", time.Since(start))
	if err != nil {
		return "", fmt.Errorf("render detail page: %w", err)
	}
	return markup, nil
}

// snapshot hashes the raw markup and, when a blob store is configured, stores
// it under the hash. Failures only cost the record its snapshot fields.
func (w *Worker) snapshot(ctx context.Context, record *crawler.DetailRecord, markup string) {
	if w.hasher == nil {
		return
	}
	hash, err := w.hasher.Hash([]byte(markup))
	if err != nil {
		w.logger.Warn("hash markup failed", zap.String("identifier", string(record.Identifier)), zap.Error(err))
		return
	}
	record.ContentHash = hash
	if w.blobStore == nil {
		return
	}
	uri, err := w.blobStore.PutObject(ctx, w.snapshotPath(hash), w.cfg.ContentType, strings.NewReader(markup))
	if err != nil {
		w.logger.Warn("store snapshot failed", zap.String("identifier", string(record.Identifier)), zap.Error(err))
		return
	}
	record.SnapshotURI = uri
}

func (w *Worker) snapshotPath(hash string) string {
	prefix := strings.Trim(w.cfg.SnapshotPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s.html", hash)
	}
	return fmt.Sprintf("%s/%s.html", prefix, hash)
}
