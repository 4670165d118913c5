// Package server is the composition root: it turns a Config into the crawl
// pipeline, its sinks and the HTTP job API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/public-register-crawler/internal/api"
	"github.com/JakeFAU/public-register-crawler/internal/cancel"
	"github.com/JakeFAU/public-register-crawler/internal/clock/system"
	"github.com/JakeFAU/public-register-crawler/internal/config"
	"github.com/JakeFAU/public-register-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/public-register-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/public-register-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/public-register-crawler/internal/hash/sha256"
	"github.com/JakeFAU/public-register-crawler/internal/id/uuid"
	"github.com/JakeFAU/public-register-crawler/internal/jobs"
	"github.com/JakeFAU/public-register-crawler/internal/logging"
	"github.com/JakeFAU/public-register-crawler/internal/metrics"
	"github.com/JakeFAU/public-register-crawler/internal/pipeline"
	gcppublisher "github.com/JakeFAU/public-register-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/public-register-crawler/internal/sink"
	gcsstorage "github.com/JakeFAU/public-register-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/public-register-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/public-register-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/public-register-crawler/internal/storage/postgres"
	"github.com/JakeFAU/public-register-crawler/internal/telemetry"
)

// App holds the long-lived dependencies shared by every crawl.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	deps   pipeline.Deps

	blobs          crawler.BlobStore
	storageClient  *storage.Client
	pubsubClient   *pubsub.Client
	publisher      *gcppublisher.Publisher
	recordStore    *pgstore.RecordStore
	tracerShutdown telemetry.Shutdown
}

// Build creates the application's dependencies. On error everything opened
// so far is closed again.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	metrics.Init()

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = shutdown
		logger.Info("tracing enabled", zap.String("service", cfg.Tracing.ServiceName))
	}

	if err := app.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := app.setupFetchers(); err != nil {
		return nil, err
	}
	records, err := app.setupSinks(ctx)
	if err != nil {
		return nil, err
	}

	app.deps.Sink = records
	app.deps.Hasher = sha256.New()
	app.deps.Clock = system.New()
	if cfg.Storage.Snapshots {
		app.deps.Snapshots = app.blobs
	}
	if cfg.Output.Enabled {
		writer, werr := sink.NewArtifactWriter(app.blobs, sink.ArtifactConfig{
			Path:   cfg.Output.Path,
			Format: cfg.Output.Format,
		})
		if werr != nil {
			return nil, fmt.Errorf("artifact writer init failed: %w", werr)
		}
		app.deps.Artifact = writer
	}

	logger.Info("application built",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("detail_fetcher", cfg.Crawler.DetailFetcher),
		zap.Int("workers", cfg.Crawler.Workers),
		zap.Bool("snapshots", cfg.Storage.Snapshots),
		zap.Bool("artifact", cfg.Output.Enabled),
	)
	built = true
	return app, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storageClient = client
		blobs, err := gcsstorage.New(client, a.cfg.Storage.GCS)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
	case config.BackendLocal:
		blobs, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using local storage backend", zap.String("path", blobs.BaseDir()))
	default:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory storage backend")
	}
	return nil
}

func (a *App) setupFetchers() error {
	launcher, err := headless.NewLauncher(a.cfg.HeadlessConfig())
	if err != nil {
		return fmt.Errorf("headless launcher init failed: %w", err)
	}
	a.deps.SearchFetcher = launcher.Open

	switch a.cfg.Crawler.DetailFetcher {
	case config.DetailFetcherColly:
		a.deps.DetailFetcher = collyfetcher.New(a.cfg.CollyConfig()).Open
		a.logger.Info("using colly detail fetcher", zap.String("user_agent", a.cfg.HTTP.UserAgent))
	case config.DetailFetcherNoop:
		a.deps.DetailFetcher = headless.OpenNoop
		a.logger.Warn("detail fetcher disabled, records will carry errors only")
	default:
		a.deps.DetailFetcher = launcher.Open
		a.logger.Info("using headless detail fetcher", zap.Int("max_browsers", a.cfg.Headless.MaxBrowsers))
	}
	return nil
}

func (a *App) setupSinks(ctx context.Context) (crawler.RecordSink, error) {
	var sinks []crawler.RecordSink

	if a.cfg.Postgres.DSN != "" {
		store, err := pgstore.NewRecordStore(ctx, a.cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("record store init failed: %w", err)
		}
		a.recordStore = store
		sinks = append(sinks, store)
		a.logger.Info("record store initialized", zap.String("table", a.cfg.Postgres.Table))
	} else {
		a.logger.Warn("no postgres DSN configured, records are not persisted to a database")
	}

	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.Topic != "" {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		pub, err := gcppublisher.New(client, a.cfg.PubSub.Topic)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher = pub
		sinks = append(sinks, pub)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
		)
	}

	return sink.NewMulti(sinks...), nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// NewCrawl assembles one pipeline for overrides. It matches jobs.Factory.
func (a *App) NewCrawl(overrides jobs.Overrides, token *cancel.Token) (jobs.Crawl, error) {
	opts := a.cfg.PipelineOptions()
	if overrides.FilterValue != "" {
		opts.Search.FilterValue = overrides.FilterValue
	}
	p, err := pipeline.Build(opts, a.deps, token, a.logger)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return p, nil
}

// RunCrawl runs a single crawl to completion with the configured filter.
func (a *App) RunCrawl(ctx context.Context, token *cancel.Token) (pipeline.Result, error) {
	crawl, err := a.NewCrawl(jobs.Overrides{}, token)
	if err != nil {
		return pipeline.Result{}, err
	}
	return crawl.Run(ctx)
}

// Runner returns a job runner backed by an in-memory job store.
func (a *App) Runner() *jobs.Runner {
	return jobs.NewRunner(jobs.NewMemoryStore(), a.NewCrawl, uuid.New(), system.New(), a.logger)
}

// Handler builds the HTTP API around runner. Record search is served only
// when a Postgres record store is configured.
func (a *App) Handler(runner api.Jobs) http.Handler {
	opts := api.Options{RequestTimeout: a.cfg.Server.RequestTimeout}
	if a.cfg.Auth.Enabled {
		opts.APIKey = a.cfg.Auth.APIKey
	}
	if a.recordStore != nil {
		opts.Records = a.recordStore
	}
	return api.NewServer(runner, opts, a.logger).Handler()
}

// Serve runs the HTTP API until ctx is canceled, then shuts the server down
// and aborts any running job.
func (a *App) Serve(ctx context.Context) error {
	runner := a.Runner()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(runner),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-errCh:
		serveErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := runner.Close(shutdownCtx); err != nil {
		a.logger.Error("job runner shutdown error", zap.Error(err))
	}
	return serveErr
}

// Close releases every client the App opened. It is safe on a partially
// built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub client: %w", err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client: %w", err))
		}
	}
	a.recordStore.Close()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
