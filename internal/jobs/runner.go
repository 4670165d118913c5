package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/public-register-crawler/internal/cancel"
	"github.com/JakeFAU/public-register-crawler/internal/clock/system"
	"github.com/JakeFAU/public-register-crawler/internal/crawler"
	"github.com/JakeFAU/public-register-crawler/internal/metrics"
	"github.com/JakeFAU/public-register-crawler/internal/pipeline"
)

// Runner errors.
var (
	ErrBusy       = errors.New("a crawl is already running")
	ErrNotRunning = errors.New("job is not running")
	ErrClosed     = errors.New("runner is closed")
)

// Crawl is one assembled pipeline run.
type Crawl interface {
	Run(ctx context.Context) (pipeline.Result, error)
}

// Factory assembles a crawl for overrides. The crawl must observe token.
type Factory func(overrides Overrides, token *cancel.Token) (Crawl, error)

type activeJob struct {
	id     string
	token  *cancel.Token
	cancel context.CancelFunc
}

// Runner executes at most one crawl at a time.
type Runner struct {
	store   Store
	factory Factory
	ids     crawler.IDGenerator
	clock   crawler.Clock
	logger  *zap.Logger

	base       context.Context
	cancelBase context.CancelFunc

	mu     sync.Mutex
	active *activeJob
	closed bool
	wg     sync.WaitGroup
}

// NewRunner constructs a Runner. clock and logger may be nil.
func NewRunner(store Store, factory Factory, ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger) *Runner {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancelBase := context.WithCancel(context.Background())
	return &Runner{
		store:      store,
		factory:    factory,
		ids:        ids,
		clock:      clock,
		logger:     logger.Named("jobs"),
		base:       base,
		cancelBase: cancelBase,
	}
}

// Start records a queued job and runs it in the background. It returns
// ErrBusy while another job is active.
func (r *Runner) Start(ctx context.Context, overrides Overrides) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrClosed
	}
	if r.active != nil {
		return "", ErrBusy
	}

	id, err := r.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := Job{
		ID:        id,
		Status:    StatusQueued,
		Overrides: overrides,
		Submitted: r.clock.Now(),
	}
	if err := r.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	token := cancel.New()
	crawl, err := r.factory(overrides, token)
	if err != nil {
		r.finish(ctx, id, StatusFailed, err.Error())
		return "", fmt.Errorf("build crawl: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(r.base)
	r.active = &activeJob{id: id, token: token, cancel: cancelRun}
	r.wg.Add(1)
	go r.run(runCtx, id, crawl)

	r.logger.Info("job started", zap.String("job_id", id), zap.String("filter_value", overrides.FilterValue))
	return id, nil
}

func (r *Runner) run(ctx context.Context, id string, crawl Crawl) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if r.active != nil && r.active.id == id {
			r.active.cancel()
			r.active = nil
		}
		r.mu.Unlock()
	}()

	// Store writes outlive an aborted run.
	storeCtx := context.WithoutCancel(ctx)
	started := r.clock.Now()
	if err := r.store.Update(storeCtx, id, func(j *Job) {
		j.Status = StatusRunning
		j.Started = &started
	}); err != nil {
		r.logger.Warn("mark job running failed", zap.String("job_id", id), zap.Error(err))
	}

	result, err := crawl.Run(ctx)
	status, errText := classify(ctx, result, err)

	if saveErr := r.store.SaveResult(storeCtx, id, result.Records, result.Skipped); saveErr != nil {
		r.logger.Warn("save job result failed", zap.String("job_id", id), zap.Error(saveErr))
	}
	counters := Counters{
		Records:  len(result.Records),
		Errors:   result.Failed(),
		Skipped:  len(result.Skipped),
		Pages:    result.Pages,
		Enqueued: result.Enqueued,
	}
	finished := r.clock.Now()
	if updErr := r.store.Update(storeCtx, id, func(j *Job) {
		j.Status = status
		j.Error = errText
		j.Counters = counters
		j.Finished = &finished
		j.ArtifactURI = result.ArtifactURI
	}); updErr != nil {
		r.logger.Warn("mark job finished failed", zap.String("job_id", id), zap.Error(updErr))
	}
	metrics.ObserveJob(string(status))

	r.logger.Info("job finished",
		zap.String("job_id", id),
		zap.String("status", string(status)),
		zap.Int("records", counters.Records),
		zap.Int("errors", counters.Errors),
		zap.Int("skipped", counters.Skipped),
	)
}

// classify maps a pipeline outcome to a terminal status. An aborted context
// or a honoured stop request both end as canceled.
func classify(ctx context.Context, result pipeline.Result, err error) (Status, string) {
	switch {
	case err != nil && ctx.Err() != nil:
		return StatusCanceled, err.Error()
	case err != nil:
		return StatusFailed, err.Error()
	case result.Stopped:
		return StatusCanceled, "stop requested"
	default:
		return StatusSucceeded, ""
	}
}

func (r *Runner) finish(ctx context.Context, id string, status Status, errText string) {
	now := r.clock.Now()
	if err := r.store.Update(ctx, id, func(j *Job) {
		j.Status = status
		j.Error = errText
		j.Finished = &now
	}); err != nil {
		r.logger.Warn("update job failed", zap.String("job_id", id), zap.Error(err))
	}
	metrics.ObserveJob(string(status))
}

// Stop requests a cooperative stop of the running job. Queued identifiers are
// still fetched before the job finishes.
func (r *Runner) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()

	if active == nil || active.id != id {
		if _, err := r.store.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotRunning
	}
	active.token.RequestStop()
	if err := r.store.Update(ctx, id, func(j *Job) { j.Stopped = true }); err != nil {
		return fmt.Errorf("mark stop requested: %w", err)
	}
	r.logger.Info("job stop requested", zap.String("job_id", id))
	return nil
}

// Active returns the id of the running job, if any.
func (r *Runner) Active() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", false
	}
	return r.active.id, true
}

// Get returns the stored job.
func (r *Runner) Get(ctx context.Context, id string) (Job, error) {
	job, err := r.store.Get(ctx, id)
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// Result returns the stored job and its records.
func (r *Runner) Result(ctx context.Context, id string) (Result, error) {
	res, err := r.store.Result(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("get result %s: %w", id, err)
	}
	return res, nil
}

// Close refuses new jobs, hard-aborts the running one and waits for it to
// finish or for ctx to end.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancelBase()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running job: %w", ctx.Err())
	}
}
