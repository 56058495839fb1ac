// Package jobrunner claims pending jobs and executes them with registered handlers.
package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"github.com/mrlancelot/fantastic-spork-sub001/config"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
	apperrors "github.com/mrlancelot/fantastic-spork-sub001/internal/errors"
	obserrors "github.com/mrlancelot/fantastic-spork-sub001/internal/observability/errors"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/metrics"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/statsd"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/service"
)

// HandlerFunc processes a job and returns the result to complete it with. A returned
// error fails the job; retryable failures are re-queued when auto retry is on.
type HandlerFunc func(ctx context.Context, job *model.Job) (json.RawMessage, error)

// finalizeTimeout bounds the Complete/Fail write after a handler returns, including
// during shutdown when the worker context is already canceled.
const finalizeTimeout = 10 * time.Second

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	Jobs    *service.JobService
	Config  config.JobRunnerConfig
	Clock   quartz.Clock
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// Runner pulls jobs and executes them using registered handlers.
type Runner struct {
	jobs     *service.JobService
	cfg      config.JobRunnerConfig
	clock    quartz.Clock
	logger   *slog.Logger
	metrics  statsd.Sink
	handlers map[model.JobType]HandlerFunc
}

// NewRunner constructs a Runner. Handlers are added with Register before Run.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}
	cfg := opts.Config
	cfg.Sanitize()

	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		jobs:     opts.Jobs,
		cfg:      cfg,
		clock:    clock,
		logger:   logger.With("component", "job_runner"),
		metrics:  opts.Metrics,
		handlers: make(map[model.JobType]HandlerFunc),
	}, nil
}

// Register installs h for jobs of type t, replacing any previous handler.
func (r *Runner) Register(t model.JobType, h HandlerFunc) {
	r.handlers[t] = h
}

// Types returns the job types this runner claims: the configured types that have a
// handler, or every registered type when none are configured.
func (r *Runner) Types() []model.JobType {
	if len(r.cfg.Types) == 0 {
		types := slices.Collect(maps.Keys(r.handlers))
		slices.Sort(types)
		return types
	}
	var types []model.JobType
	for _, t := range r.cfg.Types {
		if _, ok := r.handlers[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

// Run starts the worker goroutines and processes jobs until ctx is cancelled.
// It returns nil on graceful shutdown.
func (r *Runner) Run(ctx context.Context) error {
	types := r.Types()
	if len(types) == 0 {
		return errors.New("job runner has no handlers for the configured job types")
	}
	r.logger.InfoContext(ctx, "starting job runner",
		"types", types,
		"workers", r.cfg.Concurrency,
		"poll_interval", r.cfg.PollInterval,
		"job_timeout", r.cfg.JobTimeout,
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := range r.cfg.Concurrency {
		g.Go(func() error {
			return r.workerLoop(gctx, i, types)
		})
	}
	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		r.logger.InfoContext(ctx, "job runner stopped")
		return nil
	}
	return err
}

func (r *Runner) workerLoop(ctx context.Context, worker int, types []model.JobType) error {
	log := r.logger.With("worker", worker)
	for ctx.Err() == nil {
		job, err := r.jobs.ClaimNext(ctx, types)
		switch {
		case err == nil:
			r.processJob(ctx, job)
			continue
		case errors.Is(err, model.ErrNoJobsAvailable):
		case ctx.Err() != nil:
			return nil
		default:
			log.WarnContext(ctx, "claim next job", "error", err)
			r.emitClaimError(err)
		}
		if !r.waitPoll(ctx) {
			return nil
		}
	}
	return nil
}

func (r *Runner) waitPoll(ctx context.Context) bool {
	timer := r.clock.NewTimer(r.cfg.PollInterval, "jobrunner", "poll")
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// RunOne starts the pending job id and runs it to completion in the calling goroutine.
// It returns the job as stored after the run.
func (r *Runner) RunOne(ctx context.Context, id string) (*model.Job, error) {
	job, err := r.jobs.Start(ctx, id)
	if err != nil {
		return nil, err
	}
	r.processJob(ctx, job)
	return r.jobs.GetStatus(context.WithoutCancel(ctx), id)
}

func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	start := r.clock.Now()
	log := r.logger.With("job_id", job.ID, "type", job.Type, "retry_count", job.RetryCount)

	result, runErr := r.invoke(ctx, job)

	// Shutdown interrupted the handler; hand the job back as a transient failure
	// rather than the terminal cancellation the handler saw.
	if runErr != nil && ctx.Err() != nil && errors.Is(runErr, ctx.Err()) {
		runErr = apperrors.Unavailablef("interrupted by worker shutdown: %v", runErr)
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if runErr == nil {
		if _, err := r.jobs.Complete(fctx, job.ID, result); err != nil {
			log.ErrorContext(ctx, "complete job", "error", err)
			r.emitRun(job, metrics.ResultError, r.clock.Since(start), err)
			return
		}
		log.InfoContext(ctx, "job completed", "duration", r.clock.Since(start))
		r.emitRun(job, metrics.ResultSuccess, r.clock.Since(start), nil)
		return
	}

	r.emitRun(job, metrics.ResultError, r.clock.Since(start), runErr)
	failed, err := r.jobs.Fail(fctx, job.ID, runErr)
	if err != nil {
		log.ErrorContext(ctx, "fail job", "error", err, "original_error", runErr)
		return
	}
	if !r.cfg.AutoRetry || !service.IsRetryable(failed) {
		return
	}
	if _, err := r.jobs.Retry(fctx, job.ID); err != nil {
		log.WarnContext(ctx, "auto retry", "error", err)
		return
	}
	log.InfoContext(ctx, "job re-queued", "error", runErr)
}

// invoke runs the job's handler under the per-job timeout. A panicking handler fails
// the job instead of the worker.
func (r *Runner) invoke(ctx context.Context, job *model.Job) (result json.RawMessage, err error) {
	h, ok := r.handlers[job.Type]
	if !ok {
		return nil, apperrors.Validation(fmt.Sprintf("no handler for job type %s", job.Type))
	}

	jctx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "job handler panicked", "job_id", job.ID, "panic", p)
			result, err = nil, apperrors.Internalf("job handler panicked: %v", p)
		}
	}()
	return h(jctx, job)
}

func (r *Runner) emitRun(job *model.Job, result string, d time.Duration, err error) {
	if r.metrics == nil {
		return
	}
	tags := map[string]string{
		"job_type": string(job.Type),
		"result":   result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}
	r.metrics.Count("jobrunner.job", 1, tags)
	r.metrics.Timing("jobrunner.job_duration", d, metrics.CloneTags(tags))
}

func (r *Runner) emitClaimError(err error) {
	if r.metrics == nil {
		return
	}
	tags := map[string]string{"result": metrics.ResultError}
	if class := obserrors.Classify(err); class != "" {
		tags["error_class"] = class
	}
	r.metrics.Count("jobrunner.claim", 1, tags)
}
