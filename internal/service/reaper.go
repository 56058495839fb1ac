package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/coder/quartz"

	"github.com/mrlancelot/fantastic-spork-sub001/config"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
	obserrors "github.com/mrlancelot/fantastic-spork-sub001/internal/observability/errors"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/metrics"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/statsd"
)

// reapJobType tags lifecycle metrics for jobs reaped across every type.
const reapJobType = "any"

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo    core.ReaperRepository // Required: reaper repository
	Config  config.ReaperConfig   // Required: reaper configuration
	Clock   quartz.Clock          // Optional: defaults to the real clock
	Logger  *slog.Logger          // Optional: structured logger
	Metrics statsd.Sink           // Optional: metrics sink (StatsD-compatible)
}

// ReaperService provides job cleanup operations.
//
// This service manages:
// - Failing pending jobs that were never claimed.
// - Failing processing jobs whose worker vanished.
// - Deleting old completed and failed jobs.
type ReaperService struct {
	repo    core.ReaperRepository
	config  config.ReaperConfig
	clock   quartz.Clock
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}
	if opts.Config.Interval <= 0 {
		return nil, errors.New("reaper interval must be positive")
	}
	if opts.Config.BatchSize <= 0 {
		return nil, errors.New("reaper batch size must be positive")
	}

	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reaper_service")
	logger.Debug("ReaperService initialized",
		"interval", opts.Config.Interval,
		"pending_max_age", opts.Config.PendingMaxAge,
		"processing_max_age", opts.Config.ProcessingMaxAge,
		"completed_max_age", opts.Config.CompletedMaxAge,
		"failed_max_age", opts.Config.FailedMaxAge,
	)

	return &ReaperService{
		repo:    opts.Repo,
		config:  opts.Config,
		clock:   clock,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)

	// Spread instances that start together.
	s.waitWithJitter(ctx)

	if _, err := s.RunOnce(ctx); err != nil {
		s.logCleanupError(ctx, err, "initial cleanup")
	}

	ticker := s.clock.NewTicker(s.config.Interval, "reaper", "cleanup")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logCleanupError(ctx, err, "cleanup")
			}
		}
	}
}

// waitWithJitter sleeps for a random delay of up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}
	jitter := time.Duration(1 + rand.Int64N(maxJitter)) // #nosec G404 - scheduling jitter, not security sensitive

	timer := s.clock.NewTimer(jitter, "reaper", "jitter")
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// CleanupReport counts the rows touched by one cleanup pass.
type CleanupReport struct {
	PendingFailed    int64
	ProcessingFailed int64
	CompletedDeleted int64
	FailedDeleted    int64
	Elapsed          time.Duration
}

// Total returns the number of jobs touched.
func (r CleanupReport) Total() int64 {
	return r.PendingFailed + r.ProcessingFailed + r.CompletedDeleted + r.FailedDeleted
}

type cleanupStep struct {
	operation string
	label     string
	reaps     bool
	fn        func(context.Context) (int64, error)
	count     *int64
}

// RunOnce performs one cleanup pass. Every step runs even when an earlier one fails;
// the returned error joins the step failures.
func (s *ReaperService) RunOnce(ctx context.Context) (CleanupReport, error) {
	start := s.clock.Now()
	var report CleanupReport

	steps := []cleanupStep{
		{
			operation: "fail_pending",
			label:     "fail stale pending jobs",
			reaps:     true,
			fn:        s.failStale(model.JobStatusPending, s.config.PendingMaxAge),
			count:     &report.PendingFailed,
		},
		{
			operation: "fail_processing",
			label:     "fail stale processing jobs",
			reaps:     true,
			fn:        s.failStale(model.JobStatusProcessing, s.config.ProcessingMaxAge),
			count:     &report.ProcessingFailed,
		},
		{
			operation: "delete_completed",
			label:     "delete old completed jobs",
			fn:        s.deleteOld(model.JobStatusCompleted, s.config.CompletedMaxAge),
			count:     &report.CompletedDeleted,
		},
		{
			operation: "delete_failed",
			label:     "delete old failed jobs",
			fn:        s.deleteOld(model.JobStatusFailed, s.config.FailedMaxAge),
			count:     &report.FailedDeleted,
		},
	}

	var (
		errs        []error
		allCanceled = true
		firstErr    error
	)
	for _, step := range steps {
		count, err := step.fn(ctx)
		*step.count = count
		s.emitOperationMetric(step, count, err)
		if err == nil {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", step.label, err))
		allCanceled = allCanceled && isContextCancellation(err)
		if firstErr == nil && !isContextCancellation(err) {
			firstErr = err
		}
	}

	report.Elapsed = s.clock.Since(start)
	s.emitCleanupMetrics(report, firstErr)

	if len(errs) == 0 {
		return report, nil
	}
	joined := errors.Join(errs...)
	if allCanceled {
		return report, fmt.Errorf("cleanup interrupted: %w", joined)
	}
	return report, fmt.Errorf("cleanup failed: %w", joined)
}

// failStale returns a step that fails jobs stuck in status for longer than maxAge,
// looping over batches until none remain.
func (s *ReaperService) failStale(status model.JobStatus, maxAge time.Duration) func(context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		total, err := s.drain(ctx, func(ctx context.Context) (int64, error) {
			return s.repo.FailStaleJobs(ctx, core.FailStaleJobsParams{
				Status:    status,
				MaxAge:    maxAge,
				BatchSize: s.config.BatchSize,
				Reason:    fmt.Sprintf("job exceeded %s in %s status", maxAge, status),
			})
		})
		if total > 0 {
			s.logger.InfoContext(ctx, "failed stale jobs", "status", status, "count", total, "max_age", maxAge)
		}
		return total, err
	}
}

// deleteOld returns a step that deletes jobs in status older than maxAge.
func (s *ReaperService) deleteOld(status model.JobStatus, maxAge time.Duration) func(context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		total, err := s.drain(ctx, func(ctx context.Context) (int64, error) {
			return s.repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
				Status:    status,
				MaxAge:    maxAge,
				BatchSize: s.config.BatchSize,
			})
		})
		if total > 0 {
			s.logger.InfoContext(ctx, "deleted old jobs", "status", status, "count", total, "max_age", maxAge)
		}
		return total, err
	}
}

// drain repeats batch until it affects no rows. A batch smaller than the batch size
// also ends the loop since nothing older remains.
func (s *ReaperService) drain(ctx context.Context, batch func(context.Context) (int64, error)) (int64, error) {
	var total int64
	for {
		count, err := batch(ctx)
		if err != nil {
			return total, err
		}
		total += count
		if count < int64(s.config.BatchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func (s *ReaperService) emitCleanupMetrics(r CleanupReport, firstErr error) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if firstErr != nil {
		result = metrics.ResultError
	} else if r.Total() == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{"result": result}
	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup", 1, tags)
	if r.Elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", r.Elapsed, metrics.CloneTags(tags))
	}
	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(s.clock.Now().Unix()), nil)
	}
}

func (s *ReaperService) emitOperationMetric(step cleanupStep, count int64, err error) {
	if s.metrics == nil {
		return
	}
	err = suppressContextCancellation(err)

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": step.operation,
		"result":    result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup_operation", 1, tags)
	if err == nil && count > 0 {
		s.metrics.Count("reaper.jobs_processed", count, metrics.CloneTags(tags))
	}
	if step.reaps && (err != nil || count > 0) {
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
			JobType:    reapJobType,
			Transition: metrics.TransitionReap,
			Result:     result,
			Err:        err,
		})
	}
}

func (s *ReaperService) logCleanupError(ctx context.Context, err error, label string) {
	if err == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.DebugContext(ctx, label+" cancelled by context", "error", err)
		return
	}
	s.logger.ErrorContext(ctx, label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
