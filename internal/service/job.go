package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/coder/quartz"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
	domainjob "github.com/mrlancelot/fantastic-spork-sub001/internal/domain/job"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/retry"
	apperrors "github.com/mrlancelot/fantastic-spork-sub001/internal/errors"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/metrics"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/notify"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/statsd"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/service/failurenotifier"
)

// Error classes stored on failed jobs.
const (
	ErrorClassRetryable = string(retry.Retryable)
	ErrorClassTerminal  = string(retry.Terminal)
	ErrorClassTimeout   = "timeout"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo            core.JobRepository       // Required: job repository
	RetryPolicy     *domainjob.RetryPolicy   // Optional: defaults to model.DefaultMaxRetries
	Classifier      retry.Classifier         // Optional: classifies failure causes
	Events          core.JobEventPublisher   // Optional: lifecycle event publication
	FailureNotifier *failurenotifier.Service // Optional: failure notification fan-out
	Clock           quartz.Clock             // Optional: defaults to the real clock
	Logger          *slog.Logger             // Optional: structured logger
	Metrics         statsd.Sink              // Optional: lifecycle metrics
}

// JobService owns the job state machine. Every mutation is a guarded read-modify-write
// through JobRepository.Patch, so transition checks and result merges see the stored job.
type JobService struct {
	repo            core.JobRepository
	retryPolicy     *domainjob.RetryPolicy
	classifier      retry.Classifier
	events          core.JobEventPublisher
	failureNotifier *failurenotifier.Service
	clock           quartz.Clock
	logger          *slog.Logger
	metrics         statsd.Sink
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	policy := opts.RetryPolicy
	if policy == nil {
		var err error
		policy, err = domainjob.NewRetryPolicy(model.DefaultMaxRetries)
		if err != nil {
			return nil, fmt.Errorf("create retry policy: %w", err)
		}
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = retry.DefaultClassifier()
	}
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "job_service")
	logger.Debug("JobService initialized", "default_max_retries", policy.Default())

	return &JobService{
		repo:            opts.Repo,
		retryPolicy:     policy,
		classifier:      classifier,
		events:          opts.Events,
		failureNotifier: opts.FailureNotifier,
		clock:           clock,
		logger:          logger,
		metrics:         opts.Metrics,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Create stores a new pending job with retry_count 0 and a resolved retry budget.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, apperrors.Validation("create job request is required")
	}

	resolved := *req
	budget, source := s.retryPolicy.Budget(req.MaxRetries)
	resolved.MaxRetries = &budget

	job, err := s.repo.Create(ctx, &resolved)
	if err != nil {
		s.emit(string(req.Type), metrics.TransitionCreate, 0, err)
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.logger.DebugContext(ctx, "job created",
		"id", job.ID,
		"type", job.Type,
		"priority", job.Priority,
		"max_retries", job.MaxRetries,
		"retry_source", source,
	)
	s.emit(string(job.Type), metrics.TransitionCreate, 0, nil)
	s.publish(ctx, model.JobEventCreated, job)
	return job, nil
}

// Start moves a pending job to processing and records started_at.
func (s *JobService) Start(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.Patch(ctx, id, model.JobPatch{
		Mutate: func(j *model.Job, now time.Time) error {
			if err := domainjob.CheckTransition(j, model.JobStatusProcessing); err != nil {
				return err
			}
			j.Status = model.JobStatusProcessing
			j.StartedAt = &now
			j.CompletedAt = nil
			return nil
		},
	})
	if err != nil {
		s.emit("", metrics.TransitionStart, 0, err)
		return nil, fmt.Errorf("start job %s: %w", id, err)
	}

	s.logger.DebugContext(ctx, "job started", "id", id, "type", job.Type)
	s.emit(string(job.Type), metrics.TransitionStart, 0, nil)
	s.publish(ctx, model.JobEventStarted, job)
	return job, nil
}

// ClaimNext atomically takes the next pending job of the given types and starts it.
// It returns model.ErrNoJobsAvailable when nothing is pending.
func (s *JobService) ClaimNext(ctx context.Context, types []model.JobType) (*model.Job, error) {
	job, err := s.repo.ClaimNext(ctx, types)
	if errors.Is(err, model.ErrNoJobsAvailable) {
		return nil, err
	}
	if err != nil {
		s.emit("", metrics.TransitionClaim, 0, err)
		return nil, fmt.Errorf("claim next job: %w", err)
	}

	s.logger.DebugContext(ctx, "job claimed", "id", job.ID, "type", job.Type)
	s.emit(string(job.Type), metrics.TransitionClaim, 0, nil)
	s.publish(ctx, model.JobEventStarted, job)
	return job, nil
}

// UpdateProgress merges partial results into the stored result and updates the progress
// percentage (clamped to 0..100). The status is unchanged. Finished jobs reject updates.
func (s *JobService) UpdateProgress(ctx context.Context, id string, update model.ProgressUpdate) (*model.Job, error) {
	job, err := s.repo.Patch(ctx, id, model.JobPatch{
		Mutate: func(j *model.Job, _ time.Time) error {
			if err := domainjob.CheckProgress(j); err != nil {
				return err
			}
			merged, err := domainjob.MergeResult(j.Result, update.Data)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeValidation, "progress data")
			}
			j.Result = merged
			if update.Percent != nil {
				j.Progress = clampPercent(*update.Percent)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("update progress of job %s: %w", id, err)
	}

	s.logger.DebugContext(ctx, "job progress updated", "id", id, "progress", job.Progress)
	s.emit(string(job.Type), metrics.TransitionProgress, 0, nil)
	s.publish(ctx, model.JobEventProgress, job)
	return job, nil
}

// Complete merges result into the stored result and marks the job completed with
// progress 100. Completing an already completed job merges again.
func (s *JobService) Complete(ctx context.Context, id string, result json.RawMessage) (*model.Job, error) {
	job, err := s.repo.Patch(ctx, id, model.JobPatch{
		Mutate: func(j *model.Job, now time.Time) error {
			if err := domainjob.CheckTransition(j, model.JobStatusCompleted); err != nil {
				return err
			}
			merged, err := domainjob.MergeResult(j.Result, result)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeValidation, "job result")
			}
			j.Result = merged
			j.Progress = 100
			if j.Status != model.JobStatusCompleted || j.CompletedAt == nil {
				j.CompletedAt = &now
			}
			j.Status = model.JobStatusCompleted
			return nil
		},
	})
	if err != nil {
		s.emit("", metrics.TransitionComplete, 0, err)
		return nil, fmt.Errorf("complete job %s: %w", id, err)
	}

	s.logger.DebugContext(ctx, "job completed", "id", id, "type", job.Type)
	s.emit(string(job.Type), metrics.TransitionComplete, runDuration(job), nil)
	s.publish(ctx, model.JobEventCompleted, job)
	return job, nil
}

// Fail records cause on the job and marks it failed. The stored error class is the
// classifier's verdict, or "timeout" for deadline expiry.
func (s *JobService) Fail(ctx context.Context, id string, cause error) (*model.Job, error) {
	if cause == nil {
		return nil, apperrors.Validation("failure cause is required")
	}

	msg := cause.Error()
	class := s.errorClass(cause)
	job, err := s.repo.Patch(ctx, id, model.JobPatch{
		Mutate: func(j *model.Job, now time.Time) error {
			if err := domainjob.CheckTransition(j, model.JobStatusFailed); err != nil {
				return err
			}
			j.Status = model.JobStatusFailed
			j.Error = &msg
			j.ErrorClass = &class
			j.CompletedAt = &now
			return nil
		},
	})
	if err != nil {
		s.emit("", metrics.TransitionFail, 0, err)
		return nil, fmt.Errorf("fail job %s: %w", id, err)
	}

	s.logger.InfoContext(ctx, "job failed",
		"id", id,
		"type", job.Type,
		"error", msg,
		"error_class", class,
		"retry_count", job.RetryCount,
		"max_retries", job.MaxRetries,
	)
	s.emitResult(string(job.Type), metrics.TransitionFail, metrics.ResultError, runDuration(job), cause)
	s.publish(ctx, model.JobEventFailed, job)

	if s.isFinalFailure(job) {
		s.notifyFailure(ctx, job)
	}
	return job, nil
}

// Retry moves a failed job back to pending and increments retry_count while
// retry_count < max_retries. Once the budget is spent the job is forced to failed
// with the terminal error "max retries exceeded", whatever status it was in, and
// *domainjob.MaxRetriesExceededError is returned. Completed jobs never retry.
func (s *JobService) Retry(ctx context.Context, id string) (*model.Job, error) {
	var (
		rejected error
		forced   bool
	)
	job, err := s.repo.Patch(ctx, id, model.JobPatch{
		Mutate: func(j *model.Job, now time.Time) error {
			rejected, forced = nil, false
			if j.Status == model.JobStatusCompleted {
				return &domainjob.TransitionError{JobID: j.ID, From: j.Status, To: model.JobStatusPending}
			}

			decision := s.retryPolicy.Decide(j)
			if !decision.Allowed {
				rejected = decision.Err(j)
				forced = j.Status != model.JobStatusFailed
				msg := domainjob.MaxRetriesExceededMessage
				class := ErrorClassTerminal
				j.Status = model.JobStatusFailed
				j.Error = &msg
				j.ErrorClass = &class
				if j.CompletedAt == nil {
					j.CompletedAt = &now
				}
				return nil
			}

			if err := domainjob.CheckTransition(j, model.JobStatusPending); err != nil {
				return err
			}
			j.Status = model.JobStatusPending
			j.RetryCount = decision.NextCount
			j.Progress = 0
			j.Error = nil
			j.ErrorClass = nil
			j.StartedAt = nil
			j.CompletedAt = nil
			return nil
		},
	})
	if err != nil {
		s.emit("", metrics.TransitionRetry, 0, err)
		return nil, fmt.Errorf("retry job %s: %w", id, err)
	}

	if rejected != nil {
		s.logger.InfoContext(ctx, "job retry rejected",
			"id", id,
			"retry_count", job.RetryCount,
			"max_retries", job.MaxRetries,
			"forced_fail", forced,
		)
		s.emitResult(string(job.Type), metrics.TransitionRetry, metrics.ResultNoop, 0, nil)
		if forced {
			s.emitResult(string(job.Type), metrics.TransitionFail, metrics.ResultError, runDuration(job), rejected)
			s.publish(ctx, model.JobEventFailed, job)
			s.notifyFailure(ctx, job)
		}
		return nil, rejected
	}

	s.logger.InfoContext(ctx, "job retried", "id", id, "retry_count", job.RetryCount, "max_retries", job.MaxRetries)
	s.emit(string(job.Type), metrics.TransitionRetry, 0, nil)
	s.publish(ctx, model.JobEventRetried, job)
	return job, nil
}

// GetStatus returns the current job record. Missing jobs yield a NotFound AppError.
func (s *JobService) GetStatus(ctx context.Context, id string) (*model.Job, error) {
	if id == "" {
		return nil, apperrors.ValidationField("id", "job id is required")
	}
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// List returns jobs with optional filtering. Pagination is clamped to sane bounds.
func (s *JobService) List(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}
	p := normalizePagination(opts.Limit, opts.Offset)
	clamped := *opts
	clamped.Limit = p.Limit
	clamped.Offset = p.Offset

	jobs, err := s.repo.List(ctx, &clamped)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Stats returns job counts per status, optionally restricted to one type.
func (s *JobService) Stats(ctx context.Context, jobType *model.JobType) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx, jobType)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}

// Delete removes a job that is not processing.
func (s *JobService) Delete(ctx context.Context, id string) error {
	if id == "" {
		return apperrors.ValidationField("id", "job id is required")
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		s.logger.DebugContext(ctx, "failed to delete job", "id", id, "error", err)
		return fmt.Errorf("delete job %s: %w", id, err)
	}

	s.logger.InfoContext(ctx, "job deleted successfully", "id", id)
	return nil
}

// IsRetryable reports whether a failed job may be retried automatically: its stored
// error class is retryable (or timeout) and budget remains.
func IsRetryable(j *model.Job) bool {
	if j == nil || j.Status != model.JobStatusFailed || !j.RetriesLeft() {
		return false
	}
	return j.ErrorClass == nil || *j.ErrorClass != ErrorClassTerminal
}

func (s *JobService) errorClass(cause error) string {
	if errors.Is(cause, context.DeadlineExceeded) || apperrors.IsTimeout(cause) {
		return ErrorClassTimeout
	}
	return string(s.classifier.Classify(cause))
}

// isFinalFailure reports whether no automatic retry will follow this failure.
func (s *JobService) isFinalFailure(j *model.Job) bool {
	return !IsRetryable(j)
}

func (s *JobService) notifyFailure(ctx context.Context, j *model.Job) {
	if !s.failureNotifier.Enabled() {
		return
	}
	payload := notify.JobFailurePayload{
		JobID:      j.ID,
		JobType:    string(j.Type),
		RetryCount: j.RetryCount,
		MaxRetries: j.MaxRetries,
		Severity:   notify.SeverityCritical,
		OccurredAt: s.clock.Now().UTC(),
		Metadata: map[string]string{
			"priority": strconv.Itoa(j.Priority),
			"progress": strconv.Itoa(j.Progress),
		},
	}
	if j.Error != nil {
		payload.Error = *j.Error
	}
	if j.ErrorClass != nil {
		payload.ErrorClass = *j.ErrorClass
		if payload.ErrorClass == ErrorClassTimeout {
			payload.Severity = notify.SeverityWarning
		}
	}
	s.failureNotifier.NotifyJobFailure(ctx, payload)
}

func (s *JobService) publish(ctx context.Context, t model.JobEventType, j *model.Job) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishJobEvent(ctx, model.NewJobEvent(t, j, j.UpdatedAt)); err != nil {
		s.logger.WarnContext(ctx, "failed to publish job event", "id", j.ID, "event", t, "error", err)
	}
}

func (s *JobService) emit(jobType, transition string, d time.Duration, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	s.emitResult(jobType, transition, result, d, err)
}

func (s *JobService) emitResult(jobType, transition, result string, d time.Duration, err error) {
	if jobType == "" {
		jobType = "unknown"
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		JobType:    jobType,
		Transition: transition,
		Result:     result,
		Duration:   d,
		Err:        err,
	})
}

func runDuration(j *model.Job) time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}

// paginationParams holds normalized pagination parameters.
type paginationParams struct {
	Limit  int
	Offset int
}

// normalizePagination clamps pagination parameters to safe defaults.
// Default limit: 50, max limit: 1000, min offset: 0.
func normalizePagination(limit, offset int) paginationParams {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return paginationParams{Limit: limit, Offset: offset}
}
