package data

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
)

// MemoryJobRepo is an in-process job store for single-node deployments and tests.
// Jobs are copied on the way in and out so callers never share buffers with the store.
type MemoryJobRepo struct {
	mu    sync.RWMutex
	jobs  map[string]*model.Job
	clock quartz.Clock
	newID func() string
}

var (
	_ core.JobRepository    = (*MemoryJobRepo)(nil)
	_ core.ReaperRepository = (*MemoryJobRepo)(nil)
)

// NewMemoryJobRepo creates an empty MemoryJobRepo.
func NewMemoryJobRepo(cfg RepoConfig) *MemoryJobRepo {
	return &MemoryJobRepo{
		jobs:  make(map[string]*model.Job),
		clock: cfg.clock(),
		newID: uuid.NewString,
	}
}

// Create inserts a pending job.
func (r *MemoryJobRepo) Create(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()
	job := &model.Job{
		ID:         r.newID(),
		Type:       req.Type,
		Status:     model.JobStatusPending,
		Priority:   req.Priority,
		Payload:    cloneJSON(req.Payload),
		MaxRetries: req.ResolvedMaxRetries(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	return job.Clone(), nil
}

// GetByID retrieves a job by its ID.
func (r *MemoryJobRepo) GetByID(_ context.Context, id string) (*model.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// Patch applies a guarded update under the store lock.
func (r *MemoryJobRepo) Patch(_ context.Context, id string, patch model.JobPatch) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if patch.ExpectStatus != nil && job.Status != *patch.ExpectStatus {
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrJobStateConflict, *patch.ExpectStatus, job.Status)
	}

	next := job.Clone()
	if err := patch.Apply(next, r.clock.Now().UTC()); err != nil {
		return nil, err
	}
	r.jobs[id] = next
	return next.Clone(), nil
}

// ClaimNext moves the highest-priority, oldest pending job of the given types to processing.
func (r *MemoryJobRepo) ClaimNext(_ context.Context, types []model.JobType) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var next *model.Job
	for _, job := range r.jobs {
		if job.Status != model.JobStatusPending {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, job.Type) {
			continue
		}
		if next == nil || claimsBefore(job, next) {
			next = job
		}
	}
	if next == nil {
		return nil, model.ErrNoJobsAvailable
	}

	now := r.clock.Now().UTC()
	next.Status = model.JobStatusProcessing
	next.StartedAt = &now
	next.UpdatedAt = now
	return next.Clone(), nil
}

func claimsBefore(a, b *model.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// List returns jobs ordered by created_at descending.
func (r *MemoryJobRepo) List(_ context.Context, opts *model.JobListOptions) ([]*model.Job, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}

	r.mu.RLock()
	out := make([]*model.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if opts.Status != nil && job.Status != *opts.Status {
			continue
		}
		if opts.Type != nil && job.Type != *opts.Type {
			continue
		}
		out = append(out, job.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *model.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*model.Job{}, nil
		}
		out = out[opts.Offset:]
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats returns job counts per status, optionally filtered by type.
func (r *MemoryJobRepo) Stats(_ context.Context, jobType *model.JobType) (*model.JobStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats model.JobStats
	for _, job := range r.jobs {
		if jobType != nil && job.Type != *jobType {
			continue
		}
		switch job.Status {
		case model.JobStatusPending:
			stats.Pending++
		case model.JobStatusProcessing:
			stats.Processing++
		case model.JobStatusCompleted:
			stats.Completed++
		case model.JobStatusFailed:
			stats.Failed++
		}
	}
	return &stats, nil
}

// Delete removes a job that is not processing.
func (r *MemoryJobRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status == model.JobStatusProcessing {
		return ErrJobNotDeletable
	}
	delete(r.jobs, id)
	return nil
}

// FailStaleJobs marks up to BatchSize stale jobs as failed.
func (r *MemoryJobRepo) FailStaleJobs(_ context.Context, params core.FailStaleJobsParams) (int64, error) {
	if !params.Status.Valid() || params.Status.Terminal() {
		return 0, fmt.Errorf("invalid stale job status: %s", params.Status)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	reason := params.Reason
	if reason == "" {
		reason = fmt.Sprintf("job timed out in %s status", params.Status)
	}
	class := "timeout"

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now().UTC()
	cutoff := now.Add(-params.MaxAge)
	var n int64
	for _, job := range r.staleLocked(params.Status, cutoff) {
		if n >= int64(params.BatchSize) {
			break
		}
		msg := reason
		job.Status = model.JobStatusFailed
		job.Error = &msg
		job.ErrorClass = &class
		job.CompletedAt = &now
		job.UpdatedAt = now
		n++
	}
	return n, nil
}

// staleLocked returns jobs in status whose age reference is before cutoff, oldest first.
func (r *MemoryJobRepo) staleLocked(status model.JobStatus, cutoff time.Time) []*model.Job {
	var out []*model.Job
	for _, job := range r.jobs {
		if job.Status != status {
			continue
		}
		ref := job.CreatedAt
		if job.StartedAt != nil {
			ref = *job.StartedAt
		}
		if ref.Before(cutoff) {
			out = append(out, job)
		}
	}
	slices.SortFunc(out, func(a, b *model.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// DeleteOldJobs deletes up to BatchSize jobs in Status last touched before MaxAge ago.
func (r *MemoryJobRepo) DeleteOldJobs(_ context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if !params.Status.Valid() {
		return 0, fmt.Errorf("invalid job status: %s", params.Status)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Add(-params.MaxAge)
	var n int64
	for id, job := range r.jobs {
		if n >= int64(params.BatchSize) {
			break
		}
		if job.Status != params.Status {
			continue
		}
		ref := job.UpdatedAt
		if job.CompletedAt != nil {
			ref = *job.CompletedAt
		}
		if ref.Before(cutoff) {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}
