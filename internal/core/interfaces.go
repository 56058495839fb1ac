// Package core defines the ports between the service layer and its adapters,
// plus the small services that sit directly on a single port.
package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
)

// This file contains repository and transport interface definitions (ports in hexagonal architecture).
// Services depend on these interfaces; internal/data and internal/adapters provide implementations.

// JobRepository defines the interface for job data operations.
//
// Implementations return errors matching apperrors.IsNotFound for missing jobs and
// apperrors.IsConflict when a patch's ExpectStatus does not match the stored status.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	// Patch applies a guarded update and returns the stored job after the write.
	Patch(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error)
	// ClaimNext atomically moves the oldest highest-priority pending job to processing.
	// Returns model.ErrNoJobsAvailable when nothing is pending.
	ClaimNext(ctx context.Context, types []model.JobType) (*model.Job, error)
	List(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error)
	Stats(ctx context.Context, jobType *model.JobType) (*model.JobStats, error)
	// Delete removes a job that is not processing.
	Delete(ctx context.Context, id string) error
}

// ReaperRepository defines the interface for job cleanup operations.
type ReaperRepository interface {
	// FailStaleJobs marks jobs in the given status older than MaxAge as failed.
	// Processes up to BatchSize jobs per call to prevent long locks.
	FailStaleJobs(ctx context.Context, params FailStaleJobsParams) (int64, error)

	// DeleteOldJobs deletes jobs with the given status older than MaxAge.
	// Processes up to BatchSize jobs per call to prevent long locks.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
}

// FailStaleJobsParams groups parameters for ReaperRepository.FailStaleJobs.
type FailStaleJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
	Reason    string
}

// DeleteOldJobsParams groups parameters for ReaperRepository.DeleteOldJobs.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// Document is a record stored in the remote document store.
type Document struct {
	ID         string          `json:"id,omitempty"`
	Collection string          `json:"collection"`
	Data       json.RawMessage `json:"data"`
}

// DocumentStore is the remote document database reached over the network.
// Transport failures carry apperrors codes so the retry classifier can act on them.
type DocumentStore interface {
	Insert(ctx context.Context, doc Document) (string, error)
	Get(ctx context.Context, collection, id string) (*Document, error)
	Patch(ctx context.Context, collection, id string, data json.RawMessage) error
}

// Session is an automated browsing context owned by one operation.
type Session interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	// Evaluate runs a JavaScript expression in the current page and returns its JSON value.
	Evaluate(ctx context.Context, expression string) (json.RawMessage, error)
}

// SessionProvider creates and disposes Sessions.
type SessionProvider interface {
	Acquire(ctx context.Context) (Session, error)
	Release(ctx context.Context, s Session) error
}

// JobEventPublisher publishes job lifecycle events to subscribers.
type JobEventPublisher interface {
	PublishJobEvent(ctx context.Context, event model.JobEvent) error
}

// JobEventPublisherFunc adapts a function to JobEventPublisher.
type JobEventPublisherFunc func(ctx context.Context, event model.JobEvent) error

// PublishJobEvent implements JobEventPublisher.
func (f JobEventPublisherFunc) PublishJobEvent(ctx context.Context, event model.JobEvent) error {
	return f(ctx, event)
}
