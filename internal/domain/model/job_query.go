package model

import (
	"encoding/json"
	"time"
)

// JobListOptions groups parameters for listing jobs with optional filters.
type JobListOptions struct {
	Status *JobStatus // Optional filter by status
	Type   *JobType   // Optional filter by type
	Limit  int        // Pagination limit
	Offset int        // Pagination offset
}

// JobPatch describes a guarded read-modify-write on a single job.
// Nil fields are left untouched. ExpectStatus, when set, makes the write fail with a
// state conflict if the stored status differs.
type JobPatch struct {
	ExpectStatus *JobStatus

	Status      *JobStatus
	Progress    *int
	Result      json.RawMessage
	Error       *string
	ErrorClass  *string
	RetryCount  *int
	StartedAt   *time.Time
	CompletedAt *time.Time

	// ClearError resets error and error_class (used when a job is retried).
	ClearError bool
	// ClearTimes resets started_at and completed_at (used when a job is retried).
	ClearTimes bool

	// Mutate runs after the field updates against the locked, current job. Returning an
	// error aborts the write.
	Mutate func(j *Job, now time.Time) error
}

// Apply mutates j in place according to the patch. The caller owns concurrency control
// and must discard j when Apply returns an error.
func (p JobPatch) Apply(j *Job, now time.Time) error {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.Progress != nil {
		j.Progress = *p.Progress
	}
	if p.Result != nil {
		j.Result = cloneRaw(p.Result)
	}
	if p.ClearError {
		j.Error = nil
		j.ErrorClass = nil
	}
	if p.Error != nil {
		j.Error = clonePtr(p.Error)
	}
	if p.ErrorClass != nil {
		j.ErrorClass = clonePtr(p.ErrorClass)
	}
	if p.RetryCount != nil {
		j.RetryCount = *p.RetryCount
	}
	if p.ClearTimes {
		j.StartedAt = nil
		j.CompletedAt = nil
	}
	if p.StartedAt != nil {
		j.StartedAt = clonePtr(p.StartedAt)
	}
	if p.CompletedAt != nil {
		j.CompletedAt = clonePtr(p.CompletedAt)
	}
	if p.Mutate != nil {
		if err := p.Mutate(j, now); err != nil {
			return err
		}
	}
	j.UpdatedAt = now
	return nil
}

// JobEventType names a lifecycle transition published to subscribers.
type JobEventType string

const (
	JobEventCreated   JobEventType = "job.created"
	JobEventStarted   JobEventType = "job.started"
	JobEventProgress  JobEventType = "job.progress"
	JobEventCompleted JobEventType = "job.completed"
	JobEventFailed    JobEventType = "job.failed"
	JobEventRetried   JobEventType = "job.retried"
)

// JobEvent is the payload published for each lifecycle transition.
type JobEvent struct {
	Type       JobEventType `json:"type"`
	JobID      string       `json:"job_id"`
	JobType    JobType      `json:"job_type"`
	Status     JobStatus    `json:"status"`
	Progress   int          `json:"progress"`
	RetryCount int          `json:"retry_count"`
	Error      *string      `json:"error,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// NewJobEvent snapshots j for publication.
func NewJobEvent(t JobEventType, j *Job, at time.Time) JobEvent {
	return JobEvent{
		Type:       t,
		JobID:      j.ID,
		JobType:    j.Type,
		Status:     j.Status,
		Progress:   j.Progress,
		RetryCount: j.RetryCount,
		Error:      clonePtr(j.Error),
		OccurredAt: at,
	}
}
