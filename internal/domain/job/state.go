// Package job holds the rules of the job lifecycle: allowed transitions,
// the manual retry budget and the additive result merge.
package job

import (
	"errors"
	"fmt"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
)

var (
	// ErrInvalidTransition is matched by every TransitionError.
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrJobFinished is matched by every FinishedError.
	ErrJobFinished = errors.New("job already finished")
)

// transitions lists the allowed status edges. completed→completed is the repeated
// Complete that merges more result data. A failed job only leaves through a retry.
var transitions = map[model.JobStatus][]model.JobStatus{
	model.JobStatusPending:    {model.JobStatusProcessing, model.JobStatusFailed},
	model.JobStatusProcessing: {model.JobStatusCompleted, model.JobStatusFailed},
	model.JobStatusCompleted:  {model.JobStatusCompleted},
	model.JobStatusFailed:     {model.JobStatusPending},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to model.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a *TransitionError when the edge is not allowed.
func CheckTransition(j *model.Job, to model.JobStatus) error {
	if CanTransition(j.Status, to) {
		return nil
	}
	return &TransitionError{JobID: j.ID, From: j.Status, To: to}
}

// TransitionError reports a rejected status change.
type TransitionError struct {
	JobID string
	From  model.JobStatus
	To    model.JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot transition from %s to %s", e.JobID, e.From, e.To)
}

// Is matches ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Retryable reports false; a transition is never fixed by retrying the same call.
func (e *TransitionError) Retryable() bool { return false }

// CheckProgress rejects progress reports on completed or failed jobs.
func CheckProgress(j *model.Job) error {
	if j.Status.Terminal() {
		return &FinishedError{JobID: j.ID, Status: j.Status}
	}
	return nil
}

// FinishedError reports a progress update against a job in a terminal status.
type FinishedError struct {
	JobID  string
	Status model.JobStatus
}

func (e *FinishedError) Error() string {
	return fmt.Sprintf("job %s: cannot report progress, job is %s", e.JobID, e.Status)
}

// Is matches ErrJobFinished.
func (e *FinishedError) Is(target error) bool { return target == ErrJobFinished }

// Retryable reports false.
func (e *FinishedError) Retryable() bool { return false }
