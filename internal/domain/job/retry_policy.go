package job

import (
	"errors"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
)

// ErrInvalidDefaultMaxRetries indicates a negative default retry budget.
var ErrInvalidDefaultMaxRetries = errors.New("default max retries must not be negative")

// RetrySource identifies how a job's retry budget was resolved.
type RetrySource string

const (
	// RetrySourceExplicit indicates the job carried its own budget.
	RetrySourceExplicit RetrySource = "explicit"
	// RetrySourceDefault indicates the policy default was used.
	RetrySourceDefault RetrySource = "default"
)

// RetryPolicy resolves retry budgets at creation and decides manual retries.
type RetryPolicy struct {
	defaultMax int
}

// NewRetryPolicy constructs a RetryPolicy with the given default budget.
func NewRetryPolicy(defaultMax int) (*RetryPolicy, error) {
	if defaultMax < 0 {
		return nil, ErrInvalidDefaultMaxRetries
	}
	return &RetryPolicy{defaultMax: defaultMax}, nil
}

// Default returns the configured default budget.
func (p *RetryPolicy) Default() int {
	if p == nil {
		return model.DefaultMaxRetries
	}
	return p.defaultMax
}

// Budget resolves the max_retries value stored on a new job.
func (p *RetryPolicy) Budget(requested *int) (int, RetrySource) {
	if requested != nil && *requested >= 0 {
		return *requested, RetrySourceExplicit
	}
	return p.Default(), RetrySourceDefault
}

// RetryDecision captures the outcome of a retry request.
type RetryDecision struct {
	Allowed   bool
	NextCount int
	Remaining int
}

// Decide evaluates a retry request. A job may be retried while retry_count < max_retries.
func (p *RetryPolicy) Decide(j *model.Job) RetryDecision {
	if j.RetryCount >= j.MaxRetries {
		return RetryDecision{Allowed: false, NextCount: j.RetryCount, Remaining: 0}
	}
	next := j.RetryCount + 1
	return RetryDecision{Allowed: true, NextCount: next, Remaining: j.MaxRetries - next}
}

// Err returns the error a rejected decision surfaces to callers.
func (d RetryDecision) Err(j *model.Job) error {
	if d.Allowed {
		return nil
	}
	return &MaxRetriesExceededError{JobID: j.ID, RetryCount: j.RetryCount, MaxRetries: j.MaxRetries}
}
