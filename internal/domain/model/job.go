// Package model defines the job records and request types shared by the job store,
// the lifecycle manager and the workers that execute jobs.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/mrlancelot/fantastic-spork-sub001/internal/errors"
)

// JobType represents the type of job to be executed.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobTypeFlightSearch searches flight providers.
	JobTypeFlightSearch JobType = "flight_search"
	// JobTypeHotelSearch searches hotel providers and fetches hotel details.
	JobTypeHotelSearch JobType = "hotel_search"
	// JobTypeRestaurantSearch searches restaurant listings.
	JobTypeRestaurantSearch JobType = "restaurant_search"
	// JobTypeTripPlan runs flight, hotel and restaurant searches for one trip.
	JobTypeTripPlan JobType = "trip_plan"

	// JobStatusPending indicates a job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing indicates a job is currently being processed.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates a job has finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job has failed to complete.
	JobStatusFailed JobStatus = "failed"
)

// DefaultMaxRetries is the job-level retry budget when a request does not set one.
const DefaultMaxRetries = 3

// ErrNoJobsAvailable is returned when no pending job can be claimed.
var ErrNoJobsAvailable = errors.New("no jobs available")

// AllJobTypes lists every supported job type.
func AllJobTypes() []JobType {
	return []JobType{JobTypeFlightSearch, JobTypeHotelSearch, JobTypeRestaurantSearch, JobTypeTripPlan}
}

// UnmarshalText implements encoding.TextUnmarshaler for JobType to allow env and flag parsing.
func (t *JobType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jt := JobType(v)
	if jt.Valid() {
		*t = jt
		return nil
	}
	return fmt.Errorf("invalid JobType: %q", v)
}

// Valid returns true if the JobType is valid.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeFlightSearch, JobTypeHotelSearch, JobTypeRestaurantSearch, JobTypeTripPlan:
		return true
	}
	return false
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusProcessing || s == JobStatusCompleted ||
		s == JobStatusFailed
}

// Terminal reports whether the status is completed or failed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job represents a unit of asynchronous work and its lifecycle state.
type Job struct {
	ID          string          `json:"id"                     db:"id"`
	Type        JobType         `json:"type"                   db:"type"`
	Status      JobStatus       `json:"status"                 db:"status"`
	Priority    int             `json:"priority"               db:"priority"`
	Progress    int             `json:"progress"               db:"progress"`
	Payload     json.RawMessage `json:"payload"                db:"payload"`
	Result      json.RawMessage `json:"result,omitempty"       db:"result"`
	Error       *string         `json:"error,omitempty"        db:"error"`
	ErrorClass  *string         `json:"error_class,omitempty"  db:"error_class"`
	RetryCount  int             `json:"retry_count"            db:"retry_count"`
	MaxRetries  int             `json:"max_retries"            db:"max_retries"`
	CreatedAt   time.Time       `json:"created_at"             db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"             db:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"   db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// Clone returns a deep copy of the job so callers cannot alias store-owned buffers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Payload = cloneRaw(j.Payload)
	out.Result = cloneRaw(j.Result)
	out.Error = clonePtr(j.Error)
	out.ErrorClass = clonePtr(j.ErrorClass)
	out.StartedAt = clonePtr(j.StartedAt)
	out.CompletedAt = clonePtr(j.CompletedAt)
	return &out
}

// RetriesLeft reports whether another manual retry is allowed.
func (j *Job) RetriesLeft() bool {
	return j.RetryCount < j.MaxRetries
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("job_type", func(fl validator.FieldLevel) bool {
		return JobType(fl.Field().String()).Valid()
	})
	return v
}

// CreateJobRequest represents a request to create a new job.
type CreateJobRequest struct {
	Type       JobType         `json:"type"                  validate:"required,job_type"`
	Payload    json.RawMessage `json:"payload"               validate:"required"`
	Priority   int             `json:"priority,omitempty"    validate:"gte=0,lte=100"`
	MaxRetries *int            `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=25"`
}

// validateStruct runs struct tag validation and reports the first failing field as a Validation AppError.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperrors.ValidationField(strings.ToLower(fe.Field()),
			fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag()))
	}
	return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid request")
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if err := validateStruct(r); err != nil {
		return err
	}
	if !json.Valid(r.Payload) {
		return apperrors.ValidationField("payload", "payload must be valid JSON")
	}
	return nil
}

// ResolvedMaxRetries returns the requested budget or DefaultMaxRetries.
func (r *CreateJobRequest) ResolvedMaxRetries() int {
	if r.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *r.MaxRetries
}

// ProgressUpdate carries partial results reported while a job is processing.
type ProgressUpdate struct {
	// Percent is clamped to [0,100]; nil leaves the stored progress unchanged.
	Percent *int
	// Data is merged into the stored result.
	Data json.RawMessage
}

// JobStats represents statistics about jobs in different states.
type JobStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total returns the sum of all buckets.
func (s JobStats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed
}
