// Package data provides the Postgres, Redis and in-memory implementations of the core repositories.
package data

import (
	apperrors "github.com/mrlancelot/fantastic-spork-sub001/internal/errors"
)

// Shared sentinel errors for data-layer repositories. They are AppErrors so callers can
// match them with errors.Is or by code.
var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = apperrors.NotFound("job not found")
	// ErrJobStateConflict is returned when a guarded patch sees an unexpected status.
	ErrJobStateConflict = apperrors.Conflict("job status changed concurrently")
	// ErrJobNotDeletable is returned when attempting to delete a job that is processing.
	ErrJobNotDeletable = apperrors.Conflict("job cannot be deleted while processing")
)
