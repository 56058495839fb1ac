package retry

import (
	"context"
	"errors"
	"net"

	apperrors "github.com/mrlancelot/fantastic-spork-sub001/internal/errors"
)

// Class tells the executor whether another attempt can help.
type Class string

const (
	// Retryable marks transient faults.
	Retryable Class = "retryable"
	// Terminal marks failures that will never succeed on retry.
	Terminal Class = "terminal"
)

// Classifier decides the Class of an operation error.
type Classifier interface {
	Classify(err error) Class
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) Class

// Classify implements Classifier.
func (f ClassifierFunc) Classify(err error) Class {
	return f(err)
}

// Marker lets an error state its own retryability. It wins over every other rule.
type Marker interface {
	Retryable() bool
}

var terminalCodes = map[apperrors.ErrorCode]bool{
	apperrors.ErrCodeValidation:       true,
	apperrors.ErrCodeNotFound:         true,
	apperrors.ErrCodeConflict:         true,
	apperrors.ErrCodeForeignKey:       true,
	apperrors.ErrCodeUnauthorized:     true,
	apperrors.ErrCodePermissionDenied: true,
	apperrors.ErrCodeCanceled:         true,
}

// DefaultClassifier classifies by error structure: Marker, context errors,
// AppError codes (after database mapping) and unknown hosts. Unknown errors are Retryable.
func DefaultClassifier() Classifier {
	return ClassifierFunc(classify)
}

func classify(err error) Class {
	if err == nil {
		return Retryable
	}

	var m Marker
	if errors.As(err, &m) {
		if m.Retryable() {
			return Retryable
		}
		return Terminal
	}

	if errors.Is(err, context.Canceled) {
		return Terminal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}

	if code := apperrors.GetCode(apperrors.MapDBError(err)); code != "" {
		if terminalCodes[code] {
			return Terminal
		}
		return Retryable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return Terminal
	}

	return Retryable
}

// IsTerminal is shorthand for DefaultClassifier().Classify(err) == Terminal.
func IsTerminal(err error) bool {
	return classify(err) == Terminal
}
