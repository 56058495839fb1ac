package retry

import "fmt"

// ExhaustedRetriesError is returned when a retryable failure outlived the attempt budget.
type ExhaustedRetriesError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("%s: exhausted %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Err }

// Retryable reports true: a later, independent retry (for example a job retry) may still succeed.
func (e *ExhaustedRetriesError) Retryable() bool { return true }

// NonRetryableError is returned immediately for a Terminal failure.
type NonRetryableError struct {
	Name    string
	Attempt int
	Err     error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("%s: non-retryable failure on attempt %d: %v", e.Name, e.Attempt, e.Err)
}

func (e *NonRetryableError) Unwrap() error { return e.Err }

// Retryable reports false so upstream layers skip their own retries.
func (e *NonRetryableError) Retryable() bool { return false }
