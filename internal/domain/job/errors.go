package job

import "fmt"

// MaxRetriesExceededMessage is stored as the job error when the retry budget runs out.
const MaxRetriesExceededMessage = "max retries exceeded"

// MaxRetriesExceededError is returned by a retry request on a job whose budget is spent.
type MaxRetriesExceededError struct {
	JobID      string
	RetryCount int
	MaxRetries int
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("job %s: %s (%d/%d)", e.JobID, MaxRetriesExceededMessage, e.RetryCount, e.MaxRetries)
}

// Retryable reports false.
func (e *MaxRetriesExceededError) Retryable() bool { return false }
