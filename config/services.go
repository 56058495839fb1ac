package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the job runner.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the job reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
	// ServiceModeMetrics serves the Prometheus metrics endpoint.
	ServiceModeMetrics ServiceMode = "metrics"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorker,
		ServiceModeReaper,
		ServiceModeMetrics,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeReaper, ServiceModeMetrics:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: worker, reaper, metrics)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// JobRunnerConfig contains job runner service configuration.
type JobRunnerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"CONCURRENCY" envDefault:"2"`

	// PollInterval is how long an idle worker waits before trying to claim again.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`

	// JobTimeout bounds a single handler run.
	JobTimeout time.Duration `env:"JOB_TIMEOUT" envDefault:"10m"`

	// Types limits which job types this process claims; empty claims all.
	Types []model.JobType `env:"TYPES"`

	// AutoRetry re-queues failures classified retryable while the job has retries left.
	AutoRetry bool `env:"AUTO_RETRY" envDefault:"true"`
}

// Sanitize applies guardrails to job runner configuration values.
func (j *JobRunnerConfig) Sanitize() {
	if j.Concurrency < 1 {
		j.Concurrency = 1
	}
	if j.PollInterval < 100*time.Millisecond {
		j.PollInterval = 100 * time.Millisecond
	}
	if j.JobTimeout < time.Second {
		j.JobTimeout = time.Second
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// PendingMaxAge is the maximum age for pending jobs before they are marked as failed.
	// Jobs stuck in pending status longer than this will be failed.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"1h"`

	// ProcessingMaxAge is how long a job may stay processing before it is considered abandoned.
	ProcessingMaxAge time.Duration `env:"REAPER_PROCESSING_MAX_AGE" envDefault:"30m"`

	// CompletedMaxAge is the maximum age for completed jobs before deletion.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the maximum age for failed jobs before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"168h"` // 7 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.PendingMaxAge < 5*time.Minute {
		r.PendingMaxAge = 5 * time.Minute
	}
	if r.ProcessingMaxAge < 1*time.Minute {
		r.ProcessingMaxAge = 1 * time.Minute
	}
	if r.CompletedMaxAge < 1*time.Hour {
		r.CompletedMaxAge = 1 * time.Hour
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
