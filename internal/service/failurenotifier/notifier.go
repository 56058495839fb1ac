// Package failurenotifier fans final job failures out to notification sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// Timeout bounds each sink delivery. Zero leaves the caller's deadline in charge.
	Timeout time.Duration
	// SkipClasses lists error classes that never page anyone (for example "canceled").
	SkipClasses []string
}

// Service dispatches failure events to all registered sinks.
type Service struct {
	logger  *slog.Logger
	sinks   []SinkRegistration
	timeout time.Duration
	skip    map[string]struct{}
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "failure_notifier")

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{
			Name: name,
			Sink: entry.Sink,
		})
	}

	skip := make(map[string]struct{}, len(opts.SkipClasses))
	for _, c := range opts.SkipClasses {
		skip[c] = struct{}{}
	}

	return &Service{
		logger:  logger,
		sinks:   sinks,
		timeout: opts.Timeout,
		skip:    skip,
	}
}

// NotifyJobFailure fan-outs the job failure payload to all sinks and waits for them.
// Delivery errors are logged.
func (s *Service) NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload) {
	if s == nil || len(s.sinks) == 0 {
		return
	}

	if _, ok := s.skip[payload.ErrorClass]; ok {
		s.logger.DebugContext(ctx, "skipping notification for ignored error class",
			"job_id", payload.JobID,
			"error_class", payload.ErrorClass,
		)
		return
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx := ctx
			if s.timeout > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(ctx, s.timeout)
				defer cancel()
			}
			if err := entry.Sink.SendJobFailure(sctx, payload); err != nil {
				s.logger.ErrorContext(ctx, "failure notifier delivery error",
					"sink", entry.Name,
					"job_id", payload.JobID,
					"job_type", payload.JobType,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}
