// Package reaper provides adapters for running the job reaper.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coder/quartz"

	"github.com/mrlancelot/fantastic-spork-sub001/config"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/statsd"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/service"
)

// Runner provides a simple adapter to run the reaper loop.
// It constructs the reaper service and runs the cleanup loop.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Repo    core.ReaperRepository
	Config  config.ReaperConfig
	Clock   quartz.Clock
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Repo == nil {
		return nil, errors.New("reaper repository is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Config.Sanitize()

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:    opts.Repo,
		Config:  opts.Config,
		Clock:   opts.Clock,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{reaper: reaper, logger: opts.Logger}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}

// RunOnce performs a single cleanup pass, for one-off maintenance.
func (r *Runner) RunOnce(ctx context.Context) (service.CleanupReport, error) {
	return r.reaper.RunOnce(ctx)
}
