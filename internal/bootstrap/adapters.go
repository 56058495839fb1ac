package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coder/quartz"

	"github.com/mrlancelot/fantastic-spork-sub001/config"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/adapters/jobrunner"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/adapters/reaper"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/statsd"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/service"
)

// WorkerConfig contains configuration for the job runner.
type WorkerConfig struct {
	Services *ServiceContainer
	Config   config.JobRunnerConfig
	Clock    quartz.Clock
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// NewJobRunner builds a job runner with the search workflow registered for every job type.
func NewJobRunner(cfg WorkerConfig) (*jobrunner.Runner, error) {
	if cfg.Services == nil || cfg.Services.Jobs == nil || cfg.Services.Search == nil {
		return nil, fmt.Errorf("create job runner: job service and search workflow are required")
	}
	runner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		Jobs:    cfg.Services.Jobs,
		Config:  cfg.Config,
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create job runner: %w", err)
	}
	registerSearchHandlers(runner, cfg.Services.Search)
	return runner, nil
}

func registerSearchHandlers(runner *jobrunner.Runner, search *service.SearchWorkflow) {
	for _, t := range search.JobTypes() {
		runner.Register(t, search.Handle)
	}
}

// RunWorker starts the job runner and blocks until ctx is cancelled.
func RunWorker(ctx context.Context, cfg WorkerConfig) error {
	runner, err := NewJobRunner(cfg)
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}

// ReaperConfig contains configuration for reaper.
type ReaperConfig struct {
	Repo    core.ReaperRepository
	Config  config.ReaperConfig
	Clock   quartz.Clock
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		Repo:    cfg.Repo,
		Config:  cfg.Config,
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
