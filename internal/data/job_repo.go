package data

import (
	"database/sql"
	"log/slog"

	"github.com/coder/quartz"
)

// RepoConfig holds configuration options for the job repositories.
type RepoConfig struct {
	Logger *slog.Logger
	Clock  quartz.Clock
}

func (c RepoConfig) clock() quartz.Clock {
	if c.Clock == nil {
		return quartz.NewReal()
	}
	return c.Clock
}

// JobRepo provides Postgres operations for job management.
type JobRepo struct {
	DB     *sql.DB
	clock  quartz.Clock
	logger *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	return &JobRepo{
		DB:     db,
		clock:  cfg.clock(),
		logger: cfg.Logger,
	}
}

const jobColumns = `
  id,
  type,
  status,
  priority,
  progress,
  payload,
  result,
  error,
  error_class,
  retry_count,
  max_retries,
  created_at,
  updated_at,
  started_at,
  completed_at
`
