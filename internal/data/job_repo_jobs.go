package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/data/pgxutil"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
	apperrors "github.com/mrlancelot/fantastic-spork-sub001/internal/errors"
)

// SQL used by ClaimNext to atomically move the next pending job to processing.
const claimNextSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE status = 'pending' AND type = ANY($1)
    ORDER BY priority DESC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'processing',
    started_at = $2,
    updated_at = $2
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.type, j.status, j.priority, j.progress, j.payload, j.result, j.error, j.error_class,
            j.retry_count, j.max_retries, j.created_at, j.updated_at, j.started_at, j.completed_at`

// Create inserts a pending job.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()
	query := `
      INSERT INTO jobs(type, status, priority, progress, payload, retry_count, max_retries, created_at, updated_at)
      VALUES ($1, 'pending', $2, 0, $3, 0, $4, $5, $5)
      RETURNING ` + jobColumns

	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		var scanErr error
		job, scanErr = scanJobFromRow(conn.QueryRow(ctx, query,
			string(req.Type), req.Priority, []byte(req.Payload), req.ResolvedMaxRetries(), now))
		return scanErr
	})
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		var scanErr error
		job, scanErr = scanJobFromRow(conn.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, apperrors.MapDBError(err))
	}
	return job, nil
}

// Patch applies a guarded read-modify-write within a row-locking transaction.
func (r *JobRepo) Patch(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			current, err := scanJobFromRow(tx.QueryRow(ctx,
				`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrJobNotFound
			}
			if err != nil {
				return err
			}
			if patch.ExpectStatus != nil && current.Status != *patch.ExpectStatus {
				return fmt.Errorf("%w: expected %s, found %s", ErrJobStateConflict, *patch.ExpectStatus, current.Status)
			}

			if err := patch.Apply(current, r.clock.Now().UTC()); err != nil {
				return &patchRejectedError{err: err}
			}
			job, err = scanJobFromRow(tx.QueryRow(ctx, `
				UPDATE jobs SET
				  status = $2,
				  progress = $3,
				  result = $4,
				  error = $5,
				  error_class = $6,
				  retry_count = $7,
				  started_at = $8,
				  completed_at = $9,
				  updated_at = $10
				WHERE id = $1
				RETURNING `+jobColumns,
				id,
				string(current.Status),
				current.Progress,
				nullableJSON(current.Result),
				current.Error,
				current.ErrorClass,
				current.RetryCount,
				current.StartedAt,
				current.CompletedAt,
				current.UpdatedAt,
			))
			return err
		},
	})
	if err != nil {
		if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrJobStateConflict) {
			return nil, err
		}
		var rejected *patchRejectedError
		if errors.As(err, &rejected) {
			return nil, rejected.err
		}
		return nil, fmt.Errorf("patch job %s: %w", id, apperrors.MapDBError(err))
	}
	return job, nil
}

// patchRejectedError carries a JobPatch.Mutate failure out of the transaction unchanged.
type patchRejectedError struct{ err error }

func (e *patchRejectedError) Error() string { return e.err.Error() }
func (e *patchRejectedError) Unwrap() error { return e.err }

// ClaimNext atomically moves the next pending job of the given types to processing.
func (r *JobRepo) ClaimNext(ctx context.Context, types []model.JobType) (*model.Job, error) {
	if len(types) == 0 {
		types = model.AllJobTypes()
	}
	names := make([]string, 0, len(types))
	for _, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("invalid job type: %s", t)
		}
		names = append(names, string(t))
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			var scanErr error
			job, scanErr = scanJobFromRow(tx.QueryRow(ctx, claimNextSQL, names, r.clock.Now().UTC()))
			return scanErr
		},
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNoJobsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// List returns jobs ordered by created_at descending.
func (r *JobRepo) List(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}
	query, args := buildListQuery(opts)

	var jobs []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			job, scanErr := scanJobFromRow(rows)
			if scanErr != nil {
				return scanErr
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", apperrors.MapDBError(err))
	}
	return jobs, nil
}

const defaultListLimit = 50

func buildListQuery(opts *model.JobListOptions) (string, []any) {
	var (
		where []string
		args  []any
	)
	if opts.Status != nil {
		args = append(args, string(*opts.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if opts.Type != nil {
		args = append(args, string(*opts.Type))
		where = append(where, "type = $"+strconv.Itoa(len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT " + jobColumns + " FROM jobs")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC")

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	b.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		b.WriteString(" OFFSET $" + strconv.Itoa(len(args)))
	}
	return b.String(), args
}

// Stats returns job counts per status, optionally filtered by type.
func (r *JobRepo) Stats(ctx context.Context, jobType *model.JobType) (*model.JobStats, error) {
	query := `
    SELECT
      count(*) FILTER (WHERE status = 'pending'),
      count(*) FILTER (WHERE status = 'processing'),
      count(*) FILTER (WHERE status = 'completed'),
      count(*) FILTER (WHERE status = 'failed')
    FROM jobs`
	var args []any
	if jobType != nil {
		query += ` WHERE type = $1`
		args = append(args, string(*jobType))
	}

	var stats model.JobStats
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", apperrors.MapDBError(err))
	}
	return &stats, nil
}

// Delete removes a job that is not processing.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	var status string
	err := r.DB.QueryRowContext(ctx, `
		WITH target AS (SELECT id, status FROM jobs WHERE id = $1),
		deleted AS (
		  DELETE FROM jobs WHERE id IN (SELECT id FROM target WHERE status <> 'processing') RETURNING id
		)
		SELECT status FROM target`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, apperrors.MapDBError(err))
	}
	if model.JobStatus(status) == model.JobStatusProcessing {
		return ErrJobNotDeletable
	}
	return nil
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	jobType, status        string
	payload, result        []byte
	errMsg, errorClass     *string
	startedAt, completedAt *time.Time
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&d.jobType,
		&d.status,
		&job.Priority,
		&job.Progress,
		&d.payload,
		&d.result,
		&d.errMsg,
		&d.errorClass,
		&job.RetryCount,
		&job.MaxRetries,
		&job.CreatedAt,
		&job.UpdatedAt,
		&d.startedAt,
		&d.completedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.Type = model.JobType(d.jobType)
	job.Status = model.JobStatus(d.status)
	job.Payload = cloneJSON(d.payload)
	if len(d.result) > 0 {
		job.Result = cloneJSON(d.result)
	}
	job.Error = d.errMsg
	job.ErrorClass = d.errorClass
	job.StartedAt = utcPtr(d.startedAt)
	job.CompletedAt = utcPtr(d.completedAt)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	data.apply(job)
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
