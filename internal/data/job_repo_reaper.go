package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/data/pgxutil"
)

// reaperLockNamespace is the advisory lock namespace of the reaper steps.
const reaperLockNamespace int32 = 1000

var (
	reaperFailLock   = pgxutil.NamedLock(reaperLockNamespace, "fail_stale_jobs")
	reaperDeleteLock = pgxutil.NamedLock(reaperLockNamespace, "delete_old_jobs")
)

// FailStaleJobs marks jobs in params.Status older than params.MaxAge as failed.
// Age is measured from started_at for processing jobs and from created_at otherwise.
// Uses advisory locks to prevent concurrent reaper instances from conflicting.
func (r *JobRepo) FailStaleJobs(ctx context.Context, params core.FailStaleJobsParams) (int64, error) {
	if !params.Status.Valid() || params.Status.Terminal() {
		return 0, fmt.Errorf("invalid stale job status: %s", params.Status)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	reason := params.Reason
	if reason == "" {
		reason = fmt.Sprintf("job timed out in %s status", params.Status)
	}

	return r.withReaperLock(ctx, reaperFailLock, func(tx *sql.Tx) (sql.Result, error) {
		now := r.clock.Now().UTC()
		return tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'failed',
			    error = $1,
			    error_class = 'timeout',
			    completed_at = $2,
			    updated_at = $2
			WHERE id IN (
			  SELECT id FROM jobs
			  WHERE status = $3
			    AND COALESCE(started_at, created_at) < $4
			  ORDER BY COALESCE(started_at, created_at)
			  LIMIT $5
			)
		`, reason, now, string(params.Status), now.Add(-params.MaxAge), params.BatchSize)
	})
}

// DeleteOldJobs deletes jobs with the given status older than maxAge.
// Processes up to batchSize jobs per call to prevent long locks and I/O spikes.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if !params.Status.Valid() {
		return 0, fmt.Errorf("invalid job status: %s", params.Status)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	return r.withReaperLock(ctx, reaperDeleteLock, func(tx *sql.Tx) (sql.Result, error) {
		cutoff := r.clock.Now().Add(-params.MaxAge).UTC()
		return tx.ExecContext(ctx, `
			DELETE FROM jobs
			WHERE id IN (
			  SELECT id FROM jobs
			  WHERE status = $1
			    AND COALESCE(completed_at, updated_at) < $2
			  ORDER BY COALESCE(completed_at, updated_at)
			  LIMIT $3
			)
		`, string(params.Status), cutoff, params.BatchSize)
	})
}

func (r *JobRepo) withReaperLock(
	ctx context.Context,
	lock pgxutil.AdvisoryLock,
	exec func(*sql.Tx) (sql.Result, error),
) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			locked, err := pgxutil.TryAdvisoryXactLock(ctx, tx, lock)
			if err != nil || !locked {
				return err
			}

			res, err := exec(tx)
			if err != nil {
				return err
			}
			rowsAffected, err = res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
