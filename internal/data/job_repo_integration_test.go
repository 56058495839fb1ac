package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
	apperrors "github.com/mrlancelot/fantastic-spork-sub001/internal/errors"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/testutil"
)

func TestJobRepo_CreateAndGet(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		job, err := repo.Create(ctx, testutil.RetryableJobRequest(5))
		require.NoError(t, err)
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, model.JobStatusPending, job.Status)
		assert.Equal(t, 5, job.MaxRetries)
		assert.Nil(t, job.Result)

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.JSONEq(t, string(job.Payload), string(got.Payload))

		_, err = repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobRepo_CreateRejectsInvalid(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		_, err := repo.Create(context.Background(), testutil.NewJobRequest().WithPriority(-1).Build())
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestJobRepo_PatchGuard(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		clk := quartz.NewMock(t)
		clk.Set(testutil.TestTime())
		repo := NewJobRepo(db, RepoConfig{Clock: clk})
		ctx := context.Background()

		job, err := repo.Create(ctx, testutil.HotelSearchRequest())
		require.NoError(t, err)

		clk.Advance(time.Minute)
		processing := model.JobStatusProcessing
		pending := model.JobStatusPending
		got, err := repo.Patch(ctx, job.ID, model.JobPatch{
			ExpectStatus: &pending,
			Status:       &processing,
			Progress:     testutil.IntPtr(25),
			Result:       json.RawMessage(`{"hotels":[{"name":"a"}]}`),
		})
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessing, got.Status)
		assert.Equal(t, 25, got.Progress)
		assert.JSONEq(t, `{"hotels":[{"name":"a"}]}`, string(got.Result))
		assert.True(t, got.UpdatedAt.Equal(testutil.TestTime().Add(time.Minute)))

		_, err = repo.Patch(ctx, job.ID, model.JobPatch{ExpectStatus: &pending, Status: &processing})
		require.ErrorIs(t, err, ErrJobStateConflict)

		_, err = repo.Patch(ctx, "00000000-0000-0000-0000-000000000000", model.JobPatch{})
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobRepo_ClaimNextConcurrent(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		const jobs = 10
		for range jobs {
			_, err := repo.Create(ctx, testutil.HotelSearchRequest())
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					job, err := repo.ClaimNext(ctx, []model.JobType{model.JobTypeHotelSearch})
					if err != nil {
						return
					}
					mu.Lock()
					seen[job.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, jobs)
		for _, n := range seen {
			assert.Equal(t, 1, n)
		}

		_, err := repo.ClaimNext(ctx, nil)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)
	})
}

func TestJobRepo_ListStatsDelete(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		hotel, err := repo.Create(ctx, testutil.HotelSearchRequest())
		require.NoError(t, err)
		_, err = repo.Create(ctx, testutil.FlightSearchRequest())
		require.NoError(t, err)
		_, err = repo.ClaimNext(ctx, []model.JobType{model.JobTypeHotelSearch})
		require.NoError(t, err)

		flights := model.JobTypeFlightSearch
		list, err := repo.List(ctx, &model.JobListOptions{Type: &flights})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		stats, err := repo.Stats(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, model.JobStats{Pending: 1, Processing: 1}, *stats)

		require.ErrorIs(t, repo.Delete(ctx, hotel.ID), ErrJobNotDeletable)

		failed := model.JobStatusFailed
		_, err = repo.Patch(ctx, hotel.ID, model.JobPatch{Status: &failed})
		require.NoError(t, err)
		require.NoError(t, repo.Delete(ctx, hotel.ID))
		require.ErrorIs(t, repo.Delete(ctx, hotel.ID), ErrJobNotFound)
	})
}

func TestJobRepo_Reaper(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		clk := quartz.NewMock(t)
		clk.Set(testutil.TestTime())
		repo := NewJobRepo(db, RepoConfig{Clock: clk})
		ctx := context.Background()

		job, err := repo.Create(ctx, testutil.HotelSearchRequest())
		require.NoError(t, err)
		_, err = repo.ClaimNext(ctx, nil)
		require.NoError(t, err)

		clk.Advance(time.Hour)
		n, err := repo.FailStaleJobs(ctx, core.FailStaleJobsParams{
			Status:    model.JobStatusProcessing,
			MaxAge:    30 * time.Minute,
			BatchSize: 100,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, got.Status)
		require.NotNil(t, got.ErrorClass)
		assert.Equal(t, "timeout", *got.ErrorClass)

		clk.Advance(48 * time.Hour)
		n, err = repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
			Status:    model.JobStatusFailed,
			MaxAge:    24 * time.Hour,
			BatchSize: 100,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		testutil.LogJobStates(t, db, "after reaper")
	})
}
