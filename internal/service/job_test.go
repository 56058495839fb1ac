package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/data"
	domainjob "github.com/mrlancelot/fantastic-spork-sub001/internal/domain/job"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
	apperrors "github.com/mrlancelot/fantastic-spork-sub001/internal/errors"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/mocks"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/notify"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/service/failurenotifier"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/testutil"
)

type jobServiceFixture struct {
	svc   *JobService
	repo  *data.MemoryJobRepo
	clock *quartz.Mock
}

func newJobServiceFixture(t *testing.T, mutate ...func(*JobServiceOptions)) jobServiceFixture {
	t.Helper()
	clk := quartz.NewMock(t)
	clk.Set(testutil.TestTime())
	repo := data.NewMemoryJobRepo(data.RepoConfig{Clock: clk})

	opts := JobServiceOptions{Repo: repo, Clock: clk}
	for _, m := range mutate {
		m(&opts)
	}
	return jobServiceFixture{svc: MustNewJobService(opts), repo: repo, clock: clk}
}

func (f jobServiceFixture) processingJob(t *testing.T, req *model.CreateJobRequest) *model.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.svc.Create(ctx, req)
	require.NoError(t, err)
	job, err = f.svc.Start(ctx, job.ID)
	require.NoError(t, err)
	return job
}

func (f jobServiceFixture) failedJob(t *testing.T, req *model.CreateJobRequest, cause error) *model.Job {
	t.Helper()
	job := f.processingJob(t, req)
	job, err := f.svc.Fail(context.Background(), job.ID, cause)
	require.NoError(t, err)
	return job
}

func TestNewJobService(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	t.Run("success", func(t *testing.T) {
		svc, err := NewJobService(JobServiceOptions{Repo: repo})
		require.NoError(t, err)
		assert.Equal(t, repo, svc.repo)
		assert.Equal(t, model.DefaultMaxRetries, svc.retryPolicy.Default())
	})

	t.Run("custom retry policy", func(t *testing.T) {
		policy, err := domainjob.NewRetryPolicy(7)
		require.NoError(t, err)
		svc, err := NewJobService(JobServiceOptions{Repo: repo, RetryPolicy: policy})
		require.NoError(t, err)
		assert.Equal(t, 7, svc.retryPolicy.Default())
	})

	t.Run("missing repo", func(t *testing.T) {
		svc, err := NewJobService(JobServiceOptions{})
		require.Error(t, err)
		assert.Nil(t, svc)
	})

	t.Run("must constructor panics", func(t *testing.T) {
		assert.Panics(t, func() { MustNewJobService(JobServiceOptions{}) })
	})
}

func TestJobService_Create(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name           string
		req            *model.CreateJobRequest
		wantMaxRetries int
		wantErr        bool
	}{
		{name: "default budget", req: testutil.HotelSearchRequest(), wantMaxRetries: 3},
		{name: "explicit budget", req: testutil.RetryableJobRequest(5), wantMaxRetries: 5},
		{name: "zero budget", req: testutil.RetryableJobRequest(0), wantMaxRetries: 0},
		{name: "invalid type", req: testutil.NewJobRequest().WithType("cruise_search").Build(), wantErr: true},
		{name: "nil request", req: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newJobServiceFixture(t)
			job, err := f.svc.Create(ctx, tt.req)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusPending, job.Status)
			assert.Equal(t, 0, job.RetryCount)
			assert.Equal(t, tt.wantMaxRetries, job.MaxRetries)
			assert.Equal(t, testutil.TestTime(), job.CreatedAt)
		})
	}
}

func TestJobService_Create_DoesNotMutateRequest(t *testing.T) {
	f := newJobServiceFixture(t)
	req := testutil.HotelSearchRequest()

	_, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, req.MaxRetries)
}

func TestJobService_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("pending to processing", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job, err := f.svc.Create(ctx, testutil.HotelSearchRequest())
		require.NoError(t, err)

		f.clock.Advance(time.Minute)
		started, err := f.svc.Start(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessing, started.Status)
		require.NotNil(t, started.StartedAt)
		assert.Equal(t, testutil.TestTime().Add(time.Minute), *started.StartedAt)
	})

	t.Run("already processing", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job := f.processingJob(t, testutil.HotelSearchRequest())

		_, err := f.svc.Start(ctx, job.ID)
		require.ErrorIs(t, err, domainjob.ErrInvalidTransition)
	})

	t.Run("missing job", func(t *testing.T) {
		f := newJobServiceFixture(t)
		_, err := f.svc.Start(ctx, "missing")
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestJobService_UpdateProgress(t *testing.T) {
	ctx := context.Background()

	t.Run("merges data and clamps percent", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job := f.processingJob(t, testutil.HotelSearchRequest())

		_, err := f.svc.UpdateProgress(ctx, job.ID, model.ProgressUpdate{
			Percent: testutil.IntPtr(30),
			Data:    json.RawMessage(`{"hotels":[{"name":"a"}]}`),
		})
		require.NoError(t, err)

		got, err := f.svc.UpdateProgress(ctx, job.ID, model.ProgressUpdate{
			Percent: testutil.IntPtr(140),
			Data:    json.RawMessage(`{"meta":{"pages":2}}`),
		})
		require.NoError(t, err)
		assert.Equal(t, 100, got.Progress)
		assert.Equal(t, model.JobStatusProcessing, got.Status)
		assert.JSONEq(t, `{"hotels":[{"name":"a"}],"meta":{"pages":2}}`, string(got.Result))
	})

	t.Run("nil percent keeps progress", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job := f.processingJob(t, testutil.HotelSearchRequest())

		_, err := f.svc.UpdateProgress(ctx, job.ID, model.ProgressUpdate{Percent: testutil.IntPtr(-5)})
		require.NoError(t, err)
		got, err := f.svc.UpdateProgress(ctx, job.ID, model.ProgressUpdate{Data: json.RawMessage(`{"a":1}`)})
		require.NoError(t, err)
		assert.Equal(t, 0, got.Progress)
	})

	t.Run("rejected once finished", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job := f.processingJob(t, testutil.HotelSearchRequest())
		_, err := f.svc.Complete(ctx, job.ID, json.RawMessage(`{"hotels":[]}`))
		require.NoError(t, err)

		_, err = f.svc.UpdateProgress(ctx, job.ID, model.ProgressUpdate{Percent: testutil.IntPtr(50)})
		require.ErrorIs(t, err, domainjob.ErrJobFinished)
	})

	t.Run("concurrent updates are not lost", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job := f.processingJob(t, testutil.HotelSearchRequest())

		const writers = 20
		var wg sync.WaitGroup
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.svc.UpdateProgress(ctx, job.ID, model.ProgressUpdate{
					Data: json.RawMessage(fmt.Sprintf(`{"k%d":%d}`, i, i)),
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := f.svc.GetStatus(ctx, job.ID)
		require.NoError(t, err)
		var result map[string]int
		require.NoError(t, json.Unmarshal(got.Result, &result))
		assert.Len(t, result, writers)
	})
}

func TestJobService_Complete(t *testing.T) {
	ctx := context.Background()

	t.Run("merges and completes", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job := f.processingJob(t, testutil.HotelSearchRequest())
		_, err := f.svc.UpdateProgress(ctx, job.ID, model.ProgressUpdate{Data: json.RawMessage(`{"hotels":[1]}`)})
		require.NoError(t, err)

		f.clock.Advance(2 * time.Minute)
		done, err := f.svc.Complete(ctx, job.ID, json.RawMessage(`{"persisted":1}`))
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, done.Status)
		assert.Equal(t, 100, done.Progress)
		require.NotNil(t, done.CompletedAt)
		assert.Equal(t, testutil.TestTime().Add(2*time.Minute), *done.CompletedAt)
		assert.JSONEq(t, `{"hotels":[1],"persisted":1}`, string(done.Result))
	})

	t.Run("second complete merges again", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job := f.processingJob(t, testutil.HotelSearchRequest())
		first, err := f.svc.Complete(ctx, job.ID, json.RawMessage(`{"a":{"x":1}}`))
		require.NoError(t, err)

		f.clock.Advance(time.Minute)
		second, err := f.svc.Complete(ctx, job.ID, json.RawMessage(`{"a":{"y":2},"b":true}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":{"x":1,"y":2},"b":true}`, string(second.Result))
		assert.Equal(t, *first.CompletedAt, *second.CompletedAt)
	})

	t.Run("pending job cannot complete", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job, err := f.svc.Create(ctx, testutil.HotelSearchRequest())
		require.NoError(t, err)

		_, err = f.svc.Complete(ctx, job.ID, nil)
		require.ErrorIs(t, err, domainjob.ErrInvalidTransition)
	})

	t.Run("invalid result is a validation error", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job := f.processingJob(t, testutil.HotelSearchRequest())
		_, err := f.svc.UpdateProgress(ctx, job.ID, model.ProgressUpdate{Data: json.RawMessage(`{"a":1}`)})
		require.NoError(t, err)

		_, err = f.svc.Complete(ctx, job.ID, json.RawMessage(`{broken`))
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))

		stored, err := f.svc.GetStatus(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessing, stored.Status)
	})
}

func TestJobService_Fail(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		cause     error
		wantClass string
	}{
		{name: "transient provider error", cause: apperrors.Unavailable("provider returned 503"), wantClass: ErrorClassRetryable},
		{name: "validation error", cause: apperrors.Validation("bad destination"), wantClass: ErrorClassTerminal},
		{name: "deadline", cause: fmt.Errorf("fetch: %w", context.DeadlineExceeded), wantClass: ErrorClassTimeout},
		{name: "unknown error", cause: errors.New("boom"), wantClass: ErrorClassRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newJobServiceFixture(t)
			job := f.failedJob(t, testutil.HotelSearchRequest(), tt.cause)

			assert.Equal(t, model.JobStatusFailed, job.Status)
			require.NotNil(t, job.Error)
			assert.Equal(t, tt.cause.Error(), *job.Error)
			require.NotNil(t, job.ErrorClass)
			assert.Equal(t, tt.wantClass, *job.ErrorClass)
			assert.NotNil(t, job.CompletedAt)
		})
	}

	t.Run("nil cause", func(t *testing.T) {
		f := newJobServiceFixture(t)
		_, err := f.svc.Fail(ctx, "any", nil)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("completed job cannot fail", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job := f.processingJob(t, testutil.HotelSearchRequest())
		_, err := f.svc.Complete(ctx, job.ID, nil)
		require.NoError(t, err)

		_, err = f.svc.Fail(ctx, job.ID, errors.New("late"))
		require.ErrorIs(t, err, domainjob.ErrInvalidTransition)
	})

	t.Run("failed job cannot fail again", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job := f.failedJob(t, testutil.HotelSearchRequest(), apperrors.Unavailable("provider returned 503"))
		f.clock.Advance(time.Minute)

		_, err := f.svc.Fail(ctx, job.ID, errors.New("late failure"))
		var transition *domainjob.TransitionError
		require.ErrorAs(t, err, &transition)
		assert.Equal(t, model.JobStatusFailed, transition.From)

		stored, err := f.svc.GetStatus(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.Error)
		assert.Equal(t, "provider returned 503", *stored.Error)
		assert.Equal(t, job.CompletedAt, stored.CompletedAt)
	})

	t.Run("exhausted job keeps max retries exceeded", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job := f.failedJob(t, testutil.RetryableJobRequest(0), errors.New("flaky"))

		_, err := f.svc.Retry(ctx, job.ID)
		var exceeded *domainjob.MaxRetriesExceededError
		require.ErrorAs(t, err, &exceeded)

		_, err = f.svc.Fail(ctx, job.ID, errors.New("late failure"))
		require.ErrorIs(t, err, domainjob.ErrInvalidTransition)

		stored, err := f.svc.GetStatus(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.Error)
		assert.Equal(t, domainjob.MaxRetriesExceededMessage, *stored.Error)
		require.NotNil(t, stored.ErrorClass)
		assert.Equal(t, ErrorClassTerminal, *stored.ErrorClass)
	})
}

func TestJobService_Retry(t *testing.T) {
	ctx := context.Background()

	t.Run("retries until the budget is spent", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job := f.failedJob(t, testutil.RetryableJobRequest(2), errors.New("flaky"))

		for want := 1; want <= 2; want++ {
			retried, err := f.svc.Retry(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusPending, retried.Status)
			assert.Equal(t, want, retried.RetryCount)
			assert.Nil(t, retried.Error)
			assert.Nil(t, retried.StartedAt)

			_, err = f.svc.Start(ctx, job.ID)
			require.NoError(t, err)
			_, err = f.svc.Fail(ctx, job.ID, errors.New("flaky"))
			require.NoError(t, err)
		}

		_, err := f.svc.Retry(ctx, job.ID)
		var exceeded *domainjob.MaxRetriesExceededError
		require.ErrorAs(t, err, &exceeded)
		assert.Equal(t, 2, exceeded.RetryCount)

		stored, err := f.svc.GetStatus(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, stored.Status)
		require.NotNil(t, stored.Error)
		assert.Equal(t, domainjob.MaxRetriesExceededMessage, *stored.Error)
		assert.Equal(t, 2, stored.RetryCount)
	})

	t.Run("zero budget never retries", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job := f.failedJob(t, testutil.RetryableJobRequest(0), errors.New("flaky"))

		_, err := f.svc.Retry(ctx, job.ID)
		var exceeded *domainjob.MaxRetriesExceededError
		require.ErrorAs(t, err, &exceeded)
	})

	t.Run("only failed jobs retry", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job := f.processingJob(t, testutil.HotelSearchRequest())

		_, err := f.svc.Retry(ctx, job.ID)
		require.ErrorIs(t, err, domainjob.ErrInvalidTransition)
	})

	t.Run("spent budget forces unfinished job to failed", func(t *testing.T) {
		tests := []struct {
			name  string
			start bool
		}{
			{name: "pending"},
			{name: "processing", start: true},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := newJobServiceFixture(t)
				job, err := f.svc.Create(ctx, testutil.RetryableJobRequest(0))
				require.NoError(t, err)
				if tt.start {
					_, err = f.svc.Start(ctx, job.ID)
					require.NoError(t, err)
				}

				_, err = f.svc.Retry(ctx, job.ID)
				var exceeded *domainjob.MaxRetriesExceededError
				require.ErrorAs(t, err, &exceeded)

				stored, err := f.svc.GetStatus(ctx, job.ID)
				require.NoError(t, err)
				assert.Equal(t, model.JobStatusFailed, stored.Status)
				require.NotNil(t, stored.Error)
				assert.Equal(t, domainjob.MaxRetriesExceededMessage, *stored.Error)
				assert.NotNil(t, stored.CompletedAt)

				_, err = f.svc.Start(ctx, job.ID)
				require.ErrorIs(t, err, domainjob.ErrInvalidTransition)
			})
		}
	})

	t.Run("completed job never retries", func(t *testing.T) {
		f := newJobServiceFixture(t)
		job := f.processingJob(t, testutil.RetryableJobRequest(0))
		_, err := f.svc.Complete(ctx, job.ID, nil)
		require.NoError(t, err)

		_, err = f.svc.Retry(ctx, job.ID)
		require.ErrorIs(t, err, domainjob.ErrInvalidTransition)
	})
}

func TestJobService_GetStatus(t *testing.T) {
	f := newJobServiceFixture(t)

	_, err := f.svc.GetStatus(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))

	_, err = f.svc.GetStatus(context.Background(), "")
	assert.True(t, apperrors.IsValidation(err))
}

func TestJobService_ClaimNext(t *testing.T) {
	ctx := context.Background()
	f := newJobServiceFixture(t)

	_, err := f.svc.ClaimNext(ctx, nil)
	require.ErrorIs(t, err, model.ErrNoJobsAvailable)

	low, err := f.svc.Create(ctx, testutil.LowPriorityJobRequest())
	require.NoError(t, err)
	high, err := f.svc.Create(ctx, testutil.HighPriorityJobRequest())
	require.NoError(t, err)

	claimed, err := f.svc.ClaimNext(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, high.ID, claimed.ID)
	assert.Equal(t, model.JobStatusProcessing, claimed.Status)

	claimed, err = f.svc.ClaimNext(ctx, []model.JobType{model.JobTypeHotelSearch})
	require.NoError(t, err)
	assert.Equal(t, low.ID, claimed.ID)
}

func TestJobService_ListStatsDelete(t *testing.T) {
	ctx := context.Background()
	f := newJobServiceFixture(t)

	pending, err := f.svc.Create(ctx, testutil.HotelSearchRequest())
	require.NoError(t, err)
	running := f.processingJob(t, testutil.FlightSearchRequest())

	jobs, err := f.svc.List(ctx, &model.JobListOptions{Limit: -1})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	stats, err := f.svc.Stats(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobStats{Pending: 1, Processing: 1}, *stats)

	err = f.svc.Delete(ctx, running.ID)
	assert.True(t, apperrors.IsConflict(err))
	require.NoError(t, f.svc.Delete(ctx, pending.ID))
	assert.True(t, apperrors.IsValidation(f.svc.Delete(ctx, "")))
}

func TestJobService_Events(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	events := mocks.NewMockJobEventPublisher(ctrl)

	var seen []model.JobEventType
	events.EXPECT().PublishJobEvent(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, ev model.JobEvent) error {
			seen = append(seen, ev.Type)
			if ev.Type == model.JobEventProgress {
				return errors.New("broker down")
			}
			return nil
		}).Times(4)

	f := newJobServiceFixture(t, func(o *JobServiceOptions) { o.Events = events })
	job := f.processingJob(t, testutil.HotelSearchRequest())
	_, err := f.svc.UpdateProgress(ctx, job.ID, model.ProgressUpdate{Percent: testutil.IntPtr(50)})
	require.NoError(t, err, "publish failures must not fail the transition")
	_, err = f.svc.Complete(ctx, job.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, []model.JobEventType{
		model.JobEventCreated, model.JobEventStarted, model.JobEventProgress, model.JobEventCompleted,
	}, seen)
}

func TestJobService_FailureNotifications(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads []notify.JobFailurePayload
	)
	notifier := failurenotifier.NewService(failurenotifier.Options{
		Sinks: []failurenotifier.SinkRegistration{{
			Name: "capture",
			Sink: notify.SinkFunc(func(_ context.Context, p notify.JobFailurePayload) error {
				mu.Lock()
				defer mu.Unlock()
				payloads = append(payloads, p)
				return nil
			}),
		}},
	})

	tests := []struct {
		name       string
		req        *model.CreateJobRequest
		cause      error
		wantNotify bool
	}{
		{name: "retryable with budget", req: testutil.RetryableJobRequest(2), cause: apperrors.Unavailable("503")},
		{name: "retryable without budget", req: testutil.RetryableJobRequest(0), cause: apperrors.Unavailable("503"), wantNotify: true},
		{name: "terminal", req: testutil.RetryableJobRequest(2), cause: apperrors.Validation("bad"), wantNotify: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mu.Lock()
			payloads = nil
			mu.Unlock()

			f := newJobServiceFixture(t, func(o *JobServiceOptions) { o.FailureNotifier = notifier })
			job := f.failedJob(t, tt.req, tt.cause)

			mu.Lock()
			defer mu.Unlock()
			if !tt.wantNotify {
				assert.Empty(t, payloads)
				return
			}
			require.Len(t, payloads, 1)
			assert.Equal(t, job.ID, payloads[0].JobID)
			assert.Equal(t, "hotel_search", payloads[0].JobType)
			assert.Equal(t, tt.cause.Error(), payloads[0].Error)
			assert.Equal(t, testutil.TestTime(), payloads[0].OccurredAt)
		})
	}

	t.Run("repeated fail does not notify twice", func(t *testing.T) {
		mu.Lock()
		payloads = nil
		mu.Unlock()

		f := newJobServiceFixture(t, func(o *JobServiceOptions) { o.FailureNotifier = notifier })
		job := f.failedJob(t, testutil.RetryableJobRequest(0), apperrors.Validation("bad"))
		_, err := f.svc.Fail(context.Background(), job.ID, errors.New("late failure"))
		require.Error(t, err)

		mu.Lock()
		defer mu.Unlock()
		assert.Len(t, payloads, 1)
	})
}

func TestJobService_RepositoryErrors(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	svc := MustNewJobService(JobServiceOptions{Repo: repo})

	dbErr := apperrors.Unavailable("connection reset")
	repo.EXPECT().Patch(gomock.Any(), "job-1", gomock.Any()).Return(nil, dbErr)
	_, err := svc.Start(ctx, "job-1")
	require.ErrorIs(t, err, dbErr)

	repo.EXPECT().List(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, opts *model.JobListOptions) ([]*model.Job, error) {
			assert.Equal(t, 1000, opts.Limit)
			assert.Equal(t, 0, opts.Offset)
			return nil, dbErr
		})
	_, err = svc.List(ctx, &model.JobListOptions{Limit: 5000, Offset: -3})
	require.ErrorIs(t, err, dbErr)

	repo.EXPECT().Stats(gomock.Any(), gomock.Nil()).Return(nil, dbErr)
	_, err = svc.Stats(ctx, nil)
	require.ErrorIs(t, err, dbErr)
}

func TestIsRetryable(t *testing.T) {
	terminal, retryable := ErrorClassTerminal, ErrorClassRetryable
	tests := []struct {
		name string
		job  *model.Job
		want bool
	}{
		{name: "nil", job: nil},
		{name: "not failed", job: &model.Job{Status: model.JobStatusProcessing, MaxRetries: 3}},
		{name: "terminal class", job: &model.Job{Status: model.JobStatusFailed, ErrorClass: &terminal, MaxRetries: 3}},
		{name: "budget spent", job: &model.Job{Status: model.JobStatusFailed, ErrorClass: &retryable, RetryCount: 3, MaxRetries: 3}},
		{name: "retryable", job: &model.Job{Status: model.JobStatusFailed, ErrorClass: &retryable, MaxRetries: 3}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.job))
		})
	}
}
