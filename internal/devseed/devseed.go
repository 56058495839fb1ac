// Package devseed enqueues sample search jobs for local development.
package devseed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/service"
)

// Run creates one sample job per entry in SampleJobs. A type that already has a pending
// job is skipped so repeated runs do not grow the queue. It returns the number of jobs
// created.
func Run(ctx context.Context, jobs *service.JobService, logger *slog.Logger) (int, error) {
	if jobs == nil {
		return 0, errors.New("job service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	created, failures := 0, 0
	for _, req := range SampleJobs() {
		exists, err := hasPending(ctx, jobs, req.Type)
		if err != nil {
			logger.ErrorContext(ctx, "failed to check pending jobs", "type", req.Type, "error", err)
			failures++
			continue
		}
		if exists {
			logger.InfoContext(ctx, "pending sample job already exists", "type", req.Type)
			continue
		}

		job, err := jobs.Create(ctx, req)
		if err != nil {
			logger.ErrorContext(ctx, "failed to create sample job", "type", req.Type, "error", err)
			failures++
			continue
		}
		logger.InfoContext(ctx, "created sample job", "type", job.Type, "job_id", job.ID)
		created++
	}

	if failures > 0 {
		return created, fmt.Errorf("%d seed errors; check logs", failures)
	}
	return created, nil
}

func hasPending(ctx context.Context, jobs *service.JobService, t model.JobType) (bool, error) {
	status := model.JobStatusPending
	list, err := jobs.List(ctx, &model.JobListOptions{Status: &status, Type: &t, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(list) > 0, nil
}

// SampleJobs returns one search request per job type, pointed at example hosts.
func SampleJobs() []*model.CreateJobRequest {
	return []*model.CreateJobRequest{
		sample(model.JobTypeFlightSearch, model.SearchPayload{
			Destination: "LIS",
			CheckIn:     "2026-11-20",
			Guests:      2,
			Targets: []model.SearchTarget{
				{Name: "example-air", URL: "https://flights.example.com/search?to=LIS"},
			},
		}),
		sample(model.JobTypeHotelSearch, model.SearchPayload{
			Destination: "Lisbon",
			CheckIn:     "2026-11-20",
			CheckOut:    "2026-11-24",
			Guests:      2,
			Targets: []model.SearchTarget{
				{Name: "example-stays", URL: "https://hotels.example.com/lisbon"},
				{Name: "example-rooms", URL: "https://rooms.example.org/lisbon"},
			},
			Select: "{title: title, url: url}",
		}),
		sample(model.JobTypeRestaurantSearch, model.SearchPayload{
			Destination: "Lisbon",
			Targets: []model.SearchTarget{
				{Name: "example-eats", URL: "https://eats.example.com/lisbon"},
			},
		}),
		sample(model.JobTypeTripPlan, model.SearchPayload{
			Destination: "Lisbon",
			CheckIn:     "2026-11-20",
			CheckOut:    "2026-11-24",
			Guests:      2,
			Targets: []model.SearchTarget{
				{Name: "example-air", URL: "https://flights.example.com/search?to=LIS", Kind: model.JobTypeFlightSearch},
				{Name: "example-stays", URL: "https://hotels.example.com/lisbon", Kind: model.JobTypeHotelSearch},
				{Name: "example-eats", URL: "https://eats.example.com/lisbon", Kind: model.JobTypeRestaurantSearch},
			},
		}),
	}
}

func sample(t model.JobType, payload model.SearchPayload) *model.CreateJobRequest {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("marshal sample payload: %v", err)) //nolint:forbidigo // static payloads always encode
	}
	return &model.CreateJobRequest{Type: t, Payload: raw}
}
