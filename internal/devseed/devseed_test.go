package devseed

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/data"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/service"
)

func TestSampleJobs(t *testing.T) {
	seen := map[model.JobType]bool{}
	for _, req := range SampleJobs() {
		seen[req.Type] = true

		var payload model.SearchPayload
		require.NoError(t, json.Unmarshal(req.Payload, &payload))
		require.NoError(t, payload.Validate(), "sample for %s must validate", req.Type)
	}
	for _, jt := range model.AllJobTypes() {
		assert.True(t, seen[jt], "missing sample for %s", jt)
	}
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	jobs := service.MustNewJobService(service.JobServiceOptions{
		Repo: data.NewMemoryJobRepo(data.RepoConfig{}),
	})

	created, err := Run(ctx, jobs, nil)
	require.NoError(t, err)
	assert.Equal(t, len(SampleJobs()), created)

	again, err := Run(ctx, jobs, nil)
	require.NoError(t, err)
	assert.Zero(t, again, "pending samples must not be duplicated")

	stats, err := jobs.Stats(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, len(SampleJobs()), stats.Pending)

	_, err = Run(ctx, nil, nil)
	require.Error(t, err)
}
