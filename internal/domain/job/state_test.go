package job

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/model"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/domain/retry"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.JobStatus
		want     bool
	}{
		{model.JobStatusPending, model.JobStatusProcessing, true},
		{model.JobStatusPending, model.JobStatusFailed, true},
		{model.JobStatusPending, model.JobStatusCompleted, false},
		{model.JobStatusProcessing, model.JobStatusCompleted, true},
		{model.JobStatusProcessing, model.JobStatusFailed, true},
		{model.JobStatusProcessing, model.JobStatusPending, false},
		{model.JobStatusCompleted, model.JobStatusCompleted, true},
		{model.JobStatusCompleted, model.JobStatusPending, false},
		{model.JobStatusCompleted, model.JobStatusFailed, false},
		{model.JobStatusFailed, model.JobStatusPending, true},
		{model.JobStatusFailed, model.JobStatusProcessing, false},
		{model.JobStatusFailed, model.JobStatusCompleted, false},
		{model.JobStatusFailed, model.JobStatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCheckTransition(t *testing.T) {
	j := &model.Job{ID: "j1", Status: model.JobStatusCompleted}

	require.NoError(t, CheckTransition(j, model.JobStatusCompleted))

	err := CheckTransition(j, model.JobStatusProcessing)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "completed to processing")
	assert.Equal(t, retry.Terminal, retry.DefaultClassifier().Classify(err))
}

func TestCheckProgress(t *testing.T) {
	tests := []struct {
		status  model.JobStatus
		wantErr bool
	}{
		{status: model.JobStatusPending},
		{status: model.JobStatusProcessing},
		{status: model.JobStatusCompleted, wantErr: true},
		{status: model.JobStatusFailed, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			err := CheckProgress(&model.Job{ID: "j1", Status: tt.status})
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrJobFinished)
			assert.False(t, errors.Is(err, ErrInvalidTransition))
			assert.True(t, retry.IsTerminal(err))
		})
	}
}
