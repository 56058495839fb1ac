package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mrlancelot/fantastic-spork-sub001/internal/errors"
)

func TestEmitJobLifecycle(t *testing.T) {
	tests := []struct {
		name         string
		in           JobMetric
		wantClass    string
		wantDuration bool
	}{
		{
			name: "success without duration",
			in:   JobMetric{JobType: "hotel_search", Transition: TransitionCreate, Result: ResultSuccess},
		},
		{
			name:         "success with duration",
			in:           JobMetric{JobType: "hotel_search", Transition: TransitionComplete, Result: ResultSuccess, Duration: time.Second},
			wantDuration: true,
		},
		{
			name:      "error is classified",
			in:        JobMetric{JobType: "flight_search", Transition: TransitionFail, Result: ResultError, Err: apperrors.Unavailable("down")},
			wantClass: "unavailable",
		},
		{
			name: "error ignored on success",
			in:   JobMetric{JobType: "flight_search", Transition: TransitionFail, Result: ResultSuccess, Err: errors.New("x")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			EmitJobLifecycle(sink, tt.in)

			counts := sink.named("job.transition")
			require.Len(t, counts, 1)
			assert.Equal(t, tt.in.JobType, counts[0].tags["job_type"])
			assert.Equal(t, tt.in.Transition, counts[0].tags["transition"])
			assert.Equal(t, tt.in.Result, counts[0].tags["result"])
			assert.Equal(t, tt.wantClass, counts[0].tags["error_class"])

			assert.Equal(t, tt.wantDuration, len(sink.named("job.duration")) == 1)
		})
	}
}

func TestEmitJobLifecycle_NilSink(t *testing.T) {
	assert.NotPanics(t, func() {
		EmitJobLifecycle(nil, JobMetric{JobType: "hotel_search"})
	})
}

func TestCloneTags(t *testing.T) {
	assert.Nil(t, CloneTags(nil))

	src := map[string]string{"a": "1"}
	dst := CloneTags(src)
	dst["a"] = "2"
	assert.Equal(t, "1", src["a"])
}
