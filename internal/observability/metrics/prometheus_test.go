package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, family string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != family {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s %v not found", family, labels)
	return 0
}

func TestPrometheusSink_Count(t *testing.T) {
	sink := NewPrometheusSink("tripcore", nil)

	sink.Count("call.outcome", 1, map[string]string{"operation": "hotel.fetch", "outcome": "success"})
	sink.Count("call.outcome", 2, map[string]string{"operation": "hotel.fetch", "outcome": "success"})
	sink.Count("call.outcome", 1, map[string]string{"operation": "hotel.fetch", "outcome": "terminal"})

	reg := sink.Registry()
	assert.InDelta(t, 3.0, gatherValue(t, reg, "tripcore_call_outcome_total",
		map[string]string{"operation": "hotel.fetch", "outcome": "success"}), 0)
	assert.InDelta(t, 1.0, gatherValue(t, reg, "tripcore_call_outcome_total",
		map[string]string{"operation": "hotel.fetch", "outcome": "terminal"}), 0)
}

func TestPrometheusSink_LabelsFixedAtFirstUse(t *testing.T) {
	sink := NewPrometheusSink("tripcore", nil)

	sink.Count("job.transition", 1, map[string]string{"job_type": "hotel_search", "result": "success"})
	assert.NotPanics(t, func() {
		sink.Count("job.transition", 1, map[string]string{"job_type": "hotel_search", "result": "error", "error_class": "unavailable"})
		sink.Count("job.transition", 1, map[string]string{"job_type": "hotel_search"})
	})

	reg := sink.Registry()
	assert.InDelta(t, 1.0, gatherValue(t, reg, "tripcore_job_transition_total",
		map[string]string{"job_type": "hotel_search", "result": "error"}), 0)
	assert.InDelta(t, 1.0, gatherValue(t, reg, "tripcore_job_transition_total",
		map[string]string{"job_type": "hotel_search", "result": ""}), 0)
}

func TestPrometheusSink_GaugeAndTiming(t *testing.T) {
	sink := NewPrometheusSink("tripcore", nil)

	sink.Gauge("call.attempts", 2, map[string]string{"operation": "x"})
	sink.Gauge("call.attempts", 3, map[string]string{"operation": "x"})
	sink.Timing("call.duration", 120*time.Millisecond, map[string]string{"operation": "x"})
	sink.Timing("call.duration", 80*time.Millisecond, map[string]string{"operation": "x"})

	reg := sink.Registry()
	assert.InDelta(t, 3.0, gatherValue(t, reg, "tripcore_call_attempts", map[string]string{"operation": "x"}), 0)
	assert.InDelta(t, 2.0, gatherValue(t, reg, "tripcore_call_duration_seconds", map[string]string{"operation": "x"}), 0)
}

func TestPrometheusSink_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewPrometheusSink("tripcore", reg)
	b := NewPrometheusSink("tripcore", reg)

	a.Count("batch.items", 2, map[string]string{"batch": "search"})
	b.Count("batch.items", 3, map[string]string{"batch": "search"})

	assert.InDelta(t, 5.0, gatherValue(t, reg, "tripcore_batch_items_total", map[string]string{"batch": "search"}), 0)
}

func TestPrometheusSink_Handler(t *testing.T) {
	sink := NewPrometheusSink("tripcore", nil)
	sink.Count("call.retry", 1, map[string]string{"operation": "hotel.fetch"})

	srv := httptest.NewServer(sink.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `tripcore_call_retry_total{operation="hotel.fetch"} 1`)
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"call.outcome": "call_outcome",
		"job-duration": "job_duration",
		"9lives":       "_9lives",
		"ok_name":      "ok_name",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, sanitizeName(in))
		})
	}
}
