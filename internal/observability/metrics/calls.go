package metrics

import (
	"strconv"
	"time"

	obserrors "github.com/mrlancelot/fantastic-spork-sub001/internal/observability/errors"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/statsd"
)

// Call outcomes reported by the resilient executor.
const (
	OutcomeSuccess   = "success"
	OutcomeCacheHit  = "cache_hit"
	OutcomeTerminal  = "terminal"
	OutcomeExhausted = "exhausted"
	OutcomeCanceled  = "canceled"
)

// CallMetric describes one finished resilient call.
type CallMetric struct {
	Operation string
	Outcome   string
	Attempts  int
	Duration  time.Duration
	Err       error
}

// EmitCall records the outcome, attempt count and duration of a call.
func EmitCall(sink statsd.Sink, in CallMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"operation": in.Operation,
		"outcome":   in.Outcome,
	}
	if in.Err != nil {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("call.outcome", 1, tags)
	if in.Attempts > 0 {
		sink.Gauge("call.attempts", float64(in.Attempts), map[string]string{"operation": in.Operation})
	}
	if in.Duration > 0 {
		sink.Timing("call.duration", in.Duration, map[string]string{"operation": in.Operation, "outcome": in.Outcome})
	}
}

// EmitRetry records that attempt failed with class and another attempt follows after delay.
func EmitRetry(sink statsd.Sink, operation string, attempt int, class string, delay time.Duration) {
	if sink == nil {
		return
	}
	sink.Count("call.retry", 1, map[string]string{
		"operation": operation,
		"attempt":   strconv.Itoa(attempt),
		"class":     class,
	})
	sink.Timing("call.backoff", delay, map[string]string{"operation": operation})
}

// EmitBatch records a finished batch and how many items failed.
func EmitBatch(sink statsd.Sink, name string, size, failed int, d time.Duration) {
	if sink == nil {
		return
	}
	tags := map[string]string{"batch": name}
	sink.Count("batch.items", int64(size), tags)
	if failed > 0 {
		sink.Count("batch.failed", int64(failed), CloneTags(tags))
	}
	sink.Timing("batch.duration", d, CloneTags(tags))
}
