package metrics

import (
	"time"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/statsd"
)

// Fanout forwards every observation to each configured sink.
type Fanout []statsd.Sink

var _ statsd.Sink = Fanout(nil)

// NewFanout drops nil sinks. It returns statsd.Nop when nothing remains and
// the sole sink when only one does.
func NewFanout(sinks ...statsd.Sink) statsd.Sink {
	out := make(Fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return statsd.Nop{}
	case 1:
		return out[0]
	default:
		return out
	}
}

// Count implements statsd.Sink.
func (f Fanout) Count(name string, value int64, tags map[string]string) {
	for _, s := range f {
		s.Count(name, value, CloneTags(tags))
	}
}

// Gauge implements statsd.Sink.
func (f Fanout) Gauge(name string, value float64, tags map[string]string) {
	for _, s := range f {
		s.Gauge(name, value, CloneTags(tags))
	}
}

// Timing implements statsd.Sink.
func (f Fanout) Timing(name string, value time.Duration, tags map[string]string) {
	for _, s := range f {
		s.Timing(name, value, CloneTags(tags))
	}
}
