package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/statsd"
)

func TestNewFanout(t *testing.T) {
	assert.Equal(t, statsd.Nop{}, NewFanout())
	assert.Equal(t, statsd.Nop{}, NewFanout(nil, nil))

	one := &recordingSink{}
	assert.Same(t, one, NewFanout(nil, one))
}

func TestFanout_ForwardsToAll(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	sink := NewFanout(a, b)

	tags := map[string]string{"operation": "hotel.fetch"}
	sink.Count("call.retry", 1, tags)
	sink.Gauge("call.attempts", 2, tags)
	sink.Timing("call.duration", time.Second, tags)

	for _, r := range []*recordingSink{a, b} {
		require.Len(t, r.seen, 3)
		assert.Equal(t, "hotel.fetch", r.seen[0].tags["operation"])
	}

	a.seen[0].tags["operation"] = "mutated"
	assert.Equal(t, "hotel.fetch", b.seen[0].tags["operation"])
	assert.Equal(t, "hotel.fetch", tags["operation"])
}
