package statsd

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizePrefix(t *testing.T) {
	tests := map[string]string{
		"  metrics.app  ": "metrics.app",
		"..foo..":         "foo",
		".":               "",
		"":                "",
	}
	for input, want := range tests {
		assert.Equal(t, want, sanitizePrefix(input), input)
	}
}

func TestNormalizeMetricName(t *testing.T) {
	tests := map[string]string{
		" job/metric ":    "job_metric",
		"call.attempt":    "call.attempt",
		"foo..bar":        "foo.bar",
		"multi  space":    "multi__space",
		"hotel:fetch|x@y": "hotel_fetch_x_y",
		"..":              "",
	}
	for input, want := range tests {
		assert.Equal(t, want, normalizeMetricName(input), input)
	}
}

func TestFormatTags(t *testing.T) {
	tests := []struct {
		name   string
		global map[string]string
		local  map[string]string
		want   string
	}{
		{name: "empty", want: ""},
		{
			name:   "local overrides global and keys sort",
			global: map[string]string{"env": "prod", " service ": " worker "},
			local:  map[string]string{"result": " success ", "": "ignored", "env": "stage"},
			want:   "|#env:stage,result:success,service:worker",
		},
		{
			name:  "separators are replaced",
			local: map[string]string{"url": "a,b|c#d", "op:name": "hotel.fetch"},
			want:  "|#op_name:hotel.fetch,url:a_b_c_d",
		},
		{
			name:  "only blank keys",
			local: map[string]string{" ": "x"},
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatTags(tt.global, tt.local))
		})
	}
}

func TestCloneTagsReturnsCopy(t *testing.T) {
	original := map[string]string{"env": "prod", "": "ignored"}
	cloned := cloneTags(original)

	cloned["env"] = "stage"
	assert.Equal(t, "prod", original["env"])
	assert.NotContains(t, cloned, "")
}

func TestEncodeLine(t *testing.T) {
	c := &Client{prefix: "tripcore", globalTags: map[string]string{"env": "test"}}

	assert.Equal(t, "tripcore.call.attempt:2|c|#env:test,operation:hotel.fetch",
		c.encodeLine("call.attempt", "2", kindCount, map[string]string{"operation": "hotel.fetch"}))
	assert.Equal(t, "tripcore.call.duration:1.5|ms|#env:test",
		c.encodeLine("call.duration", formatFloat(1.5), kindTiming, nil))
	assert.Empty(t, c.encodeLine("  ", "1", kindGauge, nil))
}

func TestNewClientDisabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "blank address", cfg: Config{Enabled: true, Address: "   "}},
		{name: "not enabled", cfg: Config{Address: "127.0.0.1:8125"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.cfg)
			require.NoError(t, err)
			assert.False(t, client.Enabled())

			client.Count("ignored", 1, nil)
			client.Flush()
			assert.Zero(t, client.Dropped())
			require.NoError(t, client.Close())
		})
	}
}

func TestNewClientDialError(t *testing.T) {
	_, err := NewClient(Config{Enabled: true, Address: "bad address"})
	require.ErrorContains(t, err, "statsd dial")
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	assert.False(t, c.Enabled())
	assert.Zero(t, c.Dropped())
	c.Count("x", 1, nil)
	c.Flush()
	require.NoError(t, c.Close())
}

// udpListener returns a local packet listener and a reader for its next packet.
func udpListener(t *testing.T) (string, func() string) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("udp listen unavailable: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	return pc.LocalAddr().String(), func() string {
		t.Helper()
		require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
		buf := make([]byte, 2048)
		n, _, err := pc.ReadFrom(buf)
		require.NoError(t, err)
		return string(buf[:n])
	}
}

func TestClientCoalescesLinesUntilFlushTick(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr, next := udpListener(t)
	clk := quartz.NewMock(t)
	client, err := Dial(ctx, Config{
		Enabled:       true,
		Address:       addr,
		Prefix:        "tripcore.",
		GlobalTags:    map[string]string{"env": "test"},
		FlushInterval: time.Second,
		Clock:         clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.True(t, client.Enabled())

	client.Count("call.attempt", 2, map[string]string{"operation": "hotel.fetch"})
	client.Gauge("jobs.pending", 3, nil)
	client.Timing("call.duration", 1500*time.Microsecond, nil)

	clk.Advance(time.Second).MustWait(ctx)

	assert.Equal(t, strings.Join([]string{
		"tripcore.call.attempt:2|c|#env:test,operation:hotel.fetch",
		"tripcore.jobs.pending:3|g|#env:test",
		"tripcore.call.duration:1.5|ms|#env:test",
	}, "\n"), next())
}

func TestClientSendsFullPacketBeforeOverflow(t *testing.T) {
	addr, next := udpListener(t)
	client, err := Dial(context.Background(), Config{
		Enabled:       true,
		Address:       addr,
		MaxPacketSize: 32,
		FlushInterval: time.Hour,
		Clock:         quartz.NewMock(t),
	})
	require.NoError(t, err)

	client.Count("batch.items", 5, nil)  // batch.items:5|c
	client.Count("batch.failed", 1, nil) // fits: 32 bytes with the separator
	client.Count("call.retry", 1, nil)   // overflows and sends the first two

	assert.Equal(t, "batch.items:5|c\nbatch.failed:1|c", next())

	require.NoError(t, client.Close())
	assert.Equal(t, "call.retry:1|c", next())
	assert.False(t, client.Enabled())
	require.NoError(t, client.Close())
}

func TestClientDropsOversizedLines(t *testing.T) {
	addr, next := udpListener(t)
	client, err := Dial(context.Background(), Config{
		Enabled:       true,
		Address:       addr,
		MaxPacketSize: 20,
		FlushInterval: time.Hour,
		Clock:         quartz.NewMock(t),
	})
	require.NoError(t, err)

	client.Count("executor.call.exhausted", 1, map[string]string{"operation": "flight.fetch"})
	client.Count("ok", 1, nil)
	client.Flush()

	assert.Equal(t, "ok:1|c", next())
	assert.Equal(t, uint64(1), client.Dropped())
	require.NoError(t, client.Close())
}
