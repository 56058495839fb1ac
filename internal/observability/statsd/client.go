// Package statsd emits counters, gauges and timings over UDP in the DogStatsD line format.
//
// The executor and batch layers emit several metrics per call, so the client coalesces
// lines into packets of at most MaxPacketSize bytes. A packet is sent when the next line
// would not fit, on every FlushInterval tick, and on Close.
package statsd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
)

const (
	// DefaultMaxPacketSize keeps a packet inside a typical 1500 byte MTU.
	DefaultMaxPacketSize = 1432
	// DefaultFlushInterval bounds how long a buffered line waits.
	DefaultFlushInterval = time.Second
)

// Sink describes the minimal interface required to emit StatsD-style metrics.
type Sink interface {
	Count(name string, value int64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, value time.Duration, tags map[string]string)
}

// Nop is a Sink that drops everything.
type Nop struct{}

func (Nop) Count(string, int64, map[string]string)          {}
func (Nop) Gauge(string, float64, map[string]string)        {}
func (Nop) Timing(string, time.Duration, map[string]string) {}

// Config describes how to connect to a StatsD-compatible sink.
type Config struct {
	Enabled       bool
	Address       string
	Prefix        string
	GlobalTags    map[string]string
	MaxPacketSize int           // Optional: defaults to DefaultMaxPacketSize
	FlushInterval time.Duration // Optional: defaults to DefaultFlushInterval
	Clock         quartz.Clock  // Optional: drives the flush ticker
	Logger        *slog.Logger
}

type kind string

const (
	kindCount  kind = "c"
	kindGauge  kind = "g"
	kindTiming kind = "ms"
)

// Client buffers metric lines and writes them over UDP. It is safe for concurrent use.
type Client struct {
	prefix     string
	globalTags map[string]string
	maxPacket  int
	logger     *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	buf     []byte
	pending int

	dropped atomic.Uint64
	stop    chan struct{}
	done    chan struct{}
}

var _ Sink = (*Client)(nil)

// NewClient dials the configured endpoint unless disabled. A disabled client is a
// valid Sink that drops everything.
func NewClient(cfg Config) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return Dial(ctx, cfg)
}

// Dial is NewClient with a caller-supplied dial context.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxPacket := cfg.MaxPacketSize
	if maxPacket <= 0 {
		maxPacket = DefaultMaxPacketSize
	}

	c := &Client{
		prefix:     sanitizePrefix(cfg.Prefix),
		globalTags: cloneTags(cfg.GlobalTags),
		maxPacket:  maxPacket,
		logger:     logger.With("component", "statsd"),
	}

	address := strings.TrimSpace(cfg.Address)
	if !cfg.Enabled || address == "" {
		return c, nil
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("statsd dial %s: %w", address, err)
	}
	c.conn = conn
	c.buf = make([]byte, 0, maxPacket)

	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	ticker := clock.NewTicker(interval, "statsd", "flush")
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.flushLoop(ticker, c.stop, c.done)

	return c, nil
}

// Enabled reports whether the client actively emits metrics.
func (c *Client) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Dropped returns the number of lines discarded because they were oversized or their
// packet failed to send.
func (c *Client) Dropped() uint64 {
	if c == nil {
		return 0
	}
	return c.dropped.Load()
}

// Count increments a counter metric.
func (c *Client) Count(name string, value int64, tags map[string]string) {
	c.record(name, strconv.FormatInt(value, 10), kindCount, tags)
}

// Gauge records the current value for a gauge metric.
func (c *Client) Gauge(name string, value float64, tags map[string]string) {
	c.record(name, formatFloat(value), kindGauge, tags)
}

// Timing records a timing metric in milliseconds.
func (c *Client) Timing(name string, value time.Duration, tags map[string]string) {
	c.record(name, formatFloat(float64(value)/float64(time.Millisecond)), kindTiming, tags)
}

// Flush sends any buffered lines now.
func (c *Client) Flush() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

// Close stops the flush loop, sends buffered lines and releases the connection.
// It is safe to call more than once.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.flushLocked()
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) flushLoop(ticker *quartz.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}

func (c *Client) record(name, value string, k kind, tags map[string]string) {
	if c == nil {
		return
	}
	line := c.encodeLine(name, value, k, tags)
	if line == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	if len(line) > c.maxPacket {
		c.dropped.Add(1)
		c.logger.Debug("statsd line exceeds packet size", "metric", name, "bytes", len(line))
		return
	}
	if c.pending > 0 && len(c.buf)+1+len(line) > c.maxPacket {
		c.flushLocked()
	}
	if c.pending > 0 {
		c.buf = append(c.buf, '\n')
	}
	c.buf = append(c.buf, line...)
	c.pending++
}

func (c *Client) flushLocked() {
	if c.pending == 0 || c.conn == nil {
		return
	}
	if _, err := c.conn.Write(c.buf); err != nil {
		c.dropped.Add(uint64(c.pending))
		c.logger.Debug("statsd write failed", "lines", c.pending, "error", err)
	}
	c.buf = c.buf[:0]
	c.pending = 0
}

// encodeLine renders one metric as name:value|kind|#tags. It returns "" for unnamed metrics.
func (c *Client) encodeLine(name, value string, k kind, tags map[string]string) string {
	metric := c.metricName(name)
	if metric == "" {
		return ""
	}
	return metric + ":" + value + "|" + string(k) + formatTags(c.globalTags, tags)
}

func (c *Client) metricName(name string) string {
	normalized := normalizeMetricName(name)
	if normalized == "" {
		return ""
	}
	if c.prefix == "" {
		return normalized
	}
	return c.prefix + "." + normalized
}

func sanitizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), ".")
}

var metricNameReplacer = strings.NewReplacer(" ", "_", "/", "_", ":", "_", "|", "_", "@", "_", "\n", "_")

func normalizeMetricName(name string) string {
	n := metricNameReplacer.Replace(strings.TrimSpace(name))
	for strings.Contains(n, "..") {
		n = strings.ReplaceAll(n, "..", ".")
	}
	return strings.Trim(n, ".")
}

// Tag keys and values may not carry the DogStatsD separators.
var tagReplacer = strings.NewReplacer(",", "_", "|", "_", "#", "_", "\n", "_")

func cleanTag(s string) string {
	return tagReplacer.Replace(strings.TrimSpace(s))
}

func formatTags(global, local map[string]string) string {
	if len(global)+len(local) == 0 {
		return ""
	}

	merged := make(map[string]string, len(global)+len(local))
	for _, src := range []map[string]string{global, local} {
		for k, v := range src {
			if key := strings.ReplaceAll(cleanTag(k), ":", "_"); key != "" {
				merged[key] = cleanTag(v)
			}
		}
	}
	if len(merged) == 0 {
		return ""
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("|#")
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(merged[k])
	}
	return b.String()
}

func cloneTags(tags map[string]string) map[string]string {
	cp := make(map[string]string, len(tags))
	for k, v := range tags {
		if key := strings.TrimSpace(k); key != "" {
			cp[key] = strings.TrimSpace(v)
		}
	}
	return cp
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
