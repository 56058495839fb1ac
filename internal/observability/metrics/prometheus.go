package metrics

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/observability/statsd"
)

// PrometheusSink adapts the statsd.Sink vocabulary onto a Prometheus registry.
// Collectors are created lazily on first use; the label set of a metric is fixed
// by the tags of its first observation. Later missing labels are reported empty
// and unknown labels are dropped.
type PrometheusSink struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*labeled[*prometheus.CounterVec]
	gauges     map[string]*labeled[*prometheus.GaugeVec]
	histograms map[string]*labeled[*prometheus.HistogramVec]
}

type labeled[V any] struct {
	vec  V
	keys []string
}

var _ statsd.Sink = (*PrometheusSink)(nil)

// NewPrometheusSink creates a sink registering into reg. A nil reg gets a fresh registry.
func NewPrometheusSink(namespace string, reg *prometheus.Registry) *PrometheusSink {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &PrometheusSink{
		namespace:  sanitizeName(namespace),
		registry:   reg,
		counters:   make(map[string]*labeled[*prometheus.CounterVec]),
		gauges:     make(map[string]*labeled[*prometheus.GaugeVec]),
		histograms: make(map[string]*labeled[*prometheus.HistogramVec]),
	}
}

// Registry exposes the underlying registry.
func (s *PrometheusSink) Registry() *prometheus.Registry { return s.registry }

// Handler serves the registry in the Prometheus exposition format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// Count implements statsd.Sink.
func (s *PrometheusSink) Count(name string, value int64, tags map[string]string) {
	if s == nil || value < 0 {
		return
	}
	s.mu.Lock()
	c, ok := s.counters[name]
	if !ok {
		keys := tagKeys(tags)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      sanitizeName(name) + "_total",
			Help:      "Count of " + name + " events.",
		}, keys)
		c = &labeled[*prometheus.CounterVec]{vec: registerOrExisting(s.registry, vec), keys: keys}
		s.counters[name] = c
	}
	s.mu.Unlock()

	c.vec.WithLabelValues(labelValues(c.keys, tags)...).Add(float64(value))
}

// Gauge implements statsd.Sink.
func (s *PrometheusSink) Gauge(name string, value float64, tags map[string]string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	g, ok := s.gauges[name]
	if !ok {
		keys := tagKeys(tags)
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: s.namespace,
			Name:      sanitizeName(name),
			Help:      "Last value of " + name + ".",
		}, keys)
		g = &labeled[*prometheus.GaugeVec]{vec: registerOrExisting(s.registry, vec), keys: keys}
		s.gauges[name] = g
	}
	s.mu.Unlock()

	g.vec.WithLabelValues(labelValues(g.keys, tags)...).Set(value)
}

// Timing implements statsd.Sink. Durations are observed in seconds.
func (s *PrometheusSink) Timing(name string, value time.Duration, tags map[string]string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	h, ok := s.histograms[name]
	if !ok {
		keys := tagKeys(tags)
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: s.namespace,
			Name:      sanitizeName(name) + "_seconds",
			Help:      "Distribution of " + name + " in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, keys)
		h = &labeled[*prometheus.HistogramVec]{vec: registerOrExisting(s.registry, vec), keys: keys}
		s.histograms[name] = h
	}
	s.mu.Unlock()

	h.vec.WithLabelValues(labelValues(h.keys, tags)...).Observe(value.Seconds())
}

// registerOrExisting registers c, returning the already registered collector on conflict.
func registerOrExisting[C prometheus.Collector](reg *prometheus.Registry, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func tagKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, sanitizeName(k))
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

func labelValues(keys []string, tags map[string]string) []string {
	byKey := make(map[string]string, len(tags))
	for k, v := range tags {
		byKey[sanitizeName(k)] = v
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = byKey[k]
	}
	return out
}

// sanitizeName maps a dotted StatsD name onto the Prometheus name alphabet.
func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
