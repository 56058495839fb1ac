package metrics

import (
	"sync"
	"time"
)

type observation struct {
	kind  string
	name  string
	value float64
	tags  map[string]string
}

type recordingSink struct {
	mu   sync.Mutex
	seen []observation
}

func (r *recordingSink) add(o observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, o)
}

func (r *recordingSink) Count(name string, value int64, tags map[string]string) {
	r.add(observation{kind: "count", name: name, value: float64(value), tags: tags})
}

func (r *recordingSink) Gauge(name string, value float64, tags map[string]string) {
	r.add(observation{kind: "gauge", name: name, value: value, tags: tags})
}

func (r *recordingSink) Timing(name string, value time.Duration, tags map[string]string) {
	r.add(observation{kind: "timing", name: name, value: value.Seconds(), tags: tags})
}

func (r *recordingSink) named(name string) []observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []observation
	for _, o := range r.seen {
		if o.name == name {
			out = append(out, o)
		}
	}
	return out
}
