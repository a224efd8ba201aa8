package stats

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is a Registry backed by a prometheus.Registerer. Dot-separated
// metric names are mapped to Prometheus names by replacing separators with
// underscores, e.g. "stream.local.data.bytes" under namespace "linkerd"
// becomes "linkerd_stream_local_data_bytes".
type Prometheus struct {
	namespace string
	reg       prometheus.Registerer

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	stats    map[string]prometheus.Histogram
}

// NewPrometheus returns a registry publishing to reg under the given
// namespace.
func NewPrometheus(namespace string, reg prometheus.Registerer) *Prometheus {
	return &Prometheus{
		namespace: namespace,
		reg:       reg,
		counters:  make(map[string]prometheus.Counter),
		stats:     make(map[string]prometheus.Histogram),
	}
}

// Counter returns the named counter, registering it on first use.
func (p *Prometheus) Counter(name string) Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counters[name]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      promName(name) + "_total",
			Help:      "Counter " + name,
		})
		p.reg.MustRegister(c)
		p.counters[name] = c
	}
	return promCounter{c}
}

// Stat returns the named histogram, registering it on first use.
func (p *Prometheus) Stat(name string) Stat {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.stats[name]
	if !ok {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      promName(name),
			Help:      "Stat " + name,
			Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
		})
		p.reg.MustRegister(h)
		p.stats[name] = h
	}
	return promStat{h}
}

func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", "/", "_").Replace(name)
}

type promCounter struct {
	c prometheus.Counter
}

func (p promCounter) Incr() { p.c.Inc() }

func (p promCounter) Add(delta int64) { p.c.Add(float64(delta)) }

type promStat struct {
	h prometheus.Histogram
}

func (p promStat) Observe(v float64) { p.h.Observe(v) }
