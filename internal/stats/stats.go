// Package stats defines the metrics collaborators consumed by the stream
// transport. Implementations: a no-op registry (the default when the host
// provides nothing), an in-memory registry for tests, and a Prometheus-backed
// registry for production.
package stats

import "sync"

// Counter is a monotonically increasing counter.
type Counter interface {
	Incr()
	Add(delta int64)
}

// Stat records a distribution of observed values.
type Stat interface {
	Observe(value float64)
}

// Registry creates named counters and stats. Names are dot-separated, e.g.
// "stream.local.reset". Registries must be safe for concurrent use.
type Registry interface {
	Counter(name string) Counter
	Stat(name string) Stat
}

type nopCounter struct{}

func (nopCounter) Incr()     {}
func (nopCounter) Add(int64) {}

type nopStat struct{}

func (nopStat) Observe(float64) {}

type nopRegistry struct{}

func (nopRegistry) Counter(string) Counter { return nopCounter{} }
func (nopRegistry) Stat(string) Stat       { return nopStat{} }

// NewNop returns a registry that records nothing.
func NewNop() Registry { return nopRegistry{} }

// InMemory is a Registry that keeps counts and observations in maps, for
// inspection from tests.
type InMemory struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	stats    map[string]*memStat
}

// NewInMemory returns an empty in-memory registry.
func NewInMemory() *InMemory {
	return &InMemory{
		counters: make(map[string]*memCounter),
		stats:    make(map[string]*memStat),
	}
}

// Counter returns the named counter, creating it on first use.
func (m *InMemory) Counter(name string) Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[name]
	if !ok {
		c = &memCounter{}
		m.counters[name] = c
	}
	return c
}

// Stat returns the named stat, creating it on first use.
func (m *InMemory) Stat(name string) Stat {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[name]
	if !ok {
		s = &memStat{}
		m.stats[name] = s
	}
	return s
}

// CounterValue returns the current value of the named counter, or 0 if it was
// never used.
func (m *InMemory) CounterValue(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c.value()
	}
	return 0
}

// StatSum returns the sum of all values observed by the named stat.
func (m *InMemory) StatSum(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stats[name]; ok {
		return s.sum()
	}
	return 0
}

type memCounter struct {
	mu sync.Mutex
	v  int64
}

func (c *memCounter) Incr() { c.Add(1) }

func (c *memCounter) Add(delta int64) {
	c.mu.Lock()
	c.v += delta
	c.mu.Unlock()
}

func (c *memCounter) value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

type memStat struct {
	mu   sync.Mutex
	vals []float64
}

func (s *memStat) Observe(v float64) {
	s.mu.Lock()
	s.vals = append(s.vals, v)
	s.mu.Unlock()
}

func (s *memStat) sum() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, v := range s.vals {
		total += v
	}
	return total
}
