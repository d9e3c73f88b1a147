package observability

import "sync"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// MemoryMetrics accumulates counters and gauges in memory, mainly for tests
// and end-of-run summaries.
type MemoryMetrics struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewMemoryMetrics constructs an empty in-memory collector.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

// IncCounter implements Metrics.
func (m *MemoryMetrics) IncCounter(name string, value float64, _ map[string]string) {
	m.mu.Lock()
	m.counters[name] += value
	m.mu.Unlock()
}

// ObserveHistogram implements Metrics. Observations fold into a counter sum.
func (m *MemoryMetrics) ObserveHistogram(name string, value float64, _ map[string]string) {
	m.mu.Lock()
	m.counters[name+"_sum"] += value
	m.counters[name+"_count"]++
	m.mu.Unlock()
}

// SetGauge implements Metrics.
func (m *MemoryMetrics) SetGauge(name string, value float64, _ map[string]string) {
	m.mu.Lock()
	m.gauges[name] = value
	m.mu.Unlock()
}

// Counter returns the accumulated value for a counter name.
func (m *MemoryMetrics) Counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Gauge returns the last recorded value for a gauge name.
func (m *MemoryMetrics) Gauge(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}
