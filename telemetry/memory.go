package telemetry

import (
	"sync"
	"time"
)

// MemoryMetrics accumulates counters in memory. It is used by tests to assert
// that a code path recorded a metric.
type MemoryMetrics struct {
	mu       sync.Mutex
	counters map[string]float64
	timers   map[string]int
}

// NewMemoryMetrics returns an empty MemoryMetrics.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{counters: make(map[string]float64), timers: make(map[string]int)}
}

func (m *MemoryMetrics) IncCounter(name string, value float64, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

func (m *MemoryMetrics) RecordTimer(name string, _ time.Duration, _ ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[name]++
}

// Counter returns the accumulated value of the named counter.
func (m *MemoryMetrics) Counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Timings returns how many durations were recorded for the named timer.
func (m *MemoryMetrics) Timings(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers[name]
}
