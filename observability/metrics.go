// Package observability implements the Observability component (C9):
// atomic request/cache/upstream counters plus per-operation latency
// histograms, grounded on monitoring/metrics.go's MetricsCollector,
// RingBuffer and calculateLatencyStats.
package observability

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counters holds the high-frequency counters spec.md §4.9 requires.
type Counters struct {
	RequestsTotal      int64 `json:"requests_total"`
	CacheHitsTotal     int64 `json:"cache_hits_total"`
	CacheMissesTotal   int64 `json:"cache_misses_total"`
	StaleServedTotal   int64 `json:"stale_served_total"`
	UpstreamCalls      int64 `json:"upstream_calls"`
	UpstreamErrors     int64 `json:"upstream_errors"`
	CircuitOpensTotal  int64 `json:"circuit_opens_total"`
	ValidationErrors   int64 `json:"validation_errors"`
	StaleEntriesGauge  int64 `json:"stale_entries"` // last observed count from the stale-entry sweep
}

// LatencyStats holds percentile statistics over a latency sample window.
type LatencyStats struct {
	Min, Max, Avg      float64
	P50, P90, P95, P99 float64
	Count              int
}

// Metrics is the process-wide observability sink. One Metrics instance is
// shared by Query Service and its collaborators.
type Metrics struct {
	requestsTotal     atomic.Int64
	cacheHits         atomic.Int64
	cacheMisses       atomic.Int64
	staleServed       atomic.Int64
	upstreamCalls     atomic.Int64
	upstreamErrors    atomic.Int64
	circuitOpens      atomic.Int64
	validationErrors  atomic.Int64
	staleEntriesGauge atomic.Int64

	latency map[string]*ringBuffer
	mu      sync.RWMutex // guards creation of per-operation ring buffers
}

// New returns a ready-to-use Metrics sink, keeping the last 1,000 latency
// samples per operation (spec.md §4.9).
func New() *Metrics {
	m := &Metrics{latency: make(map[string]*ringBuffer)}
	active = m
	return m
}

// RecordRequest increments the request counter and records latency under
// operation (e.g. "details", "search").
func (m *Metrics) RecordRequest(operation string, latency time.Duration) {
	m.requestsTotal.Add(1)
	m.bufferFor(operation).add(float64(latency.Milliseconds()))
}

// RecordCacheHit records a cache hit, distinguishing a stale-served
// response for scenario 3's stale-while-revalidate accounting.
func (m *Metrics) RecordCacheHit(stale bool) {
	m.cacheHits.Add(1)
	if stale {
		m.staleServed.Add(1)
	}
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Add(1)
}

// RecordUpstreamCall records an upstream attempt and, if err is non-nil,
// the corresponding error.
func (m *Metrics) RecordUpstreamCall(err error) {
	m.upstreamCalls.Add(1)
	if err != nil {
		m.upstreamErrors.Add(1)
	}
}

// RecordCircuitOpen records a circuit-breaker trip.
func (m *Metrics) RecordCircuitOpen() {
	m.circuitOpens.Add(1)
}

// RecordValidationError records a rejected request.
func (m *Metrics) RecordValidationError() {
	m.validationErrors.Add(1)
}

// SetStaleEntries records the most recent stale-row count observed by the
// periodic cache-staleness sweep (queryservice/sweep.go). It's a gauge, not
// a counter: each call replaces the previous value.
func (m *Metrics) SetStaleEntries(n int) {
	m.staleEntriesGauge.Store(int64(n))
}

// Counters returns a snapshot of the atomic counters.
func (m *Metrics) Counters() Counters {
	return Counters{
		RequestsTotal:     m.requestsTotal.Load(),
		CacheHitsTotal:    m.cacheHits.Load(),
		CacheMissesTotal:  m.cacheMisses.Load(),
		StaleServedTotal:  m.staleServed.Load(),
		UpstreamCalls:     m.upstreamCalls.Load(),
		UpstreamErrors:    m.upstreamErrors.Load(),
		CircuitOpensTotal: m.circuitOpens.Load(),
		ValidationErrors:  m.validationErrors.Load(),
		StaleEntriesGauge: m.staleEntriesGauge.Load(),
	}
}

// LatencyStats returns percentile statistics for operation's recorded
// samples, or a zero value if nothing has been recorded yet.
func (m *Metrics) LatencyStats(operation string) LatencyStats {
	return calculateStats(m.bufferFor(operation).all())
}

// CacheHitRate returns the hit rate over all recorded cache lookups.
func (m *Metrics) CacheHitRate() float64 {
	hits := m.cacheHits.Load()
	misses := m.cacheMisses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func (m *Metrics) bufferFor(operation string) *ringBuffer {
	m.mu.RLock()
	rb, ok := m.latency[operation]
	m.mu.RUnlock()
	if ok {
		return rb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rb, ok := m.latency[operation]; ok {
		return rb
	}
	rb = newRingBuffer(1000)
	m.latency[operation] = rb
	return rb
}

// ringBuffer is a fixed-capacity circular buffer of latency samples,
// adapted from monitoring/metrics.go's RingBuffer but mutex-guarded
// throughout rather than lock-free, since per-operation contention here
// is far below a fleet-scale >1M events/sec design point.
type ringBuffer struct {
	mu     sync.Mutex
	values []float64
	next   int
	filled bool
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{values: make([]float64, size)}
}

func (rb *ringBuffer) add(v float64) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.values[rb.next] = v
	rb.next = (rb.next + 1) % len(rb.values)
	if rb.next == 0 {
		rb.filled = true
	}
}

func (rb *ringBuffer) all() []float64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if !rb.filled {
		out := make([]float64, rb.next)
		copy(out, rb.values[:rb.next])
		return out
	}
	out := make([]float64, len(rb.values))
	copy(out, rb.values)
	return out
}

// calculateStats computes percentile statistics from samples, ported from
// monitoring/metrics.go's calculateLatencyStats.
func calculateStats(values []float64) LatencyStats {
	if len(values) == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	min, max, sum := math.MaxFloat64, 0.0, 0.0
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}

	return LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(len(values)),
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
		Count: len(values),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
