package provider

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps the most recent provider call latencies.
type LatencyTracker struct {
	mu         sync.RWMutex
	samples    []time.Duration
	maxSamples int
}

type LatencyPercentiles struct {
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Count int
}

func NewLatencyTracker(maxSamples int) *LatencyTracker {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &LatencyTracker{
		samples:    make([]time.Duration, 0, maxSamples),
		maxSamples: maxSamples,
	}
}

// Observe records one call.
func (lt *LatencyTracker) Observe(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.samples = append(lt.samples, d)
	if excess := len(lt.samples) - lt.maxSamples; excess > 0 {
		lt.samples = lt.samples[excess:]
	}
}

func (lt *LatencyTracker) Percentiles() LatencyPercentiles {
	lt.mu.RLock()
	sorted := make([]time.Duration, len(lt.samples))
	copy(sorted, lt.samples)
	lt.mu.RUnlock()

	if len(sorted) == 0 {
		return LatencyPercentiles{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return LatencyPercentiles{
		P50:   percentile(sorted, 50),
		P95:   percentile(sorted, 95),
		P99:   percentile(sorted, 99),
		Count: len(sorted),
	}
}

// Stats renders the percentiles in milliseconds for the admin surface.
func (lt *LatencyTracker) Stats() map[string]interface{} {
	p := lt.Percentiles()
	return map[string]interface{}{
		"p50_ms":  p.P50.Milliseconds(),
		"p95_ms":  p.P95.Milliseconds(),
		"p99_ms":  p.P99.Milliseconds(),
		"samples": p.Count,
	}
}

// percentile interpolates linearly between the two nearest samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	index := (p / 100.0) * float64(len(sorted)-1)
	lower := int(index)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	weight := index - float64(lower)
	return time.Duration(float64(sorted[lower])*(1-weight) + float64(sorted[upper])*weight)
}
