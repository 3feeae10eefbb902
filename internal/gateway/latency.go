package gateway

import (
	"sort"
	"sync"
)

// LatencyTracker keeps a bounded ring of end-to-end latency samples
// (publish timestamp to broadcast time, in milliseconds) and answers
// percentile queries over whatever the ring currently holds. Safe for
// concurrent use.
type LatencyTracker struct {
	mu   sync.Mutex
	ring []float64
	w    int // next write slot
	n    int // samples held, <= len(ring)
}

// NewLatencyTracker creates a tracker holding the most recent `capacity`
// samples.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LatencyTracker{ring: make([]float64, capacity)}
}

// Record adds one latency sample in milliseconds, evicting the oldest
// sample once the ring is full.
func (lt *LatencyTracker) Record(ms float64) {
	lt.mu.Lock()
	lt.ring[lt.w] = ms
	lt.w = (lt.w + 1) % len(lt.ring)
	if lt.n < len(lt.ring) {
		lt.n++
	}
	lt.mu.Unlock()
}

// snapshot copies the held samples out under the lock. Order within the
// copy does not matter to the callers, so no unwrapping is done.
func (lt *LatencyTracker) snapshot() []float64 {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	out := make([]float64, lt.n)
	copy(out, lt.ring[:lt.n])
	return out
}

// Percentiles returns p50, p95 and p99 over the held samples, or zeros
// when nothing has been recorded yet.
func (lt *LatencyTracker) Percentiles() (p50, p95, p99 float64) {
	s := lt.snapshot()
	if len(s) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(s)
	return rankInterp(s, 0.50), rankInterp(s, 0.95), rankInterp(s, 0.99)
}

// Average returns the mean of the held samples, or 0 when empty.
func (lt *LatencyTracker) Average() float64 {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.n == 0 {
		return 0
	}
	var total float64
	for _, v := range lt.ring[:lt.n] {
		total += v
	}
	return total / float64(lt.n)
}

// Count reports how many samples the ring currently holds.
func (lt *LatencyTracker) Count() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.n
}

// rankInterp evaluates percentile p (0..1) on a sorted slice with linear
// interpolation between the two straddling ranks.
func rankInterp(sorted []float64, p float64) float64 {
	last := len(sorted) - 1
	pos := p * float64(last)
	lo := int(pos)
	if lo >= last {
		return sorted[last]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
