package gateway

import (
	"math"
	"testing"
)

func TestLatencyTracker_EmptyReportsZeros(t *testing.T) {
	lt := NewLatencyTracker(100)
	if p50, p95, p99 := lt.Percentiles(); p50 != 0 || p95 != 0 || p99 != 0 {
		t.Errorf("percentiles on empty tracker = (%v, %v, %v), want zeros", p50, p95, p99)
	}
	if lt.Average() != 0 {
		t.Errorf("Average on empty tracker = %v, want 0", lt.Average())
	}
	if lt.Count() != 0 {
		t.Errorf("Count on empty tracker = %d, want 0", lt.Count())
	}
}

func TestLatencyTracker_OneSampleIsEveryPercentile(t *testing.T) {
	lt := NewLatencyTracker(100)
	lt.Record(42.5)
	p50, p95, p99 := lt.Percentiles()
	for _, p := range []float64{p50, p95, p99} {
		if p != 42.5 {
			t.Fatalf("percentiles with one sample = (%v, %v, %v), want all 42.5", p50, p95, p99)
		}
	}
}

func TestLatencyTracker_PercentilesOverUniformRamp(t *testing.T) {
	lt := NewLatencyTracker(10000)
	for i := 1; i <= 100; i++ {
		lt.Record(float64(i))
	}

	p50, p95, p99 := lt.Percentiles()
	// interpolated ranks over 1..100: 50.5, 95.05, 99.01
	if math.Abs(p50-50.5) > 1.0 {
		t.Errorf("p50 = %v, want ~50.5", p50)
	}
	if math.Abs(p95-95.05) > 1.0 {
		t.Errorf("p95 = %v, want ~95.05", p95)
	}
	if math.Abs(p99-99.01) > 1.0 {
		t.Errorf("p99 = %v, want ~99.01", p99)
	}
}

func TestLatencyTracker_Average(t *testing.T) {
	lt := NewLatencyTracker(100)
	for i := 1; i <= 10; i++ {
		lt.Record(float64(i))
	}
	if avg := lt.Average(); math.Abs(avg-5.5) > 1e-9 {
		t.Errorf("Average = %v, want 5.5", avg)
	}
}

func TestLatencyTracker_RingEvictsOldest(t *testing.T) {
	lt := NewLatencyTracker(10)
	for i := 1; i <= 20; i++ {
		lt.Record(float64(i))
	}

	if got := lt.Count(); got != 10 {
		t.Fatalf("Count after overflow = %d, want 10", got)
	}

	// only 11..20 survive, so both the median and the mean are 15.5
	if p50, _, _ := lt.Percentiles(); math.Abs(p50-15.5) > 1.0 {
		t.Errorf("p50 after eviction = %v, want ~15.5", p50)
	}
	if avg := lt.Average(); math.Abs(avg-15.5) > 1e-9 {
		t.Errorf("Average after eviction = %v, want 15.5", avg)
	}
}

func TestLatencyTracker_CountGrowsToCapacity(t *testing.T) {
	lt := NewLatencyTracker(100)
	for i := 0; i < 5; i++ {
		lt.Record(float64(i))
	}
	if got := lt.Count(); got != 5 {
		t.Errorf("Count = %d, want 5", got)
	}
}
