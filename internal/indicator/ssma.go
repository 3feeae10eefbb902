package indicator

import "ta-systemv1/internal/model"

// SSMA calculates Smoothed Simple Moving Average.
// During warm-up (count <= period) it emits the arithmetic mean of all
// samples seen so far; afterwards it follows the one-pole recurrence
// SSMA_t = (SSMA_{t-1}*(period-1) + v) / period. No sliding window is
// kept, which makes it O(1) in both time and memory.
type SSMA struct {
	period  int
	count   int
	sum     float64 // running total, only read during warm-up
	current float64
}

// NewSSMA creates a new SSMA indicator with the given period.
func NewSSMA(period int) (*SSMA, error) {
	if period < 1 {
		return nil, ErrInvalidParameter
	}
	return &SSMA{period: period}, nil
}

// NewDefaultSSMA creates an SSMA with the default period of 9.
func NewDefaultSSMA() *SSMA {
	s, _ := NewSSMA(DefaultSSMAPeriod)
	return s
}

func (s *SSMA) String() string { return "SSMA(" + model.Itoa(s.period) + ")" }

// Period returns the configured window length.
func (s *SSMA) Period() int { return s.period }

// Step feeds one sample and returns the updated value.
func (s *SSMA) Step(v float64) float64 {
	s.count++
	s.sum += v

	if s.count <= s.period {
		// Warm-up: arithmetic mean of everything seen so far.
		// The warm-up mean is authoritative through count == period;
		// the recurrence takes over on the next sample, seeded by it.
		s.current = s.sum / float64(s.count)
	} else {
		s.current = (s.current*float64(s.period-1) + v) / float64(s.period)
	}
	return s.current
}

// StepBar feeds the close price of a bar.
func (s *SSMA) StepBar(b model.ClosePricer) float64 { return s.Step(b.ClosePrice()) }

func (s *SSMA) Value() float64 { return s.current }
func (s *SSMA) Ready() bool    { return s.count >= s.period }

// Peek computes what Step(v) would return without mutating state.
func (s *SSMA) Peek(v float64) float64 {
	if s.count < s.period {
		return (s.sum + v) / float64(s.count+1)
	}
	return (s.current*float64(s.period-1) + v) / float64(s.period)
}

// Reset clears the SSMA state for reuse.
func (s *SSMA) Reset() {
	s.count = 0
	s.sum = 0
	s.current = 0
}

// Snapshot serializes the SSMA state for checkpoint persistence.
func (s *SSMA) Snapshot() IndicatorSnapshot {
	return IndicatorSnapshot{
		Type:    "SSMA",
		Period:  s.period,
		Count:   s.count,
		Sum:     s.sum,
		Current: s.current,
	}
}

// RestoreFromSnapshot restores SSMA state from a checkpoint.
func (s *SSMA) RestoreFromSnapshot(snap IndicatorSnapshot) error {
	s.period = snap.Period
	s.count = snap.Count
	s.sum = snap.Sum
	s.current = snap.Current
	return nil
}
