package indicator

import (
	"fmt"

	"ta-systemv1/internal/model"
)

// SMA is a rolling-window simple moving average backed by a fixed circular
// buffer, so the steady-state Step path allocates nothing. Until the window
// fills, the value is the mean of whatever samples have arrived, which makes
// it usable from the first input.
type SMA struct {
	period  int
	buf     []float64 // circular window, len == period
	idx     int       // next write slot
	count   int       // samples seen so far
	sum     float64
	current float64
}

// NewSMA returns an SMA over the given window length.
func NewSMA(period int) (*SMA, error) {
	if period < 1 {
		return nil, ErrInvalidParameter
	}
	return &SMA{
		period: period,
		buf:    make([]float64, period),
	}, nil
}

// NewDefaultSMA returns an SMA with the default 9-sample window.
func NewDefaultSMA() *SMA {
	s, _ := NewSMA(DefaultSMAPeriod)
	return s
}

func (s *SMA) String() string { return "SMA(" + model.Itoa(s.period) + ")" }

// Period reports the configured window length.
func (s *SMA) Period() int { return s.period }

// Step ingests one sample and returns the new mean.
func (s *SMA) Step(v float64) float64 {
	if s.count >= s.period {
		s.sum -= s.buf[s.idx] // evict the sample this write replaces
	}

	s.buf[s.idx] = v
	s.sum += v
	s.idx = (s.idx + 1) % s.period
	s.count++

	n := s.period
	if s.count < n {
		n = s.count
	}
	s.current = s.sum / float64(n)
	return s.current
}

// StepBar ingests a bar's close price.
func (s *SMA) StepBar(b model.ClosePricer) float64 { return s.Step(b.ClosePrice()) }

func (s *SMA) Value() float64 { return s.current }
func (s *SMA) Ready() bool    { return s.count >= s.period }

// Peek returns what Step(v) would produce, without mutating state.
func (s *SMA) Peek(v float64) float64 {
	if s.count < s.period {
		return (s.sum + v) / float64(s.count+1)
	}
	// A full window would evict buf[idx] to admit v.
	return (s.sum - s.buf[s.idx] + v) / float64(s.period)
}

// Reset returns the SMA to its initial empty state.
func (s *SMA) Reset() {
	s.idx = 0
	s.count = 0
	s.sum = 0
	s.current = 0
	clear(s.buf)
}

// Snapshot captures the full SMA state for checkpointing.
func (s *SMA) Snapshot() IndicatorSnapshot {
	bufCopy := make([]float64, len(s.buf))
	copy(bufCopy, s.buf)
	return IndicatorSnapshot{
		Type:    "SMA",
		Period:  s.period,
		Buf:     bufCopy,
		Idx:     s.idx,
		Count:   s.count,
		Sum:     s.sum,
		Current: s.current,
	}
}

// RestoreFromSnapshot loads previously checkpointed SMA state. A snapshot
// whose ring buffer does not match its period is rejected so callers fall
// back to a cold start instead of indexing past the buffer on the next Step.
func (s *SMA) RestoreFromSnapshot(snap IndicatorSnapshot) error {
	if snap.Period < 1 {
		return fmt.Errorf("%w: snapshot period=%d", ErrInvalidParameter, snap.Period)
	}
	if len(snap.Buf) != 0 && len(snap.Buf) != snap.Period {
		return fmt.Errorf("%w: snapshot buf len=%d, period=%d", ErrInvalidParameter, len(snap.Buf), snap.Period)
	}
	if snap.Idx < 0 || snap.Idx >= snap.Period {
		return fmt.Errorf("%w: snapshot idx=%d, period=%d", ErrInvalidParameter, snap.Idx, snap.Period)
	}
	s.period = snap.Period
	s.idx = snap.Idx
	s.count = snap.Count
	s.sum = snap.Sum
	s.current = snap.Current
	s.buf = make([]float64, snap.Period)
	copy(s.buf, snap.Buf)
	return nil
}
