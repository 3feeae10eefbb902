package indicator

import "ta-systemv1/internal/model"

// EMA is an exponential moving average. The first period samples seed it
// with their plain mean, after which the multiplier recurrence takes over.
// Each step is O(1) and no window is stored.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

// NewEMA returns an EMA with the given period.
func NewEMA(period int) (*EMA, error) {
	if period < 1 {
		return nil, ErrInvalidParameter
	}
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}, nil
}

// NewDefaultEMA returns an EMA with the default 9-sample period.
func NewDefaultEMA() *EMA {
	e, _ := NewEMA(DefaultEMAPeriod)
	return e
}

func (e *EMA) String() string { return "EMA(" + model.Itoa(e.period) + ")" }

// Period reports the configured length.
func (e *EMA) Period() int { return e.period }

// Step ingests one sample. The return stays 0 until the mean seed
// completes at count == period.
func (e *EMA) Step(v float64) float64 {
	e.count++

	if e.count <= e.period {
		// still seeding
		e.sum += v
		if e.count == e.period {
			e.current = e.sum / float64(e.period)
		}
		return e.current
	}

	e.current = (v * e.multiplier) + (e.current * (1 - e.multiplier))
	return e.current
}

// StepBar ingests a bar's close price.
func (e *EMA) StepBar(b model.ClosePricer) float64 { return e.Step(b.ClosePrice()) }

func (e *EMA) Value() float64 { return e.current }
func (e *EMA) Ready() bool    { return e.count >= e.period }

// Peek returns what Step(v) would produce, without mutating state.
func (e *EMA) Peek(v float64) float64 {
	if e.count < e.period-1 {
		// seed still incomplete after this sample
		return e.current
	}
	if e.count == e.period-1 {
		// this sample completes the seed
		return (e.sum + v) / float64(e.period)
	}
	return (v * e.multiplier) + (e.current * (1 - e.multiplier))
}

// Reset returns the EMA to its initial empty state.
func (e *EMA) Reset() {
	e.current = 0
	e.count = 0
	e.sum = 0
}

// Snapshot captures the full EMA state for checkpointing.
func (e *EMA) Snapshot() IndicatorSnapshot {
	return IndicatorSnapshot{
		Type:       "EMA",
		Period:     e.period,
		Multiplier: e.multiplier,
		Current:    e.current,
		Count:      e.count,
		Sum:        e.sum,
	}
}

// RestoreFromSnapshot loads previously checkpointed EMA state.
func (e *EMA) RestoreFromSnapshot(snap IndicatorSnapshot) error {
	e.period = snap.Period
	e.multiplier = snap.Multiplier
	e.current = snap.Current
	e.count = snap.Count
	e.sum = snap.Sum
	return nil
}
