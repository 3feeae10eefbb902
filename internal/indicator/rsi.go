package indicator

import (
	"fmt"

	"ta-systemv1/internal/model"
)

// RSI calculates the Relative Strength Index, a momentum oscillator
// in [0, 100]. Up moves and down moves are smoothed by two owned
// arithmetic-mean SMAs over the same period, fed in lockstep: every
// step pushes exactly one sample into each, so both windows always
// hold the same count.
type RSI struct {
	period  int
	upMA    *SMA
	downMA  *SMA
	prevVal float64
	isNew   bool
	current float64
}

// NewRSI creates a new RSI indicator with the given period.
func NewRSI(period int) (*RSI, error) {
	up, err := NewSMA(period)
	if err != nil {
		return nil, err
	}
	down, err := NewSMA(period)
	if err != nil {
		return nil, err
	}
	return &RSI{
		period: period,
		upMA:   up,
		downMA: down,
		isNew:  true,
	}, nil
}

// NewDefaultRSI creates an RSI with the default period of 14.
func NewDefaultRSI() *RSI {
	r, _ := NewRSI(DefaultRSIPeriod)
	return r
}

func (r *RSI) String() string { return "RSI(" + model.Itoa(r.period) + ")" }

// Period returns the configured window length.
func (r *RSI) Period() int { return r.period }

// Step feeds one sample and returns the updated RSI.
func (r *RSI) Step(v float64) float64 {
	var up, down float64
	if r.isNew {
		// The first sample only seeds the previous value. There is no
		// delta yet, so both windows receive a zero.
		r.isNew = false
		r.prevVal = v
		up = r.upMA.Step(0)
		down = r.downMA.Step(0)
	} else {
		if v > r.prevVal {
			up = r.upMA.Step(v - r.prevVal)
			down = r.downMA.Step(0)
		} else {
			// Equality counts as a zero-magnitude down move.
			up = r.upMA.Step(0)
			down = r.downMA.Step(r.prevVal - v)
		}
		r.prevVal = v
	}

	// A near-zero denominator means no net movement inside the window:
	// report a neutral 50 instead of dividing by ~0.
	if up+down < 1e-9 {
		r.current = 50.0
		return r.current
	}
	r.current = 100.0 * up / (up + down)
	return r.current
}

// StepBar feeds the close price of a bar.
func (r *RSI) StepBar(b model.ClosePricer) float64 { return r.Step(b.ClosePrice()) }

func (r *RSI) Value() float64 { return r.current }
func (r *RSI) Ready() bool    { return r.upMA.Ready() }

// Peek computes what Step(v) would return without mutating state.
func (r *RSI) Peek(v float64) float64 {
	var up, down float64
	if r.isNew {
		up = r.upMA.Peek(0)
		down = r.downMA.Peek(0)
	} else if v > r.prevVal {
		up = r.upMA.Peek(v - r.prevVal)
		down = r.downMA.Peek(0)
	} else {
		up = r.upMA.Peek(0)
		down = r.downMA.Peek(r.prevVal - v)
	}

	if up+down < 1e-9 {
		return 50.0
	}
	return 100.0 * up / (up + down)
}

// Reset clears the RSI state for reuse.
func (r *RSI) Reset() {
	r.isNew = true
	r.prevVal = 0
	r.current = 0
	r.upMA.Reset()
	r.downMA.Reset()
}

// Snapshot serializes the RSI state for checkpoint persistence.
// The two inner SMAs are nested as child snapshots.
func (r *RSI) Snapshot() IndicatorSnapshot {
	up := r.upMA.Snapshot()
	down := r.downMA.Snapshot()
	return IndicatorSnapshot{
		Type:    "RSI",
		Period:  r.period,
		UpMA:    &up,
		DownMA:  &down,
		PrevVal: r.prevVal,
		IsNew:   r.isNew,
		Current: r.current,
	}
}

// RestoreFromSnapshot restores RSI state from a checkpoint.
func (r *RSI) RestoreFromSnapshot(snap IndicatorSnapshot) error {
	if snap.UpMA == nil || snap.DownMA == nil {
		return fmt.Errorf("rsi snapshot missing inner sma state")
	}
	up, err := NewSMA(snap.Period)
	if err != nil {
		return err
	}
	down, err := NewSMA(snap.Period)
	if err != nil {
		return err
	}
	if err := up.RestoreFromSnapshot(*snap.UpMA); err != nil {
		return err
	}
	if err := down.RestoreFromSnapshot(*snap.DownMA); err != nil {
		return err
	}
	r.period = snap.Period
	r.upMA = up
	r.downMA = down
	r.prevVal = snap.PrevVal
	r.isNew = snap.IsNew
	r.current = snap.Current
	return nil
}
