// Package indicator provides streaming technical indicators over bar closes.
//
// All indicators implement the Indicator interface: one sample in, one value
// out, O(1) work and fixed memory per step. Warm-up behavior is part of each
// indicator's contract rather than an error state, so Step is total over the
// reals (NaN and ±Inf propagate through the arithmetic).
package indicator

import (
	"errors"
	"fmt"

	"ta-systemv1/internal/model"
)

// Default periods used when an indicator spec names a bare type.
const (
	DefaultSMAPeriod  = 9
	DefaultEMAPeriod  = 9
	DefaultSSMAPeriod = 9
	DefaultRSIPeriod  = 14
)

// ErrInvalidParameter is returned by constructors when period < 1.
var ErrInvalidParameter = errors.New("invalid parameter")

// Indicator is the interface for all streaming indicators.
type Indicator interface {
	// String returns the rendering "TYPE(period)", e.g. "RSI(14)".
	fmt.Stringer

	// Period returns the configured window length.
	Period() int

	// Step feeds one sample and returns the updated value.
	Step(v float64) float64

	// StepBar feeds the close price of a bar: StepBar(b) ≡ Step(b.ClosePrice()).
	StepBar(b model.ClosePricer) float64

	// Value returns the last computed value. Returns 0 before any sample.
	Value() float64

	// Ready returns true once a full period of samples has been consumed.
	Ready() bool

	// Peek computes what Step(v) would return WITHOUT mutating internal
	// state. Used for live/streaming updates from forming bars.
	Peek(v float64) float64

	// Reset returns the indicator to its freshly constructed state.
	Reset()
}

// New creates an indicator of the given type and period.
func New(typ string, period int) (Indicator, error) {
	switch typ {
	case "SMA":
		return NewSMA(period)
	case "EMA":
		return NewEMA(period)
	case "SSMA":
		return NewSSMA(period)
	case "RSI":
		return NewRSI(period)
	default:
		return nil, fmt.Errorf("unknown indicator type %q", typ)
	}
}

// DefaultPeriod returns the period used when a spec names a bare type
// without an explicit period. Returns 0 for unknown types.
func DefaultPeriod(typ string) int {
	switch typ {
	case "SMA":
		return DefaultSMAPeriod
	case "EMA":
		return DefaultEMAPeriod
	case "SSMA":
		return DefaultSSMAPeriod
	case "RSI":
		return DefaultRSIPeriod
	}
	return 0
}

// typePeriodKey builds the lookup key "TYPE:period" used to match indicator
// instances across snapshots and config reloads.
func typePeriodKey(typ string, period int) string {
	return typ + ":" + model.Itoa(period)
}
