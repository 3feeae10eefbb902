package alert

import (
	"fmt"
	"strings"

	"ta-systemv1/internal/indicator"
	"ta-systemv1/internal/model"

	"github.com/google/uuid"
)

// Rule is the interface all alert rules implement. A rule sees every
// closed TF bar and every indicator update; either hook may return nil.
type Rule interface {
	// Name returns the unique name of the rule.
	Name() string

	// OnBar is called for each closed TF bar.
	OnBar(tfb model.TFBar) *Alert

	// OnIndicator is called for each closed indicator update.
	OnIndicator(u model.IndicatorUpdate) *Alert
}

// ── RSIBand ──

// bandState holds per-instrument re-arm state for RSIBand.
type bandState struct {
	armedHigh bool
	armedLow  bool
}

// RSIBand fires when an RSI value crosses into the overbought or oversold
// band. After firing, the side stays disarmed until the value pulls back
// past the re-arm margin, so a value oscillating around the threshold
// produces one alert instead of a burst.
type RSIBand struct {
	name    string
	indName string // exact indicator name, or "" for any RSI
	tf      int    // 0 = any timeframe
	high    float64
	low     float64
	rearm   float64 // pull-back margin before the side re-arms

	states map[string]*bandState // keyed by "venue:symbol"
}

// NewRSIBand creates an RSI threshold rule. indName narrows the rule to a
// specific indicator (e.g. "RSI(14)"); empty matches any RSI. tf narrows
// to one timeframe; 0 matches all.
func NewRSIBand(indName string, tf int, high, low, rearm float64) *RSIBand {
	if high <= low {
		high, low = 70, 30
	}
	if rearm < 0 {
		rearm = 0
	}
	return &RSIBand{
		name:    "RSI_Band",
		indName: indName,
		tf:      tf,
		high:    high,
		low:     low,
		rearm:   rearm,
		states:  make(map[string]*bandState),
	}
}

func (r *RSIBand) Name() string { return r.name }

func (r *RSIBand) OnBar(tfb model.TFBar) *Alert { return nil }

func (r *RSIBand) OnIndicator(u model.IndicatorUpdate) *Alert {
	if !u.Ready || u.Live {
		return nil
	}
	if r.indName != "" {
		if u.Name != r.indName {
			return nil
		}
	} else if !strings.HasPrefix(u.Name, "RSI(") {
		return nil
	}
	if r.tf > 0 && u.TF != r.tf {
		return nil
	}

	key := u.Venue + ":" + u.Symbol
	st, ok := r.states[key]
	if !ok {
		st = &bandState{armedHigh: true, armedLow: true}
		r.states[key] = st
	}

	// Re-arm once the value pulls back inside the band
	if !st.armedHigh && u.Value <= r.high-r.rearm {
		st.armedHigh = true
	}
	if !st.armedLow && u.Value >= r.low+r.rearm {
		st.armedLow = true
	}

	if st.armedHigh && u.Value >= r.high {
		st.armedHigh = false
		return &Alert{
			ID:      uuid.New().String(),
			Rule:    r.name,
			Level:   LevelWarning,
			Symbol:  u.Symbol,
			Venue:   u.Venue,
			TF:      u.TF,
			Value:   u.Value,
			Title:   fmt.Sprintf("%s overbought", u.Name),
			Message: fmt.Sprintf("%s on %s:%s tf=%ds crossed above %.1f (value %.2f)", u.Name, u.Venue, u.Symbol, u.TF, r.high, u.Value),
			TS:      u.TS,
		}
	}

	if st.armedLow && u.Value <= r.low {
		st.armedLow = false
		return &Alert{
			ID:      uuid.New().String(),
			Rule:    r.name,
			Level:   LevelWarning,
			Symbol:  u.Symbol,
			Venue:   u.Venue,
			TF:      u.TF,
			Value:   u.Value,
			Title:   fmt.Sprintf("%s oversold", u.Name),
			Message: fmt.Sprintf("%s on %s:%s tf=%ds crossed below %.1f (value %.2f)", u.Name, u.Venue, u.Symbol, u.TF, r.low, u.Value),
			TS:      u.TS,
		}
	}

	return nil
}

// ── MACross ──

// crossState holds per-instrument SMA pair state for MACross.
type crossState struct {
	fast     *indicator.SMA
	slow     *indicator.SMA
	prevFast float64
	prevSlow float64
	ready    bool
}

// MACross fires on fast/slow moving-average crossovers of bar closes.
//
// Golden cross (fast crosses above slow) fires an upside alert; death
// cross (fast crosses below slow) fires a downside alert.
type MACross struct {
	name       string
	fastPeriod int
	slowPeriod int
	tf         int // 0 = any timeframe

	states map[string]*crossState // keyed by "venue:symbol"
}

// NewMACross creates a moving-average crossover rule.
// fastPeriod < slowPeriod (e.g., 9 and 21).
func NewMACross(fastPeriod, slowPeriod, tf int) *MACross {
	if fastPeriod < 1 || slowPeriod <= fastPeriod {
		fastPeriod, slowPeriod = 9, 21
	}
	return &MACross{
		name:       "MA_Cross",
		fastPeriod: fastPeriod,
		slowPeriod: slowPeriod,
		tf:         tf,
		states:     make(map[string]*crossState),
	}
}

func (m *MACross) Name() string { return m.name }

func (m *MACross) OnIndicator(u model.IndicatorUpdate) *Alert { return nil }

func (m *MACross) OnBar(tfb model.TFBar) *Alert {
	if tfb.Forming {
		return nil
	}
	if m.tf > 0 && tfb.TF != m.tf {
		return nil
	}

	key := tfb.Key()
	st, ok := m.states[key]
	if !ok {
		fast, _ := indicator.NewSMA(m.fastPeriod)
		slow, _ := indicator.NewSMA(m.slowPeriod)
		st = &crossState{fast: fast, slow: slow}
		m.states[key] = st
	}

	price := tfb.ClosePrice()
	fastVal := st.fast.Step(price)
	slowVal := st.slow.Step(price)

	if !st.fast.Ready() || !st.slow.Ready() {
		return nil
	}

	defer func() {
		st.prevFast = fastVal
		st.prevSlow = slowVal
		st.ready = true
	}()

	if !st.ready {
		return nil
	}

	// Golden cross: fast crosses above slow
	if st.prevFast <= st.prevSlow && fastVal > slowVal {
		return &Alert{
			ID:      uuid.New().String(),
			Rule:    m.name,
			Level:   LevelInfo,
			Symbol:  tfb.Symbol,
			Venue:   tfb.Venue,
			TF:      tfb.TF,
			Value:   fastVal,
			Title:   fmt.Sprintf("SMA(%d)/SMA(%d) golden cross", m.fastPeriod, m.slowPeriod),
			Message: fmt.Sprintf("SMA(%d) crossed above SMA(%d) on %s:%s tf=%ds (%.2f > %.2f)", m.fastPeriod, m.slowPeriod, tfb.Venue, tfb.Symbol, tfb.TF, fastVal, slowVal),
			TS:      tfb.TS,
		}
	}

	// Death cross: fast crosses below slow
	if st.prevFast >= st.prevSlow && fastVal < slowVal {
		return &Alert{
			ID:      uuid.New().String(),
			Rule:    m.name,
			Level:   LevelInfo,
			Symbol:  tfb.Symbol,
			Venue:   tfb.Venue,
			TF:      tfb.TF,
			Value:   fastVal,
			Title:   fmt.Sprintf("SMA(%d)/SMA(%d) death cross", m.fastPeriod, m.slowPeriod),
			Message: fmt.Sprintf("SMA(%d) crossed below SMA(%d) on %s:%s tf=%ds (%.2f < %.2f)", m.fastPeriod, m.slowPeriod, tfb.Venue, tfb.Symbol, tfb.TF, fastVal, slowVal),
			TS:      tfb.TS,
		}
	}

	return nil
}
