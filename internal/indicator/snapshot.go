package indicator

import (
	"fmt"
	"log"
	"strings"
)

// Snapshottable marks indicators whose internal state can be serialized
// and later restored.
type Snapshottable interface {
	Indicator
	Snapshot() IndicatorSnapshot
	RestoreFromSnapshot(snap IndicatorSnapshot) error
}

// IndicatorSnapshot is the serialized state of one indicator instance.
type IndicatorSnapshot struct {
	Type   string `json:"type"`   // "SMA", "EMA", "SSMA", "RSI"
	Period int    `json:"period"` // indicator period

	// SMA / SSMA fields
	Buf     []float64 `json:"buf,omitempty"`
	Idx     int       `json:"idx,omitempty"`
	Count   int       `json:"count"`
	Sum     float64   `json:"sum,omitempty"`
	Current float64   `json:"current"`

	// EMA fields
	Multiplier float64 `json:"multiplier,omitempty"`

	// RSI fields. The inner averages nest as child snapshots. IsNew carries
	// no omitempty since false is a real state once a sample has arrived.
	UpMA    *IndicatorSnapshot `json:"up_ma,omitempty"`
	DownMA  *IndicatorSnapshot `json:"down_ma,omitempty"`
	PrevVal float64            `json:"prev_val,omitempty"`
	IsNew   bool               `json:"is_new"`
}

// SymbolSnapshot groups the indicator snapshots of one symbol at one TF.
type SymbolSnapshot struct {
	Symbol     string              `json:"symbol"`
	Venue      string              `json:"venue"`
	TF         int                 `json:"tf"`
	Indicators []IndicatorSnapshot `json:"indicators"`
}

// EngineSnapshot is the complete engine state at a checkpoint.
type EngineSnapshot struct {
	StreamID string           `json:"stream_id"` // Redis Stream ID at checkpoint time
	Symbols  []SymbolSnapshot `json:"symbols"`
	Version  int              `json:"version"` // schema version for forward compat
}

// SnapshotEngine serializes every indicator in e, tagging the result with
// the stream position it corresponds to.
func SnapshotEngine(e *Engine, streamID string) (*EngineSnapshot, error) {
	snap := &EngineSnapshot{
		StreamID: streamID,
		Version:  1,
	}

	for tfIdx, cfg := range e.configs {
		for symbolKey, si := range e.state[tfIdx] {
			ss := SymbolSnapshot{
				TF:         cfg.TF,
				Indicators: make([]IndicatorSnapshot, 0, len(si.indicators)),
			}
			// Symbol keys come from TFBar.Key(), shaped "venue:symbol".
			if venue, sym, ok := strings.Cut(symbolKey, ":"); ok {
				ss.Venue, ss.Symbol = venue, sym
			} else {
				ss.Symbol = symbolKey
			}

			for _, ind := range si.indicators {
				snapper, ok := ind.(Snapshottable)
				if !ok {
					return nil, fmt.Errorf("indicator %s does not implement Snapshottable", ind.String())
				}
				ss.Indicators = append(ss.Indicators, snapper.Snapshot())
			}
			snap.Symbols = append(snap.Symbols, ss)
		}
	}

	return snap, nil
}

// RestoreEngine builds an Engine and seeds it from snap. Config drift is
// tolerated: snapshot entries are matched to current indicators by
// Type+Period, so an indicator added since the checkpoint simply starts
// cold and one removed since then is dropped on the floor.
func RestoreEngine(configs []TFIndicatorConfig, snap *EngineSnapshot) (*Engine, error) {
	e := NewEngine(configs)

	for _, ss := range snap.Symbols {
		tfIdx, ok := e.tfIndex[ss.TF]
		if !ok {
			continue // TF dropped from config since the checkpoint
		}

		si := e.createSymbolIndicators(tfIdx)

		snapLookup := make(map[string]IndicatorSnapshot, len(ss.Indicators))
		for _, indSnap := range ss.Indicators {
			snapLookup[typePeriodKey(indSnap.Type, indSnap.Period)] = indSnap
		}

		restored, cold := 0, 0
		for i, ind := range si.indicators {
			cfg := si.configs[i]

			indSnap, found := snapLookup[typePeriodKey(cfg.Type, cfg.Period)]
			if !found {
				cold++ // not in the snapshot, warms up from zero
				continue
			}

			snapper, ok := ind.(Snapshottable)
			if !ok {
				cold++
				continue
			}
			if err := snapper.RestoreFromSnapshot(indSnap); err != nil {
				cold++ // leave it cold rather than fail the whole restore
				continue
			}
			restored++
		}

		if cold > 0 {
			log.Printf("[restorer] TF=%d symbol=%s: %d indicators restored, %d starting cold",
				ss.TF, ss.Symbol, restored, cold)
		}

		key := ss.Symbol
		if ss.Venue != "" {
			key = ss.Venue + ":" + ss.Symbol
		}
		e.state[tfIdx][key] = si
	}

	return e, nil
}
