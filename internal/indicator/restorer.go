package indicator

import (
	"log"

	"ta-systemv1/internal/model"
)

// SQLiteReader is the read surface the backfill path needs.
type SQLiteReader interface {
	ReadAllTFBars(tf int, afterTS int64) ([]model.TFBar, error)
}

// Restorer rebuilds engine state at indengine startup, trying sources in
// order: Redis snapshot, then SQLite snapshot, then cold start.
type Restorer struct {
	configs []TFIndicatorConfig
}

func NewRestorer(configs []TFIndicatorConfig) *Restorer {
	return &Restorer{configs: configs}
}

// RestoreFromSnap builds an engine from snap, or a fresh one when snap is
// nil or unusable.
func (r *Restorer) RestoreFromSnap(snap *EngineSnapshot) (*Engine, error) {
	if snap == nil {
		log.Println("[restorer] no snapshot available, cold starting indicator engine")
		return NewEngine(r.configs), nil
	}

	log.Printf("[restorer] restoring snapshot version=%d streamID=%s symbols=%d",
		snap.Version, snap.StreamID, len(snap.Symbols))

	engine, err := RestoreEngine(r.configs, snap)
	if err != nil {
		log.Printf("[restorer] WARNING: snapshot unusable (%v), cold starting instead", err)
		return NewEngine(r.configs), nil
	}

	log.Printf("[restorer] ✅ indicator engine restored from snapshot")
	return engine, nil
}

// BackfillFromSQLite feeds historical TF bars through the engine so cold
// indicators reach readiness before live consumption begins. Per TF it
// replays the trailing maxPeriod bars, where maxPeriod is the largest
// period across all configured indicators. When onUpdates is non-nil it
// receives each bar's indicator updates, which lets the caller seed Redis
// history streams during the warm-up.
func (r *Restorer) BackfillFromSQLite(engine *Engine, reader SQLiteReader, onUpdates func([]model.IndicatorUpdate)) int {
	if reader == nil {
		return 0
	}

	maxPeriod := 0
	for _, cfg := range r.configs {
		for _, ind := range cfg.Indicators {
			if ind.Period > maxPeriod {
				maxPeriod = ind.Period
			}
		}
	}
	if maxPeriod == 0 {
		return 0
	}

	total := 0
	for _, cfg := range r.configs {
		bars, err := reader.ReadAllTFBars(cfg.TF, 0)
		if err != nil {
			log.Printf("[restorer] WARNING: SQLite read for TF=%d failed: %v", cfg.TF, err)
			continue
		}

		// Warm-up only needs the most recent window.
		if len(bars) > maxPeriod {
			bars = bars[len(bars)-maxPeriod:]
		}

		for _, tfb := range bars {
			tfb.Forming = false
			if updates := engine.Process(tfb); onUpdates != nil && len(updates) > 0 {
				onUpdates(updates)
			}
		}
		total += len(bars)
		if len(bars) > 0 {
			log.Printf("[restorer] replayed %d SQLite bars into TF=%d", len(bars), cfg.TF)
		}
	}

	if total > 0 {
		log.Printf("[restorer] ✅ SQLite backfill complete, %d bars total", total)
	}
	return total
}
