package indicator

import (
	"fmt"
	"log"

	"ta-systemv1/internal/model"
)

// ReloadConfigs swaps the engine's configuration in place. Indicators that
// survive the change (same Type+Period on the same TF) keep their warmed
// state; only genuinely new ones are instantiated cold. Returns counts of
// preserved and newly created instances.
func (e *Engine) ReloadConfigs(newConfigs []TFIndicatorConfig) (preserved, created int) {
	// Instances born in this reload are recorded so BackfillCreated can warm
	// them without re-stepping the ones that kept their state.
	e.createdSet = make(map[Indicator]struct{})

	oldCfgByTF := make(map[int]TFIndicatorConfig)
	oldStateByTF := make(map[int]map[string]*symbolIndicators)
	for i, cfg := range e.configs {
		oldCfgByTF[cfg.TF] = cfg
		oldStateByTF[cfg.TF] = e.state[i]
	}

	newState := make([]map[string]*symbolIndicators, len(newConfigs))
	for i, newCfg := range newConfigs {
		oldCfg, tfExists := oldCfgByTF[newCfg.TF]
		oldTFState := oldStateByTF[newCfg.TF]

		switch {
		case !tfExists || oldTFState == nil:
			// TF did not exist before, everything on it starts cold.
			newState[i] = make(map[string]*symbolIndicators, 64)
			created++
			log.Printf("[reload] TF=%d: timeframe is new, starting cold", newCfg.TF)

		case indicatorSetsEqual(oldCfg.Indicators, newCfg.Indicators):
			newState[i] = oldTFState
			preserved += len(oldTFState)
			log.Printf("[reload] TF=%d: indicator set unchanged, kept %d symbol states", newCfg.TF, len(oldTFState))

		default:
			// Indicator set changed, migrate each symbol's instances.
			migrated := make(map[string]*symbolIndicators, len(oldTFState))
			for symbolKey, oldSI := range oldTFState {
				migrated[symbolKey] = migrateSymbolIndicators(oldSI, newCfg.Indicators, e.createdSet)
				preserved++
			}
			newState[i] = migrated
			created++ // the added instances will need a warm-up pass
			log.Printf("[reload] TF=%d: migrated %d symbol states, new indicators added", newCfg.TF, len(migrated))
		}
	}

	e.configs = newConfigs
	e.state = newState

	e.tfIndex = make(map[int]int, len(newConfigs))
	for i, cfg := range newConfigs {
		e.tfIndex[cfg.TF] = i
	}

	log.Printf("[reload] ✅ applied %d configs: %d instances preserved, %d created",
		len(newConfigs), preserved, created)

	return preserved, created
}

// migrateSymbolIndicators assembles a symbolIndicators for newConfigs,
// carrying over any old instance whose Type+Period still appears. Fresh
// instances are registered in created when it is non-nil.
func migrateSymbolIndicators(oldSI *symbolIndicators, newConfigs []IndicatorConfig, created map[Indicator]struct{}) *symbolIndicators {
	oldByKey := make(map[string]Indicator, len(oldSI.indicators))
	for i, cfg := range oldSI.configs {
		oldByKey[typePeriodKey(cfg.Type, cfg.Period)] = oldSI.indicators[i]
	}

	newInds := make([]Indicator, 0, len(newConfigs))
	newCfgs := make([]IndicatorConfig, 0, len(newConfigs))
	for _, cfg := range newConfigs {
		if existing, ok := oldByKey[typePeriodKey(cfg.Type, cfg.Period)]; ok {
			newInds = append(newInds, existing) // state carries over
			newCfgs = append(newCfgs, cfg)
			continue
		}
		ind, err := New(cfg.Type, cfg.Period)
		if err != nil {
			// Configs pass ValidateConfigs before a reload is applied.
			continue
		}
		if created != nil {
			created[ind] = struct{}{}
		}
		newInds = append(newInds, ind)
		newCfgs = append(newCfgs, cfg)
	}

	return &symbolIndicators{
		indicators: newInds,
		configs:    newCfgs,
	}
}

// BackfillCreated steps only the indicators added by the most recent
// ReloadConfigs call and returns their updates. A symbol first seen during
// the replay gets a full fresh set, which warms in the same pass. Instances
// that kept their state are skipped so replayed history is not applied to
// them twice.
func (e *Engine) BackfillCreated(tfb model.TFBar) []model.IndicatorUpdate {
	if len(e.createdSet) == 0 {
		return nil
	}
	tfIdx, ok := e.tfIndex[tfb.TF]
	if !ok {
		return nil
	}

	key := tfb.Key()
	si, exists := e.state[tfIdx][key]
	if !exists {
		si = e.createSymbolIndicators(tfIdx)
		e.state[tfIdx][key] = si
		for _, ind := range si.indicators {
			e.createdSet[ind] = struct{}{}
		}
	}

	var updates []model.IndicatorUpdate
	for _, ind := range si.indicators {
		if _, isNew := e.createdSet[ind]; !isNew {
			continue
		}
		v := ind.StepBar(&tfb)
		updates = append(updates, model.IndicatorUpdate{
			Name:   ind.String(),
			Symbol: tfb.Symbol,
			Venue:  tfb.Venue,
			TF:     tfb.TF,
			Value:  v,
			TS:     tfb.TS,
			Ready:  ind.Ready(),
		})
	}
	return updates
}

// FinishBackfill drops the created-instance tracking once warm-up is done.
func (e *Engine) FinishBackfill() {
	e.createdSet = nil
}

// indicatorSetsEqual reports whether a and b describe the same indicators,
// ignoring order.
func indicatorSetsEqual(a, b []IndicatorConfig) bool {
	if len(a) != len(b) {
		return false
	}
	inA := make(map[string]bool, len(a))
	for _, ic := range a {
		inA[typePeriodKey(ic.Type, ic.Period)] = true
	}
	for _, ic := range b {
		if !inA[typePeriodKey(ic.Type, ic.Period)] {
			return false
		}
	}
	return true
}

// ValidateConfigs rejects malformed TF configs before they reach the engine.
func ValidateConfigs(configs []TFIndicatorConfig) error {
	seen := make(map[int]bool)
	for _, cfg := range configs {
		if cfg.TF <= 0 {
			return fmt.Errorf("invalid TF=%d: must be positive", cfg.TF)
		}
		if seen[cfg.TF] {
			return fmt.Errorf("duplicate TF=%d", cfg.TF)
		}
		seen[cfg.TF] = true

		for _, ind := range cfg.Indicators {
			switch ind.Type {
			case "SMA", "EMA", "SSMA", "RSI":
			default:
				return fmt.Errorf("unknown indicator type %q for TF=%d", ind.Type, cfg.TF)
			}
			if ind.Period < 1 {
				return fmt.Errorf("%w: period=%d for %s on TF=%d", ErrInvalidParameter, ind.Period, ind.Type, cfg.TF)
			}
		}
	}
	return nil
}
