package indicator

import (
	"context"

	"ta-systemv1/internal/model"
)

// IndicatorConfig specifies a single indicator to compute.
type IndicatorConfig struct {
	Type   string // "SMA", "EMA", "SSMA", "RSI"
	Period int
}

// TFIndicatorConfig groups indicator configs for a specific timeframe.
type TFIndicatorConfig struct {
	TF         int // timeframe in seconds
	Indicators []IndicatorConfig
}

// symbolIndicators holds live indicator instances for one symbol within a TF.
type symbolIndicators struct {
	indicators []Indicator
	configs    []IndicatorConfig
}

// Engine computes multiple indicators across multiple TFs for multiple symbols.
// Designed for single-goroutine usage — no locks needed.
type Engine struct {
	configs []TFIndicatorConfig

	// tfIndex maps TF seconds → index into configs/state for O(1) lookup
	tfIndex map[int]int

	// state[tfIdx][symbolKey] → *symbolIndicators
	state []map[string]*symbolIndicators

	// createdSet tracks instances added by the most recent ReloadConfigs
	// call until FinishBackfill clears it.
	createdSet map[Indicator]struct{}
}

// NewEngine creates an indicator engine with the given per-TF indicator configs.
func NewEngine(configs []TFIndicatorConfig) *Engine {
	state := make([]map[string]*symbolIndicators, len(configs))
	for i := range state {
		state[i] = make(map[string]*symbolIndicators, 64)
	}
	tfIndex := make(map[int]int, len(configs))
	for i, cfg := range configs {
		tfIndex[cfg.TF] = i
	}
	return &Engine{
		configs: configs,
		tfIndex: tfIndex,
		state:   state,
	}
}

// Process takes a finalized TF bar and computes all indicators for that TF + symbol.
// Returns indicator updates (may include not-ready indicators with Ready=false).
func (e *Engine) Process(tfb model.TFBar) []model.IndicatorUpdate {
	tfIdx, ok := e.tfIndex[tfb.TF]
	if !ok {
		return nil // TF not configured for indicators
	}

	key := tfb.Key()
	si, exists := e.state[tfIdx][key]
	if !exists {
		// First bar for this symbol + TF — create indicator instances
		si = e.createSymbolIndicators(tfIdx)
		e.state[tfIdx][key] = si
	}

	// Step all indicators and collect updates (one pass)
	updates := make([]model.IndicatorUpdate, 0, len(si.indicators))
	for _, ind := range si.indicators {
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

// ProcessPeek computes live indicator values for a forming TF bar using Peek().
// Does NOT mutate indicator state — safe for streaming updates every second.
// Returns nil if symbol hasn't been seen before (need at least one Process first).
func (e *Engine) ProcessPeek(tfb model.TFBar) []model.IndicatorUpdate {
	tfIdx, ok := e.tfIndex[tfb.TF]
	if !ok {
		return nil
	}

	key := tfb.Key()
	si, exists := e.state[tfIdx][key]
	if !exists {
		// Symbol hasn't been seeded by a completed bar yet — skip peek.
		// indengine calls Process() on completed bars first, so this is safe.
		return nil
	}

	price := tfb.ClosePrice()
	updates := make([]model.IndicatorUpdate, 0, len(si.indicators))
	for _, ind := range si.indicators {
		updates = append(updates, model.IndicatorUpdate{
			Name:   ind.String(),
			Symbol: tfb.Symbol,
			Venue:  tfb.Venue,
			TF:     tfb.TF,
			Value:  ind.Peek(price),
			TS:     tfb.TS,
			Ready:  ind.Ready(),
			Live:   true,
		})
	}
	return updates
}

// Run consumes TF bars and emits indicator updates. Blocks until ctx done.
func (e *Engine) Run(ctx context.Context, tfBarCh <-chan model.TFBar, updateCh chan<- model.IndicatorUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case tfb, ok := <-tfBarCh:
			if !ok {
				return
			}
			if tfb.Forming {
				continue // skip forming bars
			}
			updates := e.Process(tfb)
			for _, u := range updates {
				select {
				case updateCh <- u:
				default:
					// drop if channel full
				}
			}
		}
	}
}

// createSymbolIndicators creates fresh indicator instances for a TF config.
func (e *Engine) createSymbolIndicators(tfIdx int) *symbolIndicators {
	cfg := e.configs[tfIdx]
	inds := make([]Indicator, 0, len(cfg.Indicators))
	cfgs := make([]IndicatorConfig, 0, len(cfg.Indicators))
	for _, ic := range cfg.Indicators {
		ind, err := New(ic.Type, ic.Period)
		if err != nil {
			// Configs are validated before they reach the engine.
			continue
		}
		inds = append(inds, ind)
		cfgs = append(cfgs, ic)
	}
	return &symbolIndicators{
		indicators: inds,
		configs:    cfgs,
	}
}
