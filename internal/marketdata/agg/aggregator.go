package agg

import (
	"context"
	"log"
	"sync"
	"time"

	"ta-systemv1/internal/model"
)

// barState holds the in-progress bar for one symbol in the current second bucket.
type barState struct {
	bucket int64 // Unix second of this bucket
	bar    model.Bar
}

// Aggregator builds 1-second OHLC bars from a stream of trades.
// It runs in a single goroutine and emits finalized bars when the second rolls over.
type Aggregator struct {
	mu     sync.Mutex
	states map[string]*barState // key = "venue:symbol"

	flushInterval time.Duration

	// Metrics hooks (optional, set externally)
	OnDroppedTrade func()
	OnBar          func(b model.Bar) // called after each emitted bar, with the state lock held
}

// New creates a new Aggregator.
func New() *Aggregator {
	return &Aggregator{
		states:        make(map[string]*barState),
		flushInterval: 100 * time.Millisecond, // check frequency for bucket rollover
	}
}

// Run consumes trades from tradeCh in a single goroutine, aggregates into 1s bars,
// and sends finalized bars to barCh. Blocks until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, tradeCh <-chan model.Trade, barCh chan<- model.Bar) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Flush any remaining open bars before exit
			a.flushAll(barCh)
			return

		case trade, ok := <-tradeCh:
			if !ok {
				a.flushAll(barCh)
				return
			}
			a.processTrade(trade, barCh)

		case <-ticker.C:
			// Periodic flush: emit any bars whose bucket is in the past
			a.flushOld(barCh)
		}
	}
}

// processTrade incorporates a single trade into the bar state.
func (a *Aggregator) processTrade(trade model.Trade, barCh chan<- model.Bar) {
	bucket := trade.TradeTS.Unix()
	key := trade.Venue + ":" + trade.Symbol

	a.mu.Lock()
	defer a.mu.Unlock()

	state, exists := a.states[key]

	if exists && bucket < state.bucket {
		// Late trade — belongs to an older bucket, drop it
		dropped := a.OnDroppedTrade
		a.mu.Unlock()
		if dropped != nil {
			dropped()
		}
		a.mu.Lock()
		return
	}

	if exists && bucket > state.bucket {
		// New bucket — finalize the old bar first
		a.emit(state, barCh)
		delete(a.states, key)
		exists = false
	}

	if !exists {
		// Start a new bar for this bucket
		a.states[key] = &barState{
			bucket: bucket,
			bar: model.Bar{
				Symbol:      trade.Symbol,
				Venue:       trade.Venue,
				TS:          time.Unix(bucket, 0).UTC(),
				Open:        trade.Price,
				High:        trade.Price,
				Low:         trade.Price,
				Close:       trade.Price,
				Volume:      trade.Qty,
				TradesCount: 1,
			},
		}
		return
	}

	// Same bucket — update OHLC
	b := &state.bar
	if trade.Price > b.High {
		b.High = trade.Price
	}
	if trade.Price < b.Low {
		b.Low = trade.Price
	}
	b.Close = trade.Price
	b.Volume += trade.Qty
	b.TradesCount++
}

// flushOld emits bars for any bucket that is strictly in the past.
func (a *Aggregator) flushOld(barCh chan<- model.Bar) {
	now := time.Now().Unix()

	a.mu.Lock()
	defer a.mu.Unlock()

	for key, state := range a.states {
		if state.bucket < now {
			a.emit(state, barCh)
			delete(a.states, key)
		}
	}
}

// flushAll emits all open bars regardless of bucket.
func (a *Aggregator) flushAll(barCh chan<- model.Bar) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key, state := range a.states {
		a.emit(state, barCh)
		delete(a.states, key)
	}
}

// emit sends a finalized bar to barCh. Non-blocking to avoid deadlocks.
func (a *Aggregator) emit(state *barState, barCh chan<- model.Bar) {
	select {
	case barCh <- state.bar:
		if a.OnBar != nil {
			a.OnBar(state.bar)
		}
	default:
		log.Printf("[agg] barCh full, dropping bar %s ts=%v", state.bar.Key(), state.bar.TS)
	}
}
