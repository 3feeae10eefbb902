// Package tfbuilder resamples finalized 1-second bars into higher
// timeframes incrementally. Each incoming bar folds into a per-(symbol,
// TF) forming state in O(1); a bucket finalizes when the first bar of
// the following bucket arrives.
package tfbuilder

import (
	"context"
	"log"
	"time"

	"ta-systemv1/internal/model"
)

// tfState holds the forming bar state for one (symbol, TF) pair.
type tfState struct {
	bucket  int64 // Unix seconds of the bucket start, ts - ts%tf
	bar     model.TFBar
	started bool
}

// Builder folds 1s bars into the enabled timeframes. Not safe for
// concurrent use; the pipeline drives it from a single goroutine.
type Builder struct {
	tfs []int // TF durations in seconds

	// states[tfIdx][symbolKey] holds the forming bar per symbol per TF.
	states []map[string]*tfState

	// StaleTolerance rejects bars lagging the forming bucket by more
	// than this. 2s initially; zero disables the check.
	StaleTolerance time.Duration

	// Optional metric hooks.
	OnTFBar    func(b model.TFBar) // fires on every finalized TF bar
	OnStaleBar func()              // fires when a stale bar is rejected
}

// New builds a resampler over the given timeframes in seconds.
func New(tfs []int) *Builder {
	states := make([]map[string]*tfState, len(tfs))
	for i := range states {
		states[i] = make(map[string]*tfState, 64)
	}
	return &Builder{
		tfs:            tfs,
		states:         states,
		StaleTolerance: 2 * time.Second,
	}
}

// UpdateTFs swaps the enabled timeframe set at runtime. Forming bars on
// a TF being removed are finalized and emitted on the way out.
func (b *Builder) UpdateTFs(newTFs []int, outCh chan<- model.TFBar) {
	newSet := make(map[int]bool, len(newTFs))
	for _, tf := range newTFs {
		newSet[tf] = true
	}

	for i, tf := range b.tfs {
		if newSet[tf] {
			continue
		}
		for _, st := range b.states[i] {
			if st.started {
				st.bar.Forming = false
				emit(outCh, st.bar)
			}
		}
	}

	// Surviving TFs keep their state maps, new TFs start empty.
	oldStates := make(map[int]map[string]*tfState, len(b.tfs))
	for i, tf := range b.tfs {
		oldStates[tf] = b.states[i]
	}

	b.tfs = newTFs
	b.states = make([]map[string]*tfState, len(newTFs))
	for i, tf := range newTFs {
		if old, ok := oldStates[tf]; ok {
			b.states[i] = old
		} else {
			b.states[i] = make(map[string]*tfState, 64)
		}
	}
}

// Run consumes 1s bars from barCh, resamples them into TF bars,
// and sends finalized TF bars to outCh. Blocks until ctx is cancelled.
func (b *Builder) Run(ctx context.Context, barCh <-chan model.Bar, outCh chan<- model.TFBar) {
	for {
		select {
		case <-ctx.Done():
			b.flushAll(outCh)
			return
		case bar, ok := <-barCh:
			if !ok {
				b.flushAll(outCh)
				return
			}
			b.process(bar, outCh)
		}
	}
}

// process folds one 1s bar into every enabled TF. Hot path, O(1) per TF.
func (b *Builder) process(bar model.Bar, outCh chan<- model.TFBar) {
	ts := bar.TS.Unix()
	key := bar.Key()

	for i, tf := range b.tfs {
		tf64 := int64(tf)
		bucket := ts - (ts % tf64)

		st, exists := b.states[i][key]

		// A bar whose bucket trails the forming one past the tolerance
		// is late or out of order; folding it in would corrupt a bucket
		// that already moved on.
		if b.StaleTolerance > 0 && exists && bucket < st.bucket {
			lag := time.Duration(st.bucket-bucket) * time.Second
			if lag > b.StaleTolerance {
				if b.OnStaleBar != nil {
					b.OnStaleBar()
				}
				continue
			}
		}

		if exists && bucket > st.bucket {
			// The bucket advanced, so the forming bar is complete.
			st.bar.Forming = false
			emit(outCh, st.bar)
			if b.OnTFBar != nil {
				b.OnTFBar(st.bar)
			}
			exists = false
		}

		if !exists {
			// First bar of a fresh bucket.
			newState := &tfState{
				bucket:  bucket,
				started: true,
				bar: model.TFBar{
					Symbol:  bar.Symbol,
					Venue:   bar.Venue,
					TF:      tf,
					TS:      time.Unix(bucket, 0).UTC(),
					Open:    bar.Open,
					High:    bar.High,
					Low:     bar.Low,
					Close:   bar.Close,
					Volume:  bar.Volume,
					Count:   1,
					Forming: true,
				},
			}
			b.states[i][key] = newState
			// The live preview wants the first bar right away.
			emit(outCh, newState.bar)
			continue
		}

		// Same bucket, merge OHLCV.
		fb := &st.bar
		if bar.High > fb.High {
			fb.High = bar.High
		}
		if bar.Low < fb.Low {
			fb.Low = bar.Low
		}
		fb.Close = bar.Close
		fb.Volume += bar.Volume
		fb.Count++

		// Forming snapshot for the live preview. The struct copy keeps
		// the receiver safe if it holds the value past the next merge.
		emit(outCh, *fb)
	}
}

// flushAll finalizes and emits all forming bars.
func (b *Builder) flushAll(outCh chan<- model.TFBar) {
	for i := range b.tfs {
		for key, st := range b.states[i] {
			if st.started {
				st.bar.Forming = false
				emit(outCh, st.bar)
			}
			delete(b.states[i], key)
		}
	}
}

// FlushElapsed finalizes forming bars whose bucket window has fully elapsed
// by wall clock. Called by the pipeline when the feed goes quiet, since a
// bucket normally closes only when the next bar arrives. Returns the number
// of bars flushed.
func (b *Builder) FlushElapsed(now time.Time, outCh chan<- model.TFBar) int {
	nowSec := now.Unix()
	flushed := 0

	for i, tf := range b.tfs {
		for key, st := range b.states[i] {
			if st.started && st.bucket+int64(tf) <= nowSec {
				st.bar.Forming = false
				emit(outCh, st.bar)
				if b.OnTFBar != nil {
					b.OnTFBar(st.bar)
				}
				delete(b.states[i], key)
				flushed++
			}
		}
	}
	return flushed
}

// emit sends a TF bar to the output channel. Non-blocking to avoid deadlocks.
func emit(outCh chan<- model.TFBar, b model.TFBar) {
	select {
	case outCh <- b:
	default:
		log.Printf("[tfbuilder] outCh full, dropping TF bar %s tf=%d ts=%v", b.Key(), b.TF, b.TS)
	}
}

// TFs reports the currently enabled timeframes.
func (b *Builder) TFs() []int { return b.tfs }

// Run1 folds a single 1s bar inline, skipping the channel hop that Run
// would add.
func (b *Builder) Run1(bar model.Bar, outCh chan<- model.TFBar) {
	b.process(bar, outCh)
}
