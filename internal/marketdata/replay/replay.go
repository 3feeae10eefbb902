// Package replay provides a bar replayer that reads historical data from
// a bar store and emits it at configurable speed for backtesting.
package replay

import (
	"context"
	"log"
	"time"

	"ta-systemv1/internal/model"
)

// Replayer reads historical TF bars and replays them at a configurable
// speed multiplier.
type Replayer struct {
	reader model.BarReader
}

// New creates a Replayer over any TF bar store.
func New(reader model.BarReader) *Replayer {
	return &Replayer{reader: reader}
}

// Run replays all bars for the given TFs, emitting them into outCh.
// speed controls the playback rate: 1.0 = real-time, 10.0 = 10x, 0 = as fast as possible.
// fromTS filters bars to those after this Unix timestamp (0 = all).
func (r *Replayer) Run(ctx context.Context, tfs []int, fromTS int64, speed float64, outCh chan<- model.TFBar) error {
	// Collect all bars across TFs, sorted by time
	var allBars []model.TFBar
	for _, tf := range tfs {
		bars, err := r.reader.ReadAllTFBars(tf, fromTS)
		if err != nil {
			return err
		}
		allBars = append(allBars, bars...)
	}

	if len(allBars) == 0 {
		log.Println("[replay] no bars found in SQLite")
		return nil
	}

	// Sort by timestamp (they may be interleaved across TFs)
	sortBars(allBars)

	log.Printf("[replay] loaded %d bars across %d TFs, speed=%.1fx", len(allBars), len(tfs), speed)

	var prevTS time.Time
	emitted := 0

	for _, b := range allBars {
		select {
		case <-ctx.Done():
			log.Printf("[replay] cancelled after %d bars", emitted)
			return ctx.Err()
		default:
		}

		// Simulate time gaps between bars
		if speed > 0 && !prevTS.IsZero() {
			gap := b.TS.Sub(prevTS)
			if gap > 0 {
				scaledGap := time.Duration(float64(gap) / speed)
				// Cap max sleep to avoid very long waits
				if scaledGap > 5*time.Second {
					scaledGap = 5 * time.Second
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(scaledGap):
				}
			}
		}
		prevTS = b.TS

		// Mark as finalized (not forming) for indicator processing
		b.Forming = false
		outCh <- b
		emitted++
	}

	log.Printf("[replay] completed: %d bars replayed", emitted)
	return nil
}

// sortBars sorts bars by timestamp (insertion sort — stable and fine for replay sizes).
func sortBars(bars []model.TFBar) {
	for i := 1; i < len(bars); i++ {
		for j := i; j > 0 && bars[j].TS.Before(bars[j-1].TS); j-- {
			bars[j], bars[j-1] = bars[j-1], bars[j]
		}
	}
}
