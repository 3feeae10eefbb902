package tfbuilder

import (
	"testing"
	"time"

	"ta-systemv1/internal/model"
)

// simBar builds a BTC-USD bar on the SIM venue at the given unix second.
func simBar(ts int64, o, h, l, c int64) model.Bar {
	return model.Bar{
		Symbol: "BTC-USD", Venue: "SIM",
		TS:   time.Unix(ts, 0).UTC(),
		Open: o, High: h, Low: l, Close: c, Volume: 1,
	}
}

func TestBuilder_StaleBar_Rejected(t *testing.T) {
	b := New([]int{60}) // default StaleTolerance is 2s
	outCh := make(chan model.TFBar, 5000)

	now := time.Now().UTC()
	currentBucket := now.Unix() - (now.Unix() % 60)

	staleCount := 0
	b.OnStaleBar = func() { staleCount++ }

	// Two bars in consecutive buckets so the forming bucket moves forward.
	b.process(simBar(currentBucket+5, 100, 110, 90, 105), outCh)
	b.process(simBar(currentBucket+65, 200, 210, 190, 205), outCh)
	for len(outCh) > 0 {
		<-outCh
	}

	// The forming bucket now sits at currentBucket+60. A bar from the bucket
	// before it lags 60s, well past the 2s tolerance, and must be rejected.
	b.process(simBar(currentBucket+10, 50, 60, 40, 55), outCh)

	if staleCount != 1 {
		t.Errorf("stale callbacks = %d, want 1", staleCount)
	}

	for len(outCh) > 0 {
		bar := <-outCh
		if bar.Open == 50 {
			t.Fatalf("rejected bar still produced output: %+v", bar)
		}
	}
}

func TestBuilder_StaleBar_WithinTolerance_Accepted(t *testing.T) {
	b := New([]int{60})
	outCh := make(chan model.TFBar, 100)

	now := time.Now().UTC()
	bucket := now.Unix() - (now.Unix() % 60)

	staleCount := 0
	b.OnStaleBar = func() { staleCount++ }

	// The very first bar for a symbol is always current, never stale.
	b.process(simBar(bucket+1, 100, 110, 90, 105), outCh)

	if staleCount != 0 {
		t.Errorf("stale callbacks = %d, want 0", staleCount)
	}
	if len(outCh) == 0 {
		t.Error("no forming bar emitted for an accepted input")
	}
}

func TestBuilder_StaleTolerance_Disabled(t *testing.T) {
	b := New([]int{60})
	b.StaleTolerance = 0
	outCh := make(chan model.TFBar, 5000)

	staleCount := 0
	b.OnStaleBar = func() { staleCount++ }

	now := time.Now().UTC()
	bucket := now.Unix() - (now.Unix() % 60)
	b.process(simBar(bucket+65, 200, 210, 190, 205), outCh)
	b.process(simBar(bucket+125, 300, 310, 290, 305), outCh)

	// With the tolerance switched off even a two-bucket-old bar goes through.
	b.process(simBar(bucket+1, 50, 60, 40, 55), outCh)

	if staleCount != 0 {
		t.Errorf("stale callbacks = %d, want 0 with tolerance off", staleCount)
	}
}
