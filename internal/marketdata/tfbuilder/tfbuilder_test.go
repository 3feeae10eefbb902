package tfbuilder

import (
	"context"
	"testing"
	"time"

	"ta-systemv1/internal/model"
)

// makeBar creates a test 1s bar at the given Unix second.
func makeBar(symbol string, unixSec int64, open, high, low, close_, vol int64) model.Bar {
	return model.Bar{
		Symbol:      symbol,
		Venue:       "SIM",
		TS:          time.Unix(unixSec, 0).UTC(),
		Open:        open,
		High:        high,
		Low:         low,
		Close:       close_,
		Volume:      vol,
		TradesCount: 1,
	}
}

func TestBuilder_60s_Resampling(t *testing.T) {
	b := New([]int{60})  // 1-minute TF
	b.StaleTolerance = 0 // historical timestamps would all read as stale
	outCh := make(chan model.TFBar, 5000)

	// Feed 60 1s bars (second 0 to 59) — all in bucket 0
	// Then feed 1 bar in second 60 to trigger finalization
	baseTS := int64(1700000000) // fixed base, aligned below
	baseTS = baseTS - (baseTS % 60)

	for i := int64(0); i < 60; i++ {
		b.process(makeBar("BTC-USD", baseTS+i, 500+i, 510+i, 490+i, 505+i, 100), outCh)
	}

	// Drain all forming bars from the channel
	for len(outCh) > 0 {
		bar := <-outCh
		if !bar.Forming {
			t.Fatalf("unexpected finalized bar before bucket close: %+v", bar)
		}
	}

	// Trigger new bucket
	b.process(makeBar("BTC-USD", baseTS+60, 600, 610, 590, 605, 100), outCh)

	// Should now have 1 finalized bar among the outputs
	var finalized *model.TFBar
	for len(outCh) > 0 {
		bar := <-outCh
		if !bar.Forming {
			finalized = &bar
			break
		}
	}

	if finalized == nil {
		t.Fatal("expected a finalized bar after bucket close")
	}
	bar := *finalized
	if bar.TF != 60 {
		t.Errorf("expected TF=60, got %d", bar.TF)
	}
	if bar.Symbol != "BTC-USD" {
		t.Errorf("expected symbol=BTC-USD, got %s", bar.Symbol)
	}
	if bar.Open != 500 {
		t.Errorf("expected open=500, got %d", bar.Open)
	}
	if bar.Close != 564 { // 505 + 59
		t.Errorf("expected close=564, got %d", bar.Close)
	}
	if bar.High != 569 { // 510 + 59
		t.Errorf("expected high=569, got %d", bar.High)
	}
	if bar.Low != 490 {
		t.Errorf("expected low=490, got %d", bar.Low)
	}
	if bar.Volume != 6000 { // 60 * 100
		t.Errorf("expected volume=6000, got %d", bar.Volume)
	}
	if bar.Count != 60 {
		t.Errorf("expected count=60, got %d", bar.Count)
	}
	if bar.Forming {
		t.Error("expected forming=false")
	}
}

func TestBuilder_MultipleTFs(t *testing.T) {
	b := New([]int{60, 300}) // 1m and 5m
	b.StaleTolerance = 0
	outCh := make(chan model.TFBar, 10000)

	baseTS := int64(1700000000)
	baseTS = baseTS - (baseTS % 300) // align to 5m boundary

	// Feed 300 bars (5 minutes worth)
	for i := int64(0); i < 300; i++ {
		b.process(makeBar("ETH-USD", baseTS+i, 2000, 2100, 1900, 2050, 10), outCh)
	}

	// Push both TFs into their next bucket
	b.process(makeBar("ETH-USD", baseTS+300, 2100, 2200, 2000, 2150, 10), outCh)

	// Drain channel and separate finalized bars by TF
	var bars1m, bars5m []model.TFBar
	for len(outCh) > 0 {
		bar := <-outCh
		if bar.Forming {
			continue // skip forming bars
		}
		if bar.TF == 60 {
			bars1m = append(bars1m, bar)
		} else if bar.TF == 300 {
			bars5m = append(bars5m, bar)
		}
	}

	if len(bars1m) != 5 {
		t.Errorf("expected 5 finalized 1m bars, got %d", len(bars1m))
	}
	if len(bars5m) != 1 {
		t.Errorf("expected 1 finalized 5m bar, got %d", len(bars5m))
	}

	// Verify 5m bar has all 300 1s bars merged
	if len(bars5m) > 0 {
		bar := bars5m[0]
		if bar.Count != 300 {
			t.Errorf("5m bar count: expected 300, got %d", bar.Count)
		}
		if bar.Volume != 3000 {
			t.Errorf("5m bar volume: expected 3000, got %d", bar.Volume)
		}
	}
}

func TestBuilder_MultiSymbol(t *testing.T) {
	b := New([]int{60})
	b.StaleTolerance = 0
	outCh := make(chan model.TFBar, 5000)

	baseTS := int64(1700000000)
	baseTS = baseTS - (baseTS % 60)

	// Two symbols same bucket
	for i := int64(0); i < 60; i++ {
		b.process(makeBar("A", baseTS+i, 100, 110, 90, 105, 1), outCh)
		b.process(makeBar("B", baseTS+i, 200, 210, 190, 205, 2), outCh)
	}

	// Trigger flush
	b.process(makeBar("A", baseTS+60, 100, 110, 90, 105, 1), outCh)
	b.process(makeBar("B", baseTS+60, 200, 210, 190, 205, 2), outCh)

	symbols := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case bar := <-outCh:
			symbols[bar.Symbol] = true
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}

	if !symbols["A"] || !symbols["B"] {
		t.Errorf("expected bars for both A and B, got %v", symbols)
	}
}

func TestBuilder_Run(t *testing.T) {
	b := New([]int{60})
	b.StaleTolerance = 0
	barCh := make(chan model.Bar, 200)
	outCh := make(chan model.TFBar, 5000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, barCh, outCh)
		close(done)
	}()

	baseTS := int64(1700000000)
	baseTS = baseTS - (baseTS % 60)

	// Send 60 bars + 1 to trigger
	for i := int64(0); i <= 60; i++ {
		barCh <- makeBar("T", baseTS+i, 100, 110, 90, 105, 1)
	}

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done // Run must have returned

	// Safe to drain now that Run exited
	count := 0
	for {
		select {
		case <-outCh:
			count++
		default:
			goto drained
		}
	}
drained:

	if count < 1 {
		t.Errorf("expected at least 1 finalized TF bar, got %d", count)
	}
}

func TestBuilder_FlushElapsed(t *testing.T) {
	b := New([]int{60})
	b.StaleTolerance = 0
	outCh := make(chan model.TFBar, 5000)

	baseTS := int64(1700000000)
	baseTS = baseTS - (baseTS % 60)

	// Half a bucket worth of bars, then the feed stalls
	for i := int64(0); i < 30; i++ {
		b.process(makeBar("BTC-USD", baseTS+i, 100, 110, 90, 105, 1), outCh)
	}
	for len(outCh) > 0 {
		<-outCh // drain forming previews
	}

	// Wall clock still inside the bucket: nothing to flush
	if n := b.FlushElapsed(time.Unix(baseTS+45, 0).UTC(), outCh); n != 0 {
		t.Fatalf("expected 0 flushed mid-bucket, got %d", n)
	}

	// Wall clock past the bucket end: the forming bar is finalized
	if n := b.FlushElapsed(time.Unix(baseTS+60, 0).UTC(), outCh); n != 1 {
		t.Fatalf("expected 1 flushed after bucket end, got %d", n)
	}

	bar := <-outCh
	if bar.Forming {
		t.Error("flushed bar should be finalized")
	}
	if bar.Count != 30 {
		t.Errorf("expected count=30, got %d", bar.Count)
	}

	// State is cleared: a second flush is a no-op
	if n := b.FlushElapsed(time.Unix(baseTS+120, 0).UTC(), outCh); n != 0 {
		t.Fatalf("expected 0 on repeat flush, got %d", n)
	}
}

func TestBuilder_PartialBucket_NoFinalize(t *testing.T) {
	b := New([]int{60})
	b.StaleTolerance = 0
	outCh := make(chan model.TFBar, 5000)

	baseTS := int64(1700000000)
	baseTS = baseTS - (baseTS % 60)

	// Only 30 bars, no bucket close
	for i := int64(0); i < 30; i++ {
		b.process(makeBar("X", baseTS+i, 100, 110, 90, 105, 1), outCh)
	}

	// Drain the forming bars (one per 1s bar processed)
	for {
		select {
		case bar := <-outCh:
			if !bar.Forming {
				t.Fatalf("unexpected finalized bar from partial bucket: %+v", bar)
			}
		default:
			return // all good — only forming bars emitted, no finalized
		}
	}
}
