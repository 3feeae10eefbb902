package indicator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"ta-systemv1/internal/model"
)

func makeTFBar(symbol string, tf int, closeMicros int64) model.TFBar {
	return model.TFBar{
		Symbol:  symbol,
		Venue:   "SIM",
		TF:      tf,
		TS:      time.Now().UTC(),
		Open:    closeMicros,
		High:    closeMicros + 100,
		Low:     closeMicros - 100,
		Close:   closeMicros,
		Volume:  100,
		Count:   60,
		Forming: false,
	}
}

func TestEngine_SMA20(t *testing.T) {
	engine := NewEngine([]TFIndicatorConfig{
		{
			TF: 60,
			Indicators: []IndicatorConfig{
				{Type: "SMA", Period: 20},
			},
		},
	})

	// Feed 25 bars with close = 100.0 (100,000,000 micros)
	for i := 0; i < 25; i++ {
		updates := engine.Process(makeTFBar("BTC-USD", 60, 100_000_000))
		if len(updates) != 1 {
			t.Fatalf("bar %d: expected 1 update, got %d", i, len(updates))
		}
		if wantReady := i >= 19; updates[0].Ready != wantReady {
			t.Errorf("bar %d: Ready=%v, want %v", i, updates[0].Ready, wantReady)
		}
		// All closes are 100.0, so SMA should be 100.0 from the start
		if math.Abs(updates[0].Value-100.0) > 0.001 {
			t.Errorf("bar %d: expected SMA=100.0, got %.4f", i, updates[0].Value)
		}
		if updates[0].Name != "SMA(20)" {
			t.Errorf("bar %d: expected name=SMA(20), got %s", i, updates[0].Name)
		}
	}
}

func TestEngine_RSIAndSSMANames(t *testing.T) {
	engine := NewEngine([]TFIndicatorConfig{
		{
			TF: 60,
			Indicators: []IndicatorConfig{
				{Type: "RSI", Period: 14},
				{Type: "SSMA", Period: 9},
			},
		},
	})

	updates := engine.Process(makeTFBar("ETH-USD", 60, 50_000_000))
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	if updates[0].Name != "RSI(14)" {
		t.Errorf("expected name=RSI(14), got %s", updates[0].Name)
	}
	if updates[1].Name != "SSMA(9)" {
		t.Errorf("expected name=SSMA(9), got %s", updates[1].Name)
	}
	// First RSI sample is neutral
	if updates[0].Value != 50.0 {
		t.Errorf("first RSI update: got %v, want 50.0", updates[0].Value)
	}
	// First SSMA sample is the close itself
	if updates[1].Value != 50.0 {
		t.Errorf("first SSMA update: got %v, want 50.0", updates[1].Value)
	}
}

func TestEngine_MultiIndicator(t *testing.T) {
	engine := NewEngine([]TFIndicatorConfig{
		{
			TF: 60,
			Indicators: []IndicatorConfig{
				{Type: "SMA", Period: 5},
				{Type: "EMA", Period: 5},
				{Type: "SSMA", Period: 5},
				{Type: "RSI", Period: 14},
			},
		},
	})

	for i := 0; i < 20; i++ {
		updates := engine.Process(makeTFBar("A", 60, int64(100_000_000+i*1_000_000)))
		if len(updates) != 4 {
			t.Fatalf("bar %d: expected 4 updates, got %d", i, len(updates))
		}
	}
}

func TestEngine_MultiTF(t *testing.T) {
	engine := NewEngine([]TFIndicatorConfig{
		{TF: 60, Indicators: []IndicatorConfig{{Type: "SMA", Period: 5}}},
		{TF: 300, Indicators: []IndicatorConfig{{Type: "EMA", Period: 10}}},
	})

	// Process a 60s bar
	updates60 := engine.Process(makeTFBar("X", 60, 50_000_000))
	if len(updates60) != 1 {
		t.Fatalf("expected 1 update for TF=60, got %d", len(updates60))
	}
	if updates60[0].TF != 60 {
		t.Errorf("expected TF=60, got %d", updates60[0].TF)
	}

	// Process a 300s bar
	updates300 := engine.Process(makeTFBar("X", 300, 50_000_000))
	if len(updates300) != 1 {
		t.Fatalf("expected 1 update for TF=300, got %d", len(updates300))
	}
	if updates300[0].TF != 300 {
		t.Errorf("expected TF=300, got %d", updates300[0].TF)
	}

	// Process a bar with unconfigured TF
	updatesNone := engine.Process(makeTFBar("X", 900, 50_000_000))
	if len(updatesNone) != 0 {
		t.Errorf("expected 0 updates for unconfigured TF=900, got %d", len(updatesNone))
	}
}

func TestEngine_SkipsFormingBars(t *testing.T) {
	engine := NewEngine([]TFIndicatorConfig{
		{TF: 60, Indicators: []IndicatorConfig{{Type: "SMA", Period: 5}}},
	})

	forming := makeTFBar("Y", 60, 50_000_000)
	forming.Forming = true

	// Run should skip forming bars entirely
	tfCh := make(chan model.TFBar, 10)
	updCh := make(chan model.IndicatorUpdate, 10)

	go func() {
		tfCh <- forming
		close(tfCh)
	}()

	engine.Run(context.Background(), tfCh, updCh)

	select {
	case <-updCh:
		t.Fatal("should not receive updates for forming bars")
	default:
		// expected
	}
}

func TestProcessPeek_NilBeforeProcess(t *testing.T) {
	engine := NewEngine([]TFIndicatorConfig{
		{TF: 60, Indicators: []IndicatorConfig{{Type: "SMA", Period: 5}}},
	})

	forming := makeTFBar("Z", 60, 50_000_000)
	forming.Forming = true

	// ProcessPeek on an unseen symbol should return nil
	updates := engine.ProcessPeek(forming)
	if updates != nil {
		t.Fatalf("expected nil updates before any Process, got %d", len(updates))
	}
}

func TestProcessPeek_LiveResults(t *testing.T) {
	engine := NewEngine([]TFIndicatorConfig{
		{TF: 60, Indicators: []IndicatorConfig{{Type: "SMA", Period: 5}}},
	})

	// Feed 5 completed bars at 100.0 to make SMA ready
	for i := 0; i < 5; i++ {
		engine.Process(makeTFBar("T1", 60, 100_000_000))
	}

	// Now peek with a forming bar at 110.0
	forming := makeTFBar("T1", 60, 110_000_000)
	forming.Forming = true

	updates := engine.ProcessPeek(forming)
	if len(updates) != 1 {
		t.Fatalf("expected 1 peek update, got %d", len(updates))
	}

	if !updates[0].Live {
		t.Error("expected Live=true on peek update")
	}
	if !updates[0].Ready {
		t.Error("expected Ready=true on peek update")
	}

	// Peek value should be (100*4 + 110)/5 = 102.0
	expected := 102.0
	if math.Abs(updates[0].Value-expected) > 0.01 {
		t.Errorf("expected peek value=%.2f, got %.4f", expected, updates[0].Value)
	}
}

func TestProcessPeek_DoesNotMutateState(t *testing.T) {
	engine := NewEngine([]TFIndicatorConfig{
		{TF: 60, Indicators: []IndicatorConfig{{Type: "SMA", Period: 5}}},
	})

	// Feed 5 bars at 100.0
	for i := 0; i < 5; i++ {
		engine.Process(makeTFBar("M1", 60, 100_000_000))
	}

	// Record value before peek
	baseline := engine.Process(makeTFBar("M1", 60, 100_000_000))
	valueBefore := baseline[0].Value

	// Peek with a wildly different price
	forming := makeTFBar("M1", 60, 999_000_000)
	forming.Forming = true
	engine.ProcessPeek(forming)

	// Process another normal bar — value should NOT be affected by peek
	after := engine.Process(makeTFBar("M1", 60, 100_000_000))
	if math.Abs(after[0].Value-valueBefore) > 0.001 {
		t.Errorf("ProcessPeek mutated state! before=%.4f after=%.4f", valueBefore, after[0].Value)
	}
}

func TestReloadConfigs_PreservesState(t *testing.T) {
	engine := NewEngine([]TFIndicatorConfig{
		{TF: 60, Indicators: []IndicatorConfig{{Type: "SSMA", Period: 3}}},
	})

	// Warm the SSMA past its window
	var last float64
	for i := 0; i < 6; i++ {
		updates := engine.Process(makeTFBar("R1", 60, int64(10_000_000+i*1_000_000)))
		last = updates[0].Value
	}

	// Add an RSI alongside; the SSMA state must survive
	preserved, created := engine.ReloadConfigs([]TFIndicatorConfig{
		{TF: 60, Indicators: []IndicatorConfig{
			{Type: "SSMA", Period: 3},
			{Type: "RSI", Period: 14},
		}},
	})
	if preserved == 0 {
		t.Fatalf("expected preserved > 0, got preserved=%d created=%d", preserved, created)
	}

	updates := engine.Process(makeTFBar("R1", 60, 16_000_000))
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates after reload, got %d", len(updates))
	}
	// SSMA continues its recurrence from the preserved value
	want := (last*2 + 16.0) / 3
	if math.Abs(updates[0].Value-want) > 1e-9 {
		t.Errorf("SSMA after reload: got %v, want %v", updates[0].Value, want)
	}
	// The fresh RSI starts neutral
	if updates[1].Value != 50.0 {
		t.Errorf("fresh RSI after reload: got %v, want 50.0", updates[1].Value)
	}
}

func TestBackfillCreated_OnlyStepsNewIndicators(t *testing.T) {
	engine := NewEngine([]TFIndicatorConfig{
		{TF: 60, Indicators: []IndicatorConfig{{Type: "SSMA", Period: 3}}},
	})

	for i := 0; i < 6; i++ {
		engine.Process(makeTFBar("B1", 60, int64(10_000_000+i*1_000_000)))
	}
	warm := engine.Process(makeTFBar("B1", 60, 16_000_000))
	ssmaBefore := warm[0].Value

	engine.ReloadConfigs([]TFIndicatorConfig{
		{TF: 60, Indicators: []IndicatorConfig{
			{Type: "SSMA", Period: 3},
			{Type: "SMA", Period: 2},
		}},
	})

	// Replayed history must reach only the fresh SMA
	updates := engine.BackfillCreated(makeTFBar("B1", 60, 20_000_000))
	if len(updates) != 1 {
		t.Fatalf("expected 1 backfill update, got %d", len(updates))
	}
	if updates[0].Name != "SMA(2)" {
		t.Errorf("backfill stepped %s, want SMA(2)", updates[0].Name)
	}
	engine.BackfillCreated(makeTFBar("B1", 60, 22_000_000))
	engine.FinishBackfill()

	if got := engine.BackfillCreated(makeTFBar("B1", 60, 24_000_000)); got != nil {
		t.Fatalf("BackfillCreated after FinishBackfill: got %d updates, want none", len(got))
	}

	after := engine.Process(makeTFBar("B1", 60, 17_000_000))
	var ssmaAfter, smaAfter float64
	for _, u := range after {
		switch u.Name {
		case "SSMA(3)":
			ssmaAfter = u.Value
		case "SMA(2)":
			smaAfter = u.Value
		}
	}

	// The preserved SSMA continues its recurrence, untouched by the backfill
	want := (ssmaBefore*2 + 17.0) / 3
	if math.Abs(ssmaAfter-want) > 1e-9 {
		t.Errorf("SSMA after backfill: got %v, want %v", ssmaAfter, want)
	}
	// The SMA saw 20, 22 during backfill and 17 live: mean of (22, 17)
	if math.Abs(smaAfter-19.5) > 1e-9 {
		t.Errorf("SMA after backfill: got %v, want 19.5", smaAfter)
	}
}

func TestValidateConfigs(t *testing.T) {
	valid := []TFIndicatorConfig{
		{TF: 60, Indicators: []IndicatorConfig{{Type: "RSI", Period: 14}, {Type: "SSMA", Period: 9}}},
	}
	if err := ValidateConfigs(valid); err != nil {
		t.Errorf("valid configs rejected: %v", err)
	}

	badPeriod := []TFIndicatorConfig{
		{TF: 60, Indicators: []IndicatorConfig{{Type: "RSI", Period: 0}}},
	}
	if err := ValidateConfigs(badPeriod); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("period 0: err=%v, want ErrInvalidParameter", err)
	}

	badType := []TFIndicatorConfig{
		{TF: 60, Indicators: []IndicatorConfig{{Type: "WMA", Period: 9}}},
	}
	if err := ValidateConfigs(badType); err == nil {
		t.Error("unknown type should be rejected")
	}

	dupTF := []TFIndicatorConfig{
		{TF: 60, Indicators: []IndicatorConfig{{Type: "SMA", Period: 9}}},
		{TF: 60, Indicators: []IndicatorConfig{{Type: "EMA", Period: 9}}},
	}
	if err := ValidateConfigs(dupTF); err == nil {
		t.Error("duplicate TF should be rejected")
	}
}
