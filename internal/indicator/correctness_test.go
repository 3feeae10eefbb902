package indicator

import (
	"errors"
	"math"
	"testing"

	"ta-systemv1/internal/model"
)

// ────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────

func tfbar(close float64) *model.TFBar {
	m := model.PriceToMicros(close)
	return &model.TFBar{
		Symbol: "TEST", Venue: "SIM", TF: 60,
		Open: m, High: m + 50, Low: m - 50, Close: m,
	}
}

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f, diff=%.6f)", label, got, want, tol, math.Abs(got-want))
	}
}

// ────────────────────────────────────────────────────────────
// Construction
// ────────────────────────────────────────────────────────────

func TestNew_PeriodValidation(t *testing.T) {
	for _, typ := range []string{"SMA", "EMA", "SSMA", "RSI"} {
		if _, err := New(typ, 0); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("%s period 0: err=%v, want ErrInvalidParameter", typ, err)
		}
		if _, err := New(typ, 1); err != nil {
			t.Errorf("%s period 1: unexpected error: %v", typ, err)
		}
	}
	if _, err := New("WMA", 9); err == nil {
		t.Error("unknown indicator type should fail")
	}
}

func TestIndicators_PeriodEcho(t *testing.T) {
	for _, typ := range []string{"SMA", "EMA", "SSMA", "RSI"} {
		for _, period := range []int{1, 3, 14, 200} {
			ind, err := New(typ, period)
			if err != nil {
				t.Fatalf("New(%s, %d): %v", typ, period, err)
			}
			if ind.Period() != period {
				t.Errorf("%s: Period()=%d, want %d", typ, ind.Period(), period)
			}
		}
	}
}

func TestIndicators_String(t *testing.T) {
	cases := []struct {
		typ    string
		period int
		want   string
	}{
		{"SMA", 20, "SMA(20)"},
		{"EMA", 9, "EMA(9)"},
		{"SSMA", 5, "SSMA(5)"},
		{"RSI", 16, "RSI(16)"},
	}
	for _, c := range cases {
		ind, err := New(c.typ, c.period)
		if err != nil {
			t.Fatal(err)
		}
		if got := ind.String(); got != c.want {
			t.Errorf("String()=%q, want %q", got, c.want)
		}
	}
}

func TestIndicators_Defaults(t *testing.T) {
	if got := NewDefaultRSI().Period(); got != DefaultRSIPeriod {
		t.Errorf("default RSI period=%d, want %d", got, DefaultRSIPeriod)
	}
	if got := NewDefaultSSMA().Period(); got != DefaultSSMAPeriod {
		t.Errorf("default SSMA period=%d, want %d", got, DefaultSSMAPeriod)
	}
	if got := NewDefaultSMA().Period(); got != DefaultSMAPeriod {
		t.Errorf("default SMA period=%d, want %d", got, DefaultSMAPeriod)
	}
	if got := NewDefaultEMA().Period(); got != DefaultEMAPeriod {
		t.Errorf("default EMA period=%d, want %d", got, DefaultEMAPeriod)
	}
}

// ────────────────────────────────────────────────────────────
// SMA Correctness
// ────────────────────────────────────────────────────────────

func TestSMA_Correctness_Period3(t *testing.T) {
	// Hand-calculated SMA(3) for a known price series:
	// Prices: 100, 102, 104, 103, 105
	// Running mean until the window fills, then a true rolling mean:
	//   100/1 = 100.0
	//   202/2 = 101.0
	//   306/3 = 102.0
	//   (102+104+103)/3 = 103.0
	//   (104+103+105)/3 = 104.0

	sma, err := NewSMA(3)
	if err != nil {
		t.Fatal(err)
	}
	prices := []float64{100, 102, 104, 103, 105}
	expected := []float64{100.0, 101.0, 102.0, 103.0, 104.0}
	ready := []bool{false, false, true, true, true}

	for i, p := range prices {
		got := sma.Step(p)
		if sma.Ready() != ready[i] {
			t.Errorf("step %d: Ready()=%v, want %v", i, sma.Ready(), ready[i])
		}
		assertClose(t, "SMA(3) step "+model.Itoa(i+1), got, expected[i], 0.0001)
	}
}

func TestSMA_Correctness_Period5(t *testing.T) {
	// Prices: 10, 11, 12, 13, 14, 15, 16
	// SMA(5) after step 5: (10+11+12+13+14)/5 = 12.0
	// SMA(5) after step 6: (11+12+13+14+15)/5 = 13.0
	// SMA(5) after step 7: (12+13+14+15+16)/5 = 14.0

	sma, err := NewSMA(5)
	if err != nil {
		t.Fatal(err)
	}
	prices := []float64{10, 11, 12, 13, 14, 15, 16}
	expected := []float64{10.0, 10.5, 11.0, 11.5, 12.0, 13.0, 14.0}
	ready := []bool{false, false, false, false, true, true, true}

	for i, p := range prices {
		got := sma.Step(p)
		if sma.Ready() != ready[i] {
			t.Errorf("step %d: Ready()=%v, want %v", i, sma.Ready(), ready[i])
		}
		assertClose(t, "SMA(5)", got, expected[i], 0.0001)
	}
}

func TestSMA_Peek_DoesNotMutate(t *testing.T) {
	sma, _ := NewSMA(3)
	for _, p := range []float64{100, 102, 104} {
		sma.Step(p)
	}
	valueBefore := sma.Value()

	// Peek with a very different price
	_ = sma.Peek(200)

	// Value should be unchanged
	assertClose(t, "SMA after Peek", sma.Value(), valueBefore, 0.0001)
}

func TestSMA_Peek_CorrectValue(t *testing.T) {
	sma, _ := NewSMA(3)
	// Feed: 100, 102, 104 → SMA = 102
	for _, p := range []float64{100, 102, 104} {
		sma.Step(p)
	}
	// Peek with 106 → expected: (102+104+106)/3 = 104
	assertClose(t, "SMA Peek full window", sma.Peek(106), 104.0, 0.0001)

	// Warm-up peek: fresh SMA(3) with one sample previews a partial mean
	sma2, _ := NewSMA(3)
	sma2.Step(100)
	assertClose(t, "SMA Peek warm-up", sma2.Peek(104), 102.0, 0.0001)
}

func TestSMA_ResetThenStepReturnsInput(t *testing.T) {
	sma, _ := NewSMA(4)
	for _, p := range []float64{10, 20, 30, 40, 50} {
		sma.Step(p)
	}
	sma.Reset()
	if got := sma.Step(77.0); got != 77.0 {
		t.Errorf("first step after reset: got %v, want 77.0", got)
	}
}

func TestSMA_ResetReplayParity(t *testing.T) {
	seq := []float64{100, 102, 104, 103, 105, 99, 101.5}

	fresh, _ := NewSMA(3)
	want := make([]float64, 0, len(seq))
	for _, v := range seq {
		want = append(want, fresh.Step(v))
	}

	sma, _ := NewSMA(3)
	for _, v := range seq {
		sma.Step(v)
	}
	sma.Reset()
	for i, v := range seq {
		if got := sma.Step(v); got != want[i] {
			t.Errorf("replay step %d: got %v, want %v", i, got, want[i])
		}
	}
}

// ────────────────────────────────────────────────────────────
// EMA Correctness
// ────────────────────────────────────────────────────────────

func TestEMA_Correctness_Period3(t *testing.T) {
	// EMA(3): multiplier = 2/(3+1) = 0.5
	// Prices: 100, 102, 104, 103, 105
	//
	// Step 1: sum=100
	// Step 2: sum=202
	// Step 3: sum=306 → initial EMA = 306/3 = 102.0 (SMA seed)
	// Step 4: EMA = 103*0.5 + 102.0*0.5 = 102.5
	// Step 5: EMA = 105*0.5 + 102.5*0.5 = 103.75

	ema, err := NewEMA(3)
	if err != nil {
		t.Fatal(err)
	}
	prices := []float64{100, 102, 104, 103, 105}
	expected := []float64{0, 0, 102.0, 102.5, 103.75}
	ready := []bool{false, false, true, true, true}

	for i, p := range prices {
		got := ema.Step(p)
		if ema.Ready() != ready[i] {
			t.Errorf("step %d: Ready()=%v, want %v", i, ema.Ready(), ready[i])
		}
		if ready[i] {
			assertClose(t, "EMA(3)", got, expected[i], 0.0001)
		}
	}
}

func TestEMA_Peek_DoesNotMutate(t *testing.T) {
	ema, _ := NewEMA(3)
	for _, p := range []float64{100, 102, 104} {
		ema.Step(p)
	}
	valueBefore := ema.Value()

	ema.Peek(200)

	assertClose(t, "EMA after Peek", ema.Value(), valueBefore, 0.0001)
}

func TestEMA_Peek_CorrectValue(t *testing.T) {
	ema, _ := NewEMA(3)
	// Seed: (100+102+104)/3 = 102.0
	for _, p := range []float64{100, 102, 104} {
		ema.Step(p)
	}
	// Peek with 106: EMA = 106*0.5 + 102*0.5 = 104.0
	assertClose(t, "EMA Peek", ema.Peek(106), 104.0, 0.0001)

	// A peek that would complete the seed previews the seed mean
	ema2, _ := NewEMA(3)
	ema2.Step(100)
	ema2.Step(102)
	assertClose(t, "EMA Peek seed", ema2.Peek(104), 102.0, 0.0001)
}

func TestEMA_MoreResponsiveThanSMA(t *testing.T) {
	sma, _ := NewSMA(10)
	ema, _ := NewEMA(10)

	// Feed 20 steps at flat 100
	for i := 0; i < 20; i++ {
		sma.Step(100)
		ema.Step(100)
	}

	// Sudden jump to 120
	sma.Step(120)
	ema.Step(120)

	// EMA should react more (closer to 120) than SMA
	if ema.Value() <= sma.Value() {
		t.Errorf("EMA should react more than SMA to sudden price jump: EMA=%.4f, SMA=%.4f", ema.Value(), sma.Value())
	}
}

// ────────────────────────────────────────────────────────────
// SSMA Correctness
// ────────────────────────────────────────────────────────────

func TestSSMA_Correctness_Period3(t *testing.T) {
	// SSMA(3) over 10, 11, 12, 13, 14, 15.
	// Warm-up is a running mean: 10/1, 21/2, 33/3.
	// The recurrence takes over on step 4, seeded by the warm-up mean:
	//   step 4: (11.0·2 + 13)/3 = 11.666666...
	//   step 5: (11.666·2 + 14)/3 = 12.444444...
	//   step 6: (12.444·2 + 15)/3 = 13.296296...

	ssma, err := NewSSMA(3)
	if err != nil {
		t.Fatal(err)
	}

	assertClose(t, "step 1", ssma.Step(10.0), 10.0, 0)
	assertClose(t, "step 2", ssma.Step(11.0), 10.5, 0)
	assertClose(t, "step 3", ssma.Step(12.0), 11.0, 0)
	assertClose(t, "step 4", ssma.Step(13.0), 11.666666666666666, 1e-9)
	assertClose(t, "step 5", ssma.Step(14.0), 12.444444444444445, 1e-9)
	assertClose(t, "step 6", ssma.Step(15.0), 13.296296296296296, 1e-9)
}

func TestSSMA_StepBar_Period4(t *testing.T) {
	// SSMA(4) fed through bar closes 4, 5, 6, 6, 6, 2.
	// Running mean through the 4th sample, then the recurrence:
	//   4/1, 9/2, 15/3, 21/4 = 5.25
	//   (5.25·3 + 6)/4 = 5.4375
	//   (5.4375·3 + 2)/4 = 4.578125
	// All of these are exact in binary floating-point.

	ssma, _ := NewSSMA(4)

	closes := []float64{4, 5, 6, 6, 6, 2}
	expected := []float64{4.0, 4.5, 5.0, 5.25, 5.4375, 4.578125}
	for i, c := range closes {
		got := ssma.StepBar(tfbar(c))
		assertClose(t, "bar "+model.Itoa(i+1), got, expected[i], 0)
	}
}

func TestSSMA_WarmupIsRunningMean(t *testing.T) {
	ssma, _ := NewSSMA(6)
	sum := 0.0
	for i := 1; i <= 6; i++ {
		v := float64(i * i) // 1, 4, 9, 16, 25, 36
		sum += v
		assertClose(t, "warm-up step "+model.Itoa(i), ssma.Step(v), sum/float64(i), 1e-12)
	}
}

func TestSSMA_Period1_Identity(t *testing.T) {
	// Period 1 degenerates to the identity: (prev·0 + v)/1 = v.
	ssma, _ := NewSSMA(1)
	assertClose(t, "step 1", ssma.Step(100.0), 100.0, 0)
	assertClose(t, "step 2", ssma.Step(200.0), 200.0, 0)
	assertClose(t, "step 3", ssma.Step(300.0), 300.0, 0)
}

func TestSSMA_ResetThenStepReturnsInput(t *testing.T) {
	ssma, _ := NewSSMA(3)
	for _, p := range []float64{10, 11, 12, 13} {
		ssma.Step(p)
	}
	ssma.Reset()
	if got := ssma.Step(99.0); got != 99.0 {
		t.Errorf("first step after reset: got %v, want 99.0", got)
	}
}

func TestSSMA_ResetReplayParity(t *testing.T) {
	seq := []float64{10, 11, 12, 13, 14, 15, 9.5}

	fresh, _ := NewSSMA(3)
	want := make([]float64, 0, len(seq))
	for _, v := range seq {
		want = append(want, fresh.Step(v))
	}

	ssma, _ := NewSSMA(3)
	for _, v := range seq {
		ssma.Step(v)
	}
	ssma.Reset()
	for i, v := range seq {
		if got := ssma.Step(v); got != want[i] {
			t.Errorf("replay step %d: got %v, want %v", i, got, want[i])
		}
	}
}

func TestSSMA_Peek_DoesNotMutate(t *testing.T) {
	ssma, _ := NewSSMA(3)
	for _, p := range []float64{10, 11, 12} {
		ssma.Step(p)
	}
	valueBefore := ssma.Value()

	ssma.Peek(200)

	assertClose(t, "SSMA after Peek", ssma.Value(), valueBefore, 0.0001)
}

func TestSSMA_Peek_MatchesStep(t *testing.T) {
	// Peek must preview exactly what Step would return, on both sides
	// of the warm-up boundary.
	for _, steps := range []int{1, 2, 3, 4, 7} {
		ssma, _ := NewSSMA(3)
		for i := 0; i < steps; i++ {
			ssma.Step(10.0 + float64(i))
		}
		peek := ssma.Peek(25.0)
		got := ssma.Step(25.0)
		assertClose(t, "peek after "+model.Itoa(steps)+" steps", peek, got, 1e-12)
	}
}

// ────────────────────────────────────────────────────────────
// RSI Correctness
// ────────────────────────────────────────────────────────────

func TestRSI_Correctness_Period3(t *testing.T) {
	// RSI(3) over 10.0, 10.5, 10.0, 9.5 — hand-calculated with the two
	// inner SMA(3) windows (running mean during warm-up):
	//
	// Step 1 (10.0): first sample seeds prev; both windows receive 0.
	//   U=0, D=0 → neutral 50.
	// Step 2 (10.5): up move 0.5.
	//   up=[0, 0.5] → U=0.25; down=[0, 0] → D=0 → 100·0.25/0.25 = 100.
	// Step 3 (10.0): down move 0.5.
	//   up=[0, 0.5, 0] → U=1/6; down=[0, 0, 0.5] → D=1/6 → 50.
	// Step 4 (9.5): down move 0.5, windows slide.
	//   up=[0.5, 0, 0] → U=1/6; down=[0, 0.5, 0.5] → D=1/3
	//   → 100·(1/6)/(1/2) = 33.333...

	rsi, err := NewRSI(3)
	if err != nil {
		t.Fatal(err)
	}

	if got := rsi.Step(10.0); got != 50.0 {
		t.Errorf("step 1: got %v, want exactly 50.0", got)
	}
	assertClose(t, "step 2", rsi.Step(10.5), 100.0, 1e-9)
	assertClose(t, "step 3", rsi.Step(10.0), 50.0, 1e-9)
	assertClose(t, "step 4", rsi.Step(9.5), 33.333333333333336, 1e-9)
}

func TestRSI_FirstStepNeutral(t *testing.T) {
	rsi, _ := NewRSI(14)
	if got := rsi.Step(123.45); got != 50.0 {
		t.Errorf("first step: got %v, want exactly 50.0", got)
	}
}

func TestRSI_AllUp_Is100(t *testing.T) {
	// After the first up move, the down window holds only zeros, so the
	// ratio saturates at 100 for as long as the rally lasts.
	rsi, _ := NewRSI(5)
	rsi.Step(100.0)
	for i := 1; i < 10; i++ {
		got := rsi.Step(100.0 + float64(i))
		assertClose(t, "rising step "+model.Itoa(i), got, 100.0, 0.001)
	}
}

func TestRSI_AllDown_Is0(t *testing.T) {
	rsi, _ := NewRSI(5)
	rsi.Step(200.0)
	for i := 1; i < 10; i++ {
		got := rsi.Step(200.0 - float64(i))
		assertClose(t, "falling step "+model.Itoa(i), got, 0.0, 0.001)
	}
}

func TestRSI_Flat_Is50(t *testing.T) {
	// Flat prices: every delta is 0, both windows stay all-zero, and
	// the near-zero denominator reports neutral 50.
	rsi, _ := NewRSI(5)
	for i := 0; i < 10; i++ {
		if got := rsi.Step(100.0); got != 50.0 {
			t.Errorf("flat step %d: got %v, want 50.0", i, got)
		}
	}
}

func TestRSI_EqualValueIsZeroDownMove(t *testing.T) {
	// A repeated value routes through the down window with magnitude 0,
	// leaving both windows all-zero: still neutral.
	rsi, _ := NewRSI(3)
	rsi.Step(10.0)
	if got := rsi.Step(10.0); got != 50.0 {
		t.Errorf("repeated value: got %v, want 50.0", got)
	}
	// The next real up move is the only nonzero sample in either window.
	assertClose(t, "up after flat", rsi.Step(11.0), 100.0, 0.001)
}

func TestRSI_OutputRange(t *testing.T) {
	rsi, _ := NewRSI(3)
	seq := []float64{10, -5, 3.25, 3.25, 100.5, 0, -200, 7, 7, 7.0001}
	for i, v := range seq {
		got := rsi.Step(v)
		if got < 0 || got > 100 {
			t.Errorf("step %d: RSI=%v out of [0, 100]", i, got)
		}
	}
}

func TestRSI_ResetReplayParity(t *testing.T) {
	seq := []float64{10.0, 10.5, 10.0, 9.5, 11.25, 11.25, 8.0}

	fresh, _ := NewRSI(3)
	want := make([]float64, 0, len(seq))
	for _, v := range seq {
		want = append(want, fresh.Step(v))
	}

	rsi, _ := NewRSI(3)
	for _, v := range seq {
		rsi.Step(v)
	}
	rsi.Reset()
	for i, v := range seq {
		if got := rsi.Step(v); got != want[i] {
			t.Errorf("replay step %d: got %v, want %v", i, got, want[i])
		}
	}
}

func TestRSI_Peek_DoesNotMutate(t *testing.T) {
	rsi, _ := NewRSI(5)
	for i := 0; i < 10; i++ {
		rsi.Step(100.0 + float64(i))
	}
	valueBefore := rsi.Value()

	rsi.Peek(50.0)

	assertClose(t, "RSI after Peek", rsi.Value(), valueBefore, 0.0001)
}

func TestRSI_Peek_MatchesStep(t *testing.T) {
	seq := []float64{10, 10.5, 10, 9.5, 12, 11, 11, 13}
	for _, steps := range []int{0, 1, 2, 4, 8} {
		rsi, _ := NewRSI(3)
		for _, v := range seq[:steps] {
			rsi.Step(v)
		}
		peek := rsi.Peek(11.0)
		got := rsi.Step(11.0)
		assertClose(t, "peek after "+model.Itoa(steps)+" steps", peek, got, 1e-12)
	}
}

func TestRSI_Peek_CorrectDirection(t *testing.T) {
	rsi, _ := NewRSI(5)
	// Feed steadily rising prices → RSI saturates at 100
	for i := 0; i < 10; i++ {
		rsi.Step(100.0 + float64(i))
	}

	// Peek with a lower price → RSI should decrease
	peekDown := rsi.Peek(80.0)
	if peekDown >= rsi.Value() {
		t.Errorf("RSI Peek with lower price should decrease: peek=%.2f, current=%.2f", peekDown, rsi.Value())
	}
}

// ────────────────────────────────────────────────────────────
// StepBar equivalence
// ────────────────────────────────────────────────────────────

func TestStepBar_MatchesStep(t *testing.T) {
	a, _ := NewRSI(3)
	b, _ := NewRSI(3)
	for _, c := range []float64{10, 10.5, 10, 9.5} {
		va := a.Step(c)
		vb := b.StepBar(tfbar(c))
		if va != vb {
			t.Errorf("close %v: Step=%v, StepBar=%v", c, va, vb)
		}
	}
}

// ────────────────────────────────────────────────────────────
// Cross-indicator: same data → correct ordering
// ────────────────────────────────────────────────────────────

func TestIndicators_TrendingUp_Ordering(t *testing.T) {
	// With steadily rising prices, faster MAs should be above slower MAs
	sma5, _ := NewSMA(5)
	sma20, _ := NewSMA(20)
	ema5, _ := NewEMA(5)

	for i := 0; i < 30; i++ {
		p := 100.0 + float64(i) // steadily rising
		sma5.Step(p)
		sma20.Step(p)
		ema5.Step(p)
	}

	if sma5.Value() <= sma20.Value() {
		t.Errorf("SMA(5) should be > SMA(20) in uptrend: SMA5=%.2f, SMA20=%.2f", sma5.Value(), sma20.Value())
	}
	if ema5.Value() <= sma20.Value() {
		t.Errorf("EMA(5) should be > SMA(20) in uptrend: EMA5=%.2f, SMA20=%.2f", ema5.Value(), sma20.Value())
	}
}

func TestIndicators_TrendingDown_Ordering(t *testing.T) {
	// With steadily falling prices, faster MAs should be below slower MAs
	sma5, _ := NewSMA(5)
	sma20, _ := NewSMA(20)

	for i := 0; i < 30; i++ {
		p := 200.0 - float64(i) // steadily falling
		sma5.Step(p)
		sma20.Step(p)
	}

	if sma5.Value() >= sma20.Value() {
		t.Errorf("SMA(5) should be < SMA(20) in downtrend: SMA5=%.2f, SMA20=%.2f", sma5.Value(), sma20.Value())
	}
}
