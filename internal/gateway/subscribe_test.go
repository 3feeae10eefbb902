package gateway

import "testing"

func TestIndicatorSpecToName(t *testing.T) {
	tests := []struct {
		name string
		spec IndicatorSpec
		want string
	}{
		{"rsi_explicit", IndicatorSpec{ID: "rsi", Params: map[string]int{"length": 14}}, "RSI(14)"},
		{"ssma_explicit", IndicatorSpec{ID: "ssma", Params: map[string]int{"length": 21}}, "SSMA(21)"},
		{"uppercase_id", IndicatorSpec{ID: "EMA", Params: map[string]int{"length": 9}}, "EMA(9)"},
		{"rsi_default_length", IndicatorSpec{ID: "rsi"}, "RSI(14)"},
		{"ssma_default_length", IndicatorSpec{ID: "ssma"}, "SSMA(9)"},
		{"sma_default_length", IndicatorSpec{ID: "sma"}, "SMA(9)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IndicatorSpecToName(tt.spec); got != tt.want {
				t.Errorf("IndicatorSpecToName(%+v) = %q, want %q", tt.spec, got, tt.want)
			}
		})
	}
}

func TestIndicatorSpecToConfig(t *testing.T) {
	spec := IndicatorSpec{ID: "rsi", Params: map[string]int{"length": 21}}
	if got := IndicatorSpecToConfig(spec); got != "RSI:21" {
		t.Errorf("IndicatorSpecToConfig = %q, want %q", got, "RSI:21")
	}
}

func TestIndicatorNameToConfig(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{"rsi", "RSI(14)", "RSI:14", true},
		{"ssma", "SSMA(21)", "SSMA:21", true},
		{"missing_paren", "RSI14", "", false},
		{"missing_close", "RSI(14", "", false},
		{"empty_period", "RSI()", "", false},
		{"non_numeric_period", "RSI(x)", "", false},
		{"empty_type", "(14)", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := indicatorNameToConfig(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("indicatorNameToConfig(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("indicatorNameToConfig(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestNameConfigRoundTrip verifies spec → name → config agrees with spec → config.
func TestNameConfigRoundTrip(t *testing.T) {
	specs := []IndicatorSpec{
		{ID: "rsi", Params: map[string]int{"length": 14}},
		{ID: "ssma", Params: map[string]int{"length": 9}},
		{ID: "ema", Params: map[string]int{"length": 26}},
	}
	for _, spec := range specs {
		name := IndicatorSpecToName(spec)
		got, ok := indicatorNameToConfig(name)
		if !ok {
			t.Fatalf("name %q did not convert back to config", name)
		}
		if want := IndicatorSpecToConfig(spec); got != want {
			t.Errorf("round trip for %+v: got %q, want %q", spec, got, want)
		}
	}
}

func TestResolveIndEntries(t *testing.T) {
	specs := []IndicatorSpec{
		{ID: "rsi", Params: map[string]int{"length": 14}},
		{ID: "ssma", Params: map[string]int{"length": 21}, TF: 300},
	}

	entries := ResolveIndEntries(specs, 60)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Name != "RSI(14)" || entries[0].TF != 60 {
		t.Errorf("entry[0] = %+v, want RSI(14)@60", entries[0])
	}
	// Per-indicator TF override wins over the subscription TF
	if entries[1].Name != "SSMA(21)" || entries[1].TF != 300 {
		t.Errorf("entry[1] = %+v, want SSMA(21)@300", entries[1])
	}

	if key := entries[1].Key(); key != "SSMA(21):300" {
		t.Errorf("Key() = %q, want %q", key, "SSMA(21):300")
	}
}

func TestSubKey(t *testing.T) {
	sub := &ClientSubscription{Symbol: "SIM:BTC-USD", TF: 60}
	if got := sub.SubKey(); got != "SIM:BTC-USD:60" {
		t.Errorf("SubKey() = %q, want %q", got, "SIM:BTC-USD:60")
	}
}
