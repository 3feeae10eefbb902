package indengine

import (
	"os"
	"path/filepath"
	"testing"

	"ta-systemv1/internal/indicator"
)

func TestParseIndicatorSpecs_TypePeriod(t *testing.T) {
	specs := ParseIndicatorSpecs("RSI:14,SSMA:21,SMA:20")
	if len(specs) != 3 {
		t.Fatalf("expected 3 specs, got %d", len(specs))
	}
	if specs[0].Type != "RSI" || specs[0].Period != 14 {
		t.Errorf("spec[0] = %+v, want RSI:14", specs[0])
	}
	if specs[1].Type != "SSMA" || specs[1].Period != 21 {
		t.Errorf("spec[1] = %+v, want SSMA:21", specs[1])
	}
	if specs[2].Type != "SMA" || specs[2].Period != 20 {
		t.Errorf("spec[2] = %+v, want SMA:20", specs[2])
	}
}

func TestParseIndicatorSpecs_BareTypeDefaults(t *testing.T) {
	// Bare "RSI" takes 14; bare "SSMA" takes 9.
	specs := ParseIndicatorSpecs("RSI,SSMA")
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].Type != "RSI" || specs[0].Period != indicator.DefaultRSIPeriod {
		t.Errorf("bare RSI = %+v, want period %d", specs[0], indicator.DefaultRSIPeriod)
	}
	if specs[1].Type != "SSMA" || specs[1].Period != indicator.DefaultSSMAPeriod {
		t.Errorf("bare SSMA = %+v, want period %d", specs[1], indicator.DefaultSSMAPeriod)
	}
}

func TestParseIndicatorSpecs_SkipsInvalid(t *testing.T) {
	// "FOO" is unknown, "EMA:zero" has a bad period; only SSMA:9 survives.
	specs := ParseIndicatorSpecs("FOO,EMA:zero,SSMA:9")
	if len(specs) != 1 {
		t.Fatalf("expected 1 spec, got %d: %+v", len(specs), specs)
	}
	if specs[0].Type != "SSMA" || specs[0].Period != 9 {
		t.Errorf("got %+v, want SSMA:9", specs[0])
	}
}

func TestParseIndicatorSpecs_EmptyUsesDefaults(t *testing.T) {
	specs := ParseIndicatorSpecs("")
	if len(specs) == 0 {
		t.Fatal("expected non-empty default specs")
	}
	// Defaults lead with the core pair: RSI(14) then SSMA(9).
	if specs[0].Type != "RSI" || specs[0].Period != 14 {
		t.Errorf("default[0] = %+v, want RSI:14", specs[0])
	}
	if specs[1].Type != "SSMA" || specs[1].Period != 9 {
		t.Errorf("default[1] = %+v, want SSMA:9", specs[1])
	}
}

func TestLoadSpecsFile(t *testing.T) {
	yml := `
timeframes:
  - tf: 60
    indicators: ["RSI:14", "SSMA:9"]
  - tf: 300
    indicators: ["RSI", "SMA:20"]
`
	path := filepath.Join(t.TempDir(), "indicators.yaml")
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	configs, tfs, err := LoadSpecsFile(path)
	if err != nil {
		t.Fatalf("LoadSpecsFile: %v", err)
	}
	if len(tfs) != 2 || tfs[0] != 60 || tfs[1] != 300 {
		t.Fatalf("tfs = %v, want [60 300]", tfs)
	}
	if len(configs) != 2 {
		t.Fatalf("expected 2 TF configs, got %d", len(configs))
	}
	if configs[0].TF != 60 || len(configs[0].Indicators) != 2 {
		t.Errorf("configs[0] = %+v", configs[0])
	}
	// Bare "RSI" in the 300s block resolves to period 14
	if configs[1].Indicators[0].Type != "RSI" || configs[1].Indicators[0].Period != 14 {
		t.Errorf("configs[1].Indicators[0] = %+v, want RSI:14", configs[1].Indicators[0])
	}
}

func TestLoadSpecsFile_RejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, []byte("timeframes: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadSpecsFile(path); err == nil {
		t.Fatal("expected error for specs file with no timeframes")
	}
}

func TestParseSymbolKeys(t *testing.T) {
	keys := parseSymbolKeys("LIVE:BTC-USD, ETH-USD")
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if keys[0] != "LIVE:BTC-USD" {
		t.Errorf("keys[0] = %q, want LIVE:BTC-USD", keys[0])
	}
	// Bare symbol defaults to the SIM venue
	if keys[1] != "SIM:ETH-USD" {
		t.Errorf("keys[1] = %q, want SIM:ETH-USD", keys[1])
	}
}

func TestParseTFs(t *testing.T) {
	tfs := parseTFs("60, 300,, x, -5,900")
	if len(tfs) != 3 || tfs[0] != 60 || tfs[1] != 300 || tfs[2] != 900 {
		t.Errorf("parseTFs = %v, want [60 300 900]", tfs)
	}
}
