package ws

import (
	"testing"
	"time"
)

func TestParseTrade_DecimalString(t *testing.T) {
	msg := map[string]interface{}{
		"type":   "trade",
		"symbol": "BTC-USD",
		"price":  "50123.45",
		"qty":    float64(2), // encoding/json decodes numbers as float64
		"ts":     float64(1700000000123),
	}

	trade, err := parseTrade(msg, "LIVE")
	if err != nil {
		t.Fatalf("parseTrade: %v", err)
	}

	if trade.Symbol != "BTC-USD" {
		t.Errorf("symbol: got %s", trade.Symbol)
	}
	if trade.Venue != "LIVE" {
		t.Errorf("venue: got %s", trade.Venue)
	}
	if trade.Price != 50_123_450_000 {
		t.Errorf("price micros: got %d, want 50123450000", trade.Price)
	}
	if trade.Qty != 2 {
		t.Errorf("qty: got %d", trade.Qty)
	}

	want := time.Unix(0, 1700000000123*int64(time.Millisecond)).UTC()
	if !trade.TradeTS.Equal(want) {
		t.Errorf("trade ts: got %v, want %v", trade.TradeTS, want)
	}
}

func TestParseTrade_NumericPrice(t *testing.T) {
	msg := map[string]interface{}{
		"type":   "trade",
		"symbol": "ETH-USD",
		"price":  float64(3000.5),
		"qty":    float64(1),
	}

	trade, err := parseTrade(msg, "LIVE")
	if err != nil {
		t.Fatalf("parseTrade: %v", err)
	}
	if trade.Price != 3_000_500_000 {
		t.Errorf("price micros: got %d, want 3000500000", trade.Price)
	}
	// No ts field — stamped with wall clock
	if trade.TradeTS.IsZero() {
		t.Error("expected a non-zero trade timestamp")
	}
}

func TestParseTrade_Rejects(t *testing.T) {
	if _, err := parseTrade(map[string]interface{}{"type": "trade", "price": "100"}, "LIVE"); err == nil {
		t.Error("expected error for missing symbol")
	}
	if _, err := parseTrade(map[string]interface{}{"type": "trade", "symbol": "X", "price": "0"}, "LIVE"); err == nil {
		t.Error("expected error for zero price")
	}
	if _, err := parseTrade(map[string]interface{}{"type": "trade", "symbol": "X", "price": "junk"}, "LIVE"); err == nil {
		t.Error("expected error for unparseable price")
	}
}
