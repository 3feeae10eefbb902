package model

import (
	"encoding/json"
	"time"
)

// Bar represents a 1-second OHLC bar for a single instrument.
// All prices are in micros (int64) to avoid floating-point drift.
type Bar struct {
	Symbol      string    `json:"symbol"`
	Venue       string    `json:"venue"`
	TS          time.Time `json:"ts"`           // bucket start time (UTC, second-aligned)
	Open        int64     `json:"open"`         // micros
	High        int64     `json:"high"`         // micros
	Low         int64     `json:"low"`          // micros
	Close       int64     `json:"close"`        // micros
	Volume      int64     `json:"volume"`       // cumulative quantity in this second
	TradesCount int       `json:"trades_count"` // number of trades aggregated
}

// Key returns a unique key for this bar's instrument: "venue:symbol".
func (b *Bar) Key() string {
	return b.Venue + ":" + b.Symbol
}

// ClosePrice returns the close converted back to a float price.
func (b *Bar) ClosePrice() float64 {
	return MicrosToPrice(b.Close)
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	data, _ := json.Marshal(b)
	return data
}
