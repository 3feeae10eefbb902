package model

import (
	"encoding/json"
	"time"
)

// TFBar represents a resampled OHLC bar for a dynamic timeframe.
// TF is the timeframe duration in seconds (e.g., 60 = 1 minute).
// All prices are in micros (int64) to avoid floating-point drift.
type TFBar struct {
	Symbol  string    `json:"symbol"`
	Venue   string    `json:"venue"`
	TF      int       `json:"tf"`      // timeframe in seconds
	TS      time.Time `json:"ts"`      // bucket start time (UTC, TF-aligned)
	Open    int64     `json:"open"`    // micros
	High    int64     `json:"high"`    // micros
	Low     int64     `json:"low"`     // micros
	Close   int64     `json:"close"`   // micros
	Volume  int64     `json:"volume"`  // cumulative quantity
	Count   int       `json:"count"`   // number of 1s bars merged
	Forming bool      `json:"forming"` // true if bucket is still open
}

// Key returns "venue:symbol".
func (b *TFBar) Key() string {
	return b.Venue + ":" + b.Symbol
}

// StreamKey returns the Redis stream key: "bar:{TF}s:{venue}:{symbol}".
func (b *TFBar) StreamKey() string {
	return "bar:" + Itoa(b.TF) + "s:" + b.Venue + ":" + b.Symbol
}

// ClosePrice returns the close converted back to a float price.
func (b *TFBar) ClosePrice() float64 {
	return MicrosToPrice(b.Close)
}

// JSON returns the JSON-encoded TF bar.
func (b *TFBar) JSON() []byte {
	data, _ := json.Marshal(b)
	return data
}

// IndicatorUpdate holds a computed indicator value for a specific symbol + TF.
type IndicatorUpdate struct {
	Name   string    `json:"name"` // e.g. "SMA(20)", "EMA(9)", "RSI(14)"
	Symbol string    `json:"symbol"`
	Venue  string    `json:"venue"`
	TF     int       `json:"tf"` // timeframe in seconds
	Value  float64   `json:"value"`
	TS     time.Time `json:"ts"`    // bar timestamp that produced this value
	Ready  bool      `json:"ready"` // true when indicator has enough data
	Live   bool      `json:"live"`  // true for preview values from forming bars
}

// StreamKey returns the Redis stream key: "ind:{name}:{TF}s:{venue}:{symbol}".
func (u *IndicatorUpdate) StreamKey() string {
	return "ind:" + u.Name + ":" + Itoa(u.TF) + "s:" + u.Venue + ":" + u.Symbol
}

// PubSubChannel returns the pubsub channel: "pub:ind:{name}:{TF}s:{venue}:{symbol}".
func (u *IndicatorUpdate) PubSubChannel() string {
	return "pub:ind:" + u.Name + ":" + Itoa(u.TF) + "s:" + u.Venue + ":" + u.Symbol
}

// JSON returns the JSON-encoded indicator update.
func (u *IndicatorUpdate) JSON() []byte {
	data, _ := json.Marshal(u)
	return data
}
