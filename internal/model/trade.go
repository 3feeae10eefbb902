package model

import "time"

// Trade represents a single execution received from a venue feed.
// Price is stored as int64 in micros (1 unit = 1,000,000 micros) to
// avoid float drift while aggregating.
type Trade struct {
	Symbol  string    `json:"symbol"`
	Venue   string    `json:"venue"`
	Price   int64     `json:"price"`    // micros (last price)
	Qty     int64     `json:"qty"`      // last traded quantity
	TradeTS time.Time `json:"trade_ts"` // UTC timestamp
}
