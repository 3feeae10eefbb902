// Package closedetector flags feed quiescence. A TF bucket only closes
// when the next bar arrives, so a stalled feed leaves forming bars open
// forever. The detector watches trade arrivals and tells the pipeline
// when to flush elapsed buckets, and when to treat the feed as down.
package closedetector

import (
	"log"
	"time"
)

// Detector tracks the last trade seen on the feed and classifies silence:
// quiet (flush forming bars whose bucket has elapsed) or down (reconnect).
type Detector struct {
	lastPrice   int64
	lastTradeAt time.Time

	// IdleAfter is how long the feed must be silent before forming bars
	// for elapsed buckets are flushed. Default: 30 seconds.
	IdleAfter time.Duration

	// MaxSilence is the hard threshold after which the feed is considered
	// dead and the ingest should reconnect. Default: 5 minutes.
	MaxSilence time.Duration
}

// New creates a Detector.
func New() *Detector {
	return &Detector{
		IdleAfter:  30 * time.Second,
		MaxSilence: 5 * time.Minute,
	}
}

// Observe records a trade arrival.
func (d *Detector) Observe(price int64, now time.Time) {
	d.lastPrice = price
	d.lastTradeAt = now
}

// Idle returns true if the feed has been silent for at least IdleAfter.
// Never true before the first trade is observed.
func (d *Detector) Idle(now time.Time) bool {
	if d.lastTradeAt.IsZero() {
		return false
	}
	if now.Sub(d.lastTradeAt) >= d.IdleAfter {
		log.Printf("[closedetector] feed quiet for %v (last price %d) — flushing elapsed buckets",
			now.Sub(d.lastTradeAt).Round(time.Second), d.lastPrice)
		return true
	}
	return false
}

// Down returns true if the feed has been silent past MaxSilence.
// Never true before the first trade is observed.
func (d *Detector) Down(now time.Time) bool {
	if d.lastTradeAt.IsZero() {
		return false
	}
	if now.Sub(d.lastTradeAt) >= d.MaxSilence {
		log.Printf("[closedetector] feed silent for %v — treating connection as dead",
			now.Sub(d.lastTradeAt).Round(time.Second))
		return true
	}
	return false
}

// LastPrice returns the price of the most recent observed trade.
func (d *Detector) LastPrice() int64 {
	return d.lastPrice
}

// LastTradeAt returns the arrival time of the most recent observed trade.
func (d *Detector) LastTradeAt() time.Time {
	return d.lastTradeAt
}
