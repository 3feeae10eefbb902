package model

import "math"

// PriceMicros is the fixed-point scale for prices: 1 unit = 1,000,000 micros.
const PriceMicros = 1_000_000

// MicrosToPrice converts a fixed-point micros value to a float price.
func MicrosToPrice(m int64) float64 {
	return float64(m) / PriceMicros
}

// PriceToMicros converts a float price to fixed-point micros, rounding
// to the nearest micro.
func PriceToMicros(p float64) int64 {
	return int64(math.Round(p * PriceMicros))
}

// ClosePricer is anything that can report a closing price as a float.
// Bars and TF bars both satisfy it, so indicators can consume either.
type ClosePricer interface {
	ClosePrice() float64
}

// Itoa renders n in base 10 without strconv, for the stream-key builders
// on the write path.
func Itoa(n int) string {
	if n == 0 {
		return "0"
	}
	// Magnitude in uint64 so MinInt negates cleanly.
	u := uint64(n)
	if n < 0 {
		u = -u
	}
	var buf [21]byte
	i := len(buf)
	for ; u > 0; u /= 10 {
		i--
		buf[i] = byte('0' + u%10)
	}
	if n < 0 {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
