package model

import (
	"math"
	"strconv"
	"testing"
)

func TestItoa_MatchesStrconv(t *testing.T) {
	cases := []int{
		0, 1, -1, 9, 10, 60, 300, 86400, -42,
		math.MaxInt, math.MinInt, math.MinInt + 1,
	}
	for _, n := range cases {
		if got, want := Itoa(n), strconv.Itoa(n); got != want {
			t.Errorf("Itoa(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestPriceConversion_RoundTrip(t *testing.T) {
	cases := []float64{0, 0.01, 150, 3_200.5, 65_000.123456}
	for _, p := range cases {
		if got := MicrosToPrice(PriceToMicros(p)); math.Abs(got-p) > 1e-6 {
			t.Errorf("round trip of %v came back as %v", p, got)
		}
	}
}
