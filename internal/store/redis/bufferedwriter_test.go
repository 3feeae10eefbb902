package redis

import (
	"context"
	"testing"
	"time"

	"ta-systemv1/internal/model"
)

func TestBufferedWriter_BuffersWhenCircuitOpen(t *testing.T) {
	// Long reset timeout keeps the circuit open for the whole test,
	// so the wrapped writer is never dereferenced.
	cb := NewCircuitBreaker(2, time.Minute)
	tripBreaker(t, cb, 2)
	if got := cb.CurrentState(); got != StateOpen {
		t.Fatalf("breaker state after trip = %v, want open", got)
	}

	buffered := 0
	bw := NewBufferedWriter(context.Background(), nil, cb, 100)
	bw.OnBuffer = func() { buffered++ }

	tfb := model.TFBar{Symbol: "BTC-USD", Venue: "SIM", TF: 60, Close: 50_000_000_000}
	if err := bw.WriteTFBar(tfb); err != nil {
		t.Fatalf("expected buffered TF write to return nil, got %v", err)
	}
	b := model.Bar{Symbol: "BTC-USD", Venue: "SIM", Close: 50_000_000_000}
	if err := bw.WriteBar(b); err != nil {
		t.Fatalf("expected buffered 1s write to return nil, got %v", err)
	}

	if got := bw.PendingCount(); got != 2 {
		t.Errorf("expected 2 pending writes, got %d", got)
	}
	if buffered != 2 {
		t.Errorf("expected OnBuffer called twice, got %d", buffered)
	}
}

func TestBufferedWriter_DropsOldestWhenFull(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	tripBreaker(t, cb, 1)
	if got := cb.CurrentState(); got != StateOpen {
		t.Fatalf("breaker state after trip = %v, want open", got)
	}

	bw := NewBufferedWriter(context.Background(), nil, cb, 3)
	for i := 0; i < 5; i++ {
		bw.WriteTFBar(model.TFBar{Symbol: "BTC-USD", Venue: "SIM", TF: 60, Close: int64(i)})
	}

	if got := bw.PendingCount(); got != 3 {
		t.Errorf("expected buffer capped at 3, got %d", got)
	}
}
