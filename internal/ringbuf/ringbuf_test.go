package ringbuf

import (
	"sync"
	"testing"
	"time"

	"ta-systemv1/internal/model"
)

func TestRing_BasicPushPop(t *testing.T) {
	r := New(4)

	if !r.Push(model.Trade{Symbol: "A", Price: 100}) {
		t.Fatal("first push rejected")
	}
	if !r.Push(model.Trade{Symbol: "B", Price: 200}) {
		t.Fatal("second push rejected")
	}
	if n := r.Len(); n != 2 {
		t.Fatalf("Len() = %d, want 2", n)
	}

	for _, want := range []string{"A", "B"} {
		got, ok := r.Pop()
		if !ok || got.Symbol != want {
			t.Fatalf("Pop() = %q ok=%v, want %q", got.Symbol, ok, want)
		}
	}

	if _, ok := r.Pop(); ok {
		t.Fatal("Pop on drained ring reported ok")
	}
}

func TestRing_Overflow(t *testing.T) {
	r := New(2)

	r.Push(model.Trade{Symbol: "1"})
	r.Push(model.Trade{Symbol: "2"})

	if r.Push(model.Trade{Symbol: "3"}) {
		t.Fatal("push into a full ring reported success")
	}
	if n := r.Overflow(); n != 1 {
		t.Fatalf("Overflow() = %d, want 1", n)
	}
}

func TestRing_Wraparound(t *testing.T) {
	r := New(4)

	// Several full fill/drain cycles so the indices wrap past capacity.
	for round := 0; round < 5; round++ {
		for i := 0; i < 4; i++ {
			if !r.Push(model.Trade{Symbol: "X", Price: int64(round*10 + i)}) {
				t.Fatalf("round %d: push %d rejected", round, i)
			}
		}
		for i := 0; i < 4; i++ {
			tr, ok := r.Pop()
			if !ok {
				t.Fatalf("round %d: pop %d came up empty", round, i)
			}
			if want := int64(round*10 + i); tr.Price != want {
				t.Fatalf("round %d pop %d: price = %d, want %d", round, i, tr.Price, want)
			}
		}
	}
}

func TestRing_SPSC_Concurrent(t *testing.T) {
	const count = 100_000
	r := New(1024)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() { // producer
		defer wg.Done()
		for i := 0; i < count; i++ {
			for !r.Push(model.Trade{Price: int64(i)}) {
				// busy-wait, acceptable only under test
			}
		}
	}()

	received := make([]int64, 0, count)
	go func() { // consumer
		defer wg.Done()
		for len(received) < count {
			if tr, ok := r.Pop(); ok {
				received = append(received, tr.Price)
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("producer/consumer pair did not finish in time")
	}

	for i, v := range received {
		if v != int64(i) {
			t.Fatalf("received[%d] = %d, FIFO order broken", i, v)
		}
	}
}

func TestRing_NextPow2(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {7, 8}, {8, 8}, {9, 16}, {1023, 1024},
	}
	for _, tc := range cases {
		if got := nextPow2(tc.in); got != tc.want {
			t.Errorf("nextPow2(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
