// Package ringbuf implements a lock-free single-producer single-consumer
// queue of model.Trade values. It decouples the WS read loop from the
// aggregator without mutexes; head and tail live on their own cache
// lines so the two goroutines never contend on the same line.
package ringbuf

import (
	"math/bits"
	"sync/atomic"

	"ta-systemv1/internal/model"
)

const cacheLine = 64

// Ring holds trades in a power-of-two slice so index wrapping is a
// single AND with mask. Exactly one goroutine may Push and exactly one
// may Pop.
type Ring struct {
	buf  []model.Trade
	mask uint64

	_pad0 [cacheLine]byte
	head  atomic.Uint64 // producer-owned
	_pad1 [cacheLine]byte
	tail  atomic.Uint64 // consumer-owned
	_pad2 [cacheLine]byte

	overflow atomic.Uint64
}

// New allocates a ring holding at least capacity trades, rounded up to
// a power of two (minimum 2).
func New(capacity int) *Ring {
	n := nextPow2(capacity)
	if n < 2 {
		n = 2
	}
	return &Ring{
		buf:  make([]model.Trade, n),
		mask: uint64(n - 1),
	}
}

// Push enqueues t without blocking. A full ring rejects the trade,
// bumps the overflow counter and returns false.
func (r *Ring) Push(t model.Trade) bool {
	head := r.head.Load()
	tail := r.tail.Load()
	if head-tail >= uint64(len(r.buf)) {
		r.overflow.Add(1)
		return false
	}
	r.buf[head&r.mask] = t
	r.head.Store(head + 1)
	return true
}

// Pop dequeues the oldest trade without blocking; ok is false when the
// ring is empty.
func (r *Ring) Pop() (model.Trade, bool) {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail >= head {
		return model.Trade{}, false
	}
	t := r.buf[tail&r.mask]
	r.tail.Store(tail + 1)
	return t, true
}

// Len reports how many trades are currently queued.
func (r *Ring) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap reports the ring's fixed capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Overflow reports the total count of rejected pushes.
func (r *Ring) Overflow() uint64 {
	return r.overflow.Load()
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
