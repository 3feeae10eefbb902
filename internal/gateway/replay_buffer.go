package gateway

import "sync"

// replayEntry is one broadcast envelope retained for gap backfill.
type replayEntry struct {
	Seq  int64
	Data []byte
}

// ReplayBuffer retains the most recent envelopes of one channel in a
// fixed-size ring so a reconnecting client can ask for the seqs it missed.
// Safe for concurrent use.
type ReplayBuffer struct {
	mu      sync.RWMutex
	entries []replayEntry
	next    int // write cursor
	wrapped bool
}

// NewReplayBuffer creates a ring holding `capacity` envelopes.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &ReplayBuffer{entries: make([]replayEntry, capacity)}
}

// Push retains one envelope, evicting the oldest once the ring is full.
// The data is copied; broadcast reuses its buffer.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	held := make([]byte, len(data))
	copy(held, data)

	rb.mu.Lock()
	rb.entries[rb.next] = replayEntry{Seq: seq, Data: held}
	rb.next++
	if rb.next == len(rb.entries) {
		rb.next = 0
		rb.wrapped = true
	}
	rb.mu.Unlock()
}

// Range returns the held entries with seq in [fromSeq, toSeq], oldest first.
func (rb *ReplayBuffer) Range(fromSeq, toSeq int64) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []replayEntry
	for i, n := 0, rb.size(); i < n; i++ {
		e := rb.entries[rb.physical(i)]
		if e.Seq >= fromSeq && e.Seq <= toSeq {
			out = append(out, e)
		}
	}
	return out
}

// SeqBounds reports the oldest and newest seq held, so callers can tell an
// evicted range from a gap that never existed. ok is false when empty.
func (rb *ReplayBuffer) SeqBounds() (lo, hi int64, ok bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n := rb.size()
	if n == 0 {
		return 0, 0, false
	}
	return rb.entries[rb.physical(0)].Seq, rb.entries[rb.physical(n-1)].Seq, true
}

// Len reports how many envelopes the ring currently holds.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size()
}

func (rb *ReplayBuffer) size() int {
	if rb.wrapped {
		return len(rb.entries)
	}
	return rb.next
}

// physical maps a logical index (0 = oldest held) to a ring slot.
func (rb *ReplayBuffer) physical(logical int) int {
	if rb.wrapped {
		return (rb.next + logical) % len(rb.entries)
	}
	return logical
}
