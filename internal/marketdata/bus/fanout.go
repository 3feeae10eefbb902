package bus

import (
	"context"
	"log"
	"sync"

	"ta-systemv1/internal/model"
)

// FanOut copies bars from one input channel onto every subscriber
// channel. Delivery is non-blocking: a subscriber whose channel is full
// loses the bar rather than stalling the rest of the pipeline.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan model.Bar
	bufSize int

	// OnDrop, when set, is invoked with the subscriber index instead of
	// the default log line whenever a bar is discarded.
	OnDrop func(subscriberIdx int)
}

// New returns a FanOut whose subscriber channels carry bufSize bars.
func New(outputBufferSize int) *FanOut {
	return &FanOut{bufSize: outputBufferSize}
}

// Subscribe registers and returns a fresh output channel. It is closed
// when Run exits.
func (f *FanOut) Subscribe() <-chan model.Bar {
	ch := make(chan model.Bar, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.mu.Unlock()
	return ch
}

// Run pumps input into the subscriber channels until ctx is cancelled
// or input closes, then closes every subscriber channel.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Bar) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-input:
			if !ok {
				return
			}
			f.deliver(bar)
		}
	}
}

func (f *FanOut) deliver(bar model.Bar) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i, ch := range f.outputs {
		select {
		case ch <- bar:
		default:
			if f.OnDrop != nil {
				f.OnDrop(i)
			} else {
				log.Printf("[bus] subscriber %d saturated, dropped bar %s", i, bar.Key())
			}
		}
	}
}

// ChannelStat is one subscriber channel's fill level, used to compute
// saturation percentages for metrics.
type ChannelStat struct {
	Len int
	Cap int
}

// ChannelStats samples every subscriber channel.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
