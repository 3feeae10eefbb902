package redis

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"ta-systemv1/internal/model"
)

// pendingWrite is a bar held back while the circuit was open.
type pendingWrite struct {
	WriteType string // "bar_1s", "tf_bar"
	Data      []byte // JSON-encoded payload
}

// BufferedWriter puts a circuit breaker in front of a Writer. While the
// circuit is open, bars accumulate in a bounded local buffer and are
// replayed once the circuit closes.
type BufferedWriter struct {
	writer *Writer
	cb     *CircuitBreaker
	ctx    context.Context

	mu     sync.Mutex
	buffer []pendingWrite
	maxBuf int // oldest entries are evicted past this

	OnBuffer func()                // fires when a write is buffered (for metrics)
	OnFlush  func(count int)       // fires after replaying buffered writes
	OnWrite  func(d time.Duration) // fires per successful write with its latency
}

// NewBufferedWriter wraps w behind cb. maxBufferSize <= 0 defaults to 10000.
func NewBufferedWriter(ctx context.Context, w *Writer, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		writer: w,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]pendingWrite, 0, 256),
		maxBuf: maxBufferSize,
	}

	// Chain onto any existing state-change hook; flush when the circuit
	// recovers.
	prevCallback := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prevCallback != nil {
			prevCallback(from, to)
		}
		if to == StateClosed {
			go bw.flush()
		}
	}

	return bw
}

// Run drains 1s bars from barCh through the breaker until ctx is
// cancelled or the channel closes.
func (bw *BufferedWriter) Run(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-barCh:
			if !ok {
				return
			}
			bw.WriteBar(bar)
		}
	}
}

// RunTFBars drains TF bars through the breaker.
func (bw *BufferedWriter) RunTFBars(ctx context.Context, tfBarCh <-chan model.TFBar) {
	for {
		select {
		case <-ctx.Done():
			return
		case tfb, ok := <-tfBarCh:
			if !ok {
				return
			}
			bw.WriteTFBar(tfb)
		}
	}
}

// guarded routes a write through the breaker; an open circuit buffers
// the payload instead of failing it.
func (bw *BufferedWriter) guarded(writeType string, payload interface{}, write func() error) error {
	start := time.Now()
	err := bw.cb.Execute(write)
	if err == ErrCircuitOpen {
		bw.bufferWrite(writeType, payload)
		return nil // parked, not lost
	}
	if err == nil && bw.OnWrite != nil {
		bw.OnWrite(time.Since(start))
	}
	return err
}

// WriteTFBar writes a TF bar through the circuit breaker.
func (bw *BufferedWriter) WriteTFBar(tfb model.TFBar) error {
	return bw.guarded("tf_bar", tfb, func() error {
		return bw.writer.writeTFBar(bw.ctx, tfb)
	})
}

// WriteBar writes a 1s bar through the circuit breaker.
func (bw *BufferedWriter) WriteBar(b model.Bar) error {
	return bw.guarded("bar_1s", b, func() error {
		return bw.writer.writeBar(bw.ctx, b)
	})
}

func (bw *BufferedWriter) bufferWrite(writeType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[buffered-writer] marshal error: %v", err)
		return
	}

	bw.mu.Lock()
	defer bw.mu.Unlock()

	if len(bw.buffer) >= bw.maxBuf {
		bw.buffer = bw.buffer[1:] // evict oldest
	}
	bw.buffer = append(bw.buffer, pendingWrite{WriteType: writeType, Data: data})

	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// flush replays everything buffered while the circuit was open.
func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	toFlush := bw.buffer
	bw.buffer = make([]pendingWrite, 0, 256)
	bw.mu.Unlock()

	flushed, failed := 0, 0
	for _, pw := range toFlush {
		var err error
		switch pw.WriteType {
		case "tf_bar":
			var tfb model.TFBar
			if err = json.Unmarshal(pw.Data, &tfb); err == nil {
				err = bw.writer.writeTFBar(bw.ctx, tfb)
			}
		case "bar_1s":
			var b model.Bar
			if err = json.Unmarshal(pw.Data, &b); err == nil {
				err = bw.writer.writeBar(bw.ctx, b)
			}
		}
		if err != nil {
			failed++
		} else {
			flushed++
		}
	}

	if failed > 0 {
		log.Printf("[buffered-writer] replayed %d parked writes, %d failed", flushed, failed)
	} else {
		log.Printf("[buffered-writer] replayed %d parked writes", flushed)
	}
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount reports how many writes are parked in the buffer.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Close closes the underlying Redis writer.
func (bw *BufferedWriter) Close() error {
	return bw.writer.Close()
}
