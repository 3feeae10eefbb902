package redis

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"
	"unsafe"

	goredis "github.com/go-redis/redis/v8"

	"ta-systemv1/internal/model"
)

const (
	// ~3h of 1s bars plus slack.
	stream1sMaxLen   = 12000
	defaultLatestTTL = 30 * time.Minute
)

// tfStreamMaxLen sizes a TF stream to roughly 3h of bars, floor 200.
func tfStreamMaxLen(tf int) int64 {
	n := int64(10800/tf) + 100
	if n < 200 {
		n = 200
	}
	return n
}

// bstr converts JSON bytes to string without copying. The caller must
// not mutate b afterwards.
func bstr(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

// WriterConfig carries connection settings for the writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer persists bars, TF bars and indicator updates to Redis.
type Writer struct {
	client *goredis.Client
}

// Client exposes the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New dials Redis and verifies the connection with a ping.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client}, nil
}

// Run drains 1s bars from barCh into Redis until ctx is cancelled or
// the channel closes.
func (w *Writer) Run(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-barCh:
			if !ok {
				return
			}
			w.writeBar(ctx, bar)
		}
	}
}

// RunTFBars drains closed TF bars into their Redis streams.
func (w *Writer) RunTFBars(ctx context.Context, tfBarCh <-chan model.TFBar) {
	for {
		select {
		case <-ctx.Done():
			return
		case tfb, ok := <-tfBarCh:
			if !ok {
				return
			}
			w.writeTFBar(ctx, tfb)
		}
	}
}

// RunFormingTFBars publishes forming TF bars over PubSub only, never
// XADD. These are the per-second peek updates; they are transient and
// must not land in the streams.
func (w *Writer) RunFormingTFBars(ctx context.Context, ch <-chan model.TFBar) {
	for {
		select {
		case <-ctx.Done():
			return
		case tfb, ok := <-ch:
			if !ok {
				return
			}
			pubsubCh := "pub:bar:" + model.Itoa(tfb.TF) + "s:" + tfb.Venue + ":" + tfb.Symbol
			w.client.Publish(ctx, pubsubCh, bstr(tfb.JSON()))
		}
	}
}

// WriteUpdateBatch flushes a batch of indicator updates in one pipeline
// so XADD + SET + PUBLISH for the whole batch costs one roundtrip. Live
// (peek) updates are publish-only; confirmed updates also hit the
// stream and the latest key.
func (w *Writer) WriteUpdateBatch(ctx context.Context, updates []model.IndicatorUpdate) {
	if len(updates) == 0 {
		return
	}

	pipe := w.client.Pipeline()
	for i := range updates {
		ind := &updates[i]
		if !ind.Ready && !ind.Live {
			continue
		}

		jsonData := bstr(ind.JSON())
		pubsubCh := ind.PubSubChannel()

		if ind.Live {
			pipe.Publish(ctx, pubsubCh, jsonData)
			continue
		}

		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: ind.StreamKey(),
			MaxLen: tfStreamMaxLen(ind.TF),
			Approx: true,
			Values: map[string]interface{}{"data": jsonData},
		})
		latestKey := "ind:" + ind.Name + ":" + model.Itoa(ind.TF) + "s:latest:" + ind.Venue + ":" + ind.Symbol
		pipe.Set(ctx, latestKey, jsonData, defaultLatestTTL)
		pipe.Publish(ctx, pubsubCh, jsonData)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] indicator batch pipeline failed (%d updates): %v", len(updates), err)
	}
}

// SaveTFRegistry replaces the tf:enabled set so other services can
// discover which timeframes the aggregator produces.
func (w *Writer) SaveTFRegistry(ctx context.Context, tfs []int) error {
	if len(tfs) == 0 {
		return nil
	}

	members := make([]interface{}, 0, len(tfs))
	for _, tf := range tfs {
		members = append(members, model.Itoa(tf))
	}

	pipe := w.client.Pipeline()
	pipe.Del(ctx, "tf:enabled")
	pipe.SAdd(ctx, "tf:enabled", members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis SADD tf:enabled: %w", err)
	}
	return nil
}

// LoadTFRegistry reads the tf:enabled set, nil when the key is absent.
func (w *Writer) LoadTFRegistry(ctx context.Context) ([]int, error) {
	members, err := w.client.SMembers(ctx, "tf:enabled").Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis SMEMBERS tf:enabled: %w", err)
	}

	tfs := make([]int, 0, len(members))
	for _, m := range members {
		n := 0
		for _, c := range m {
			if c >= '0' && c <= '9' {
				n = n*10 + int(c-'0')
			}
		}
		if n > 0 {
			tfs = append(tfs, n)
		}
	}
	sort.Ints(tfs) // SMEMBERS order is unspecified
	return tfs, nil
}

// writeBar stores a 1s bar: latest key, capped stream, pubsub fanout.
func (w *Writer) writeBar(ctx context.Context, bar model.Bar) error {
	suffix := bar.Venue + ":" + bar.Symbol
	jsonData := string(bar.JSON())

	pipe := w.client.Pipeline()
	pipe.Set(ctx, "bar:1s:latest:"+suffix, jsonData, defaultLatestTTL)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: "bar:1s:" + suffix,
		MaxLen: stream1sMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Publish(ctx, "pub:bar:1s:"+suffix, jsonData)

	_, err := pipe.Exec(ctx)
	if err != nil {
		log.Printf("[redis] 1s bar pipeline failed for %s: %v", bar.Key(), err)
	}
	return err
}

// writeTFBar stores a closed TF bar the same way, on its own stream.
func (w *Writer) writeTFBar(ctx context.Context, tfb model.TFBar) error {
	suffix := model.Itoa(tfb.TF) + "s:" + tfb.Venue + ":" + tfb.Symbol
	jsonData := string(tfb.JSON())

	pipe := w.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: tfb.StreamKey(),
		MaxLen: tfStreamMaxLen(tfb.TF),
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Set(ctx, "bar:"+model.Itoa(tfb.TF)+"s:latest:"+tfb.Venue+":"+tfb.Symbol, jsonData, defaultLatestTTL)
	pipe.Publish(ctx, "pub:bar:"+suffix, jsonData)

	_, err := pipe.Exec(ctx)
	if err != nil {
		log.Printf("[redis] TF bar pipeline failed for %s: %v", tfb.Key(), err)
	}
	return err
}

// Close releases the underlying client.
func (w *Writer) Close() error {
	return w.client.Close()
}
