package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"ta-systemv1/internal/indicator"
	"ta-systemv1/internal/model"
)

// ReaderConfig configures the consuming side of the redis store.
type ReaderConfig struct {
	Addr          string
	Password      string
	DB            int
	ConsumerGroup string // e.g. "indengine"
	ConsumerName  string // unique per process, e.g. hostname
}

// Reader consumes TF-bar streams through a consumer group and carries the
// engine's snapshot and pubsub traffic. At-least-once: entries are ACKed
// only after the bar reached the output channel, and a reclaimer steals
// stale pending entries from dead consumers.
type Reader struct {
	client        *goredis.Client
	consumerGroup string
	consumerName  string
}

// NewReader connects and verifies the server with a ping.
func NewReader(cfg ReaderConfig) (*Reader, error) {
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

	r := &Reader{
		client:        client,
		consumerGroup: cfg.ConsumerGroup,
		consumerName:  cfg.ConsumerName,
	}
	if r.consumerGroup == "" {
		r.consumerGroup = "indengine"
	}
	if r.consumerName == "" {
		r.consumerName = "worker-1"
	}

	log.Printf("[redis-reader] connected to %s (group=%s, consumer=%s)", cfg.Addr, r.consumerGroup, r.consumerName)
	return r, nil
}

// decodeBarMessage pulls the TFBar out of a stream entry's "data" field.
// ok is false for malformed entries, which callers ACK anyway so a poison
// entry cannot wedge the group.
func decodeBarMessage(msg goredis.XMessage) (model.TFBar, bool) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return model.TFBar{}, false
	}
	var tfb model.TFBar
	if err := json.Unmarshal([]byte(raw), &tfb); err != nil {
		return model.TFBar{}, false
	}
	return tfb, true
}

// deliver forwards one decoded bar, then ACKs it. Returns ctx.Err() when
// cancelled mid-send.
func (r *Reader) deliver(ctx context.Context, stream, id string, tfb model.TFBar, out chan<- model.TFBar) error {
	select {
	case out <- tfb:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.client.XAck(ctx, stream, r.consumerGroup, id)
	return nil
}

// EnsureConsumerGroup creates the group on each stream, starting at "$" so
// a fresh group sees only new entries. An already-existing group is fine.
func (r *Reader) EnsureConsumerGroup(ctx context.Context, streams []string) error {
	for _, stream := range streams {
		err := r.client.XGroupCreateMkStream(ctx, stream, r.consumerGroup, "$").Err()
		if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return fmt.Errorf("xgroup create %s: %w", stream, err)
		}
	}
	return nil
}

// ConsumeTFBars blocks on XREADGROUP over all streams at once and feeds
// decoded bars to out until the context ends.
func (r *Reader) ConsumeTFBars(ctx context.Context, streams []string, out chan<- model.TFBar) error {
	// XREADGROUP wants streams then an equal number of IDs; ">" asks for
	// entries never delivered to this group.
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	for ctx.Err() == nil {
		results, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    r.consumerGroup,
			Consumer: r.consumerName,
			Streams:  args,
			Count:    100,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			log.Printf("[redis-reader] xreadgroup error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				tfb, ok := decodeBarMessage(msg)
				if !ok {
					r.client.XAck(ctx, stream.Stream, r.consumerGroup, msg.ID)
					continue
				}
				if err := r.deliver(ctx, stream.Stream, msg.ID, tfb, out); err != nil {
					return err
				}
			}
		}
	}
	return ctx.Err()
}

// RecoverPending drains this consumer's own PEL at startup, so entries read
// but not ACKed before a crash are processed before any live traffic.
func (r *Reader) RecoverPending(ctx context.Context, streams []string, out chan<- model.TFBar) error {
	for _, stream := range streams {
		for {
			pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
				Stream: stream,
				Group:  r.consumerGroup,
				Start:  "-",
				End:    "+",
				Count:  100,
			}).Result()
			if err != nil || len(pending) == 0 {
				break
			}

			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.ID
			}
			claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
				Stream:   stream,
				Group:    r.consumerGroup,
				Consumer: r.consumerName,
				MinIdle:  0,
				Messages: ids,
			}).Result()
			if err != nil {
				log.Printf("[redis-reader] xclaim error on %s: %v", stream, err)
				break
			}

			for _, msg := range claimed {
				tfb, ok := decodeBarMessage(msg)
				if !ok {
					r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
					continue
				}
				if err := r.deliver(ctx, stream, msg.ID, tfb, out); err != nil {
					return err
				}
			}

			if len(claimed) < len(ids) {
				break
			}
		}
	}
	return nil
}

// ReclaimStaleMessages claims PEL entries belonging to OTHER consumers that
// have sat idle longer than minIdleMs. The MinIdle on XCLAIM makes the
// steal atomic: a revived owner that ACKed in the meantime wins.
func (r *Reader) ReclaimStaleMessages(ctx context.Context, stream, group, consumer string, minIdleMs int64, batchSize int64) ([]goredis.XMessage, error) {
	idle := time.Duration(minIdleMs) * time.Millisecond
	pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  batchSize,
		Idle:   idle,
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil, err
	}

	var stale []string
	for _, p := range pending {
		if p.Consumer != consumer {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  idle,
		Messages: stale,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", stream, err)
	}

	log.Printf("[redis-reader] reclaimed %d stale PEL entries from %s", len(claimed), stream)
	return claimed, nil
}

// StartPELReclaimer periodically sweeps every stream for stale pending
// entries and reprocesses what it steals. Runs until ctx ends.
func (r *Reader) StartPELReclaimer(ctx context.Context, streams []string, group, consumer string, interval time.Duration, minIdleMs int64, outCh chan<- model.TFBar, onReclaim func(count int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reclaimed := 0
		for _, stream := range streams {
			claimed, err := r.ReclaimStaleMessages(ctx, stream, group, consumer, minIdleMs, 50)
			if err != nil {
				log.Printf("[redis-reader] PEL reclaim error on %s: %v", stream, err)
				continue
			}
			for _, msg := range claimed {
				tfb, ok := decodeBarMessage(msg)
				if !ok {
					r.client.XAck(ctx, stream, group, msg.ID)
					continue
				}
				select {
				case outCh <- tfb:
				case <-ctx.Done():
					return
				}
				r.client.XAck(ctx, stream, group, msg.ID)
				reclaimed++
			}
		}
		if reclaimed > 0 && onReclaim != nil {
			onReclaim(reclaimed)
		}
	}
}

// ReadSnapshot loads the newest engine snapshot, or (nil, nil) when no
// snapshot key exists.
func (r *Reader) ReadSnapshot(ctx context.Context, snapshotKey string) (*indicator.EngineSnapshot, error) {
	raw, err := r.client.Get(ctx, snapshotKey).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get snapshot %s: %w", snapshotKey, err)
	}

	var snap indicator.EngineSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// WriteSnapshot stores an engine snapshot with a 24h TTL. SQLite holds the
// durable copy; the redis one just makes warm restarts fast.
func (r *Reader) WriteSnapshot(ctx context.Context, snapshotKey string, snap *indicator.EngineSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return r.client.Set(ctx, snapshotKey, raw, 24*time.Hour).Err()
}

// ReplayFromID walks a stream from just past startID to its tip, feeding
// every decoded bar to out. Returns the last entry ID seen so the caller
// can hand off to live consumption without gaps.
func (r *Reader) ReplayFromID(ctx context.Context, stream, startID string, out chan<- model.TFBar) (string, error) {
	lastID := startID
	for {
		// "(" makes the lower bound exclusive
		batch, err := r.client.XRange(ctx, stream, "("+lastID, "+").Result()
		if err != nil {
			return lastID, fmt.Errorf("xrange %s from %s: %w", stream, lastID, err)
		}
		if len(batch) == 0 {
			return lastID, nil
		}

		for _, msg := range batch {
			if tfb, ok := decodeBarMessage(msg); ok {
				select {
				case out <- tfb:
				case <-ctx.Done():
					return lastID, ctx.Err()
				}
			}
			lastID = msg.ID
		}

		if len(batch) < 1000 {
			return lastID, nil
		}
	}
}

// DiscoverTFStreams resolves the bar streams to consume. With an explicit
// symbol list ("venue:symbol" entries) it checks each candidate key exists;
// with none it SCANs for "bar:{tf}s:*" stream keys, so an engine with no
// subscribe list follows whatever the market data service produces.
func (r *Reader) DiscoverTFStreams(ctx context.Context, tfs []int, symbols []string) []string {
	var streams []string
	for _, tf := range tfs {
		if len(symbols) == 0 {
			streams = append(streams, r.scanBarStreams(ctx, tf)...)
			continue
		}
		for _, sym := range symbols {
			key := fmt.Sprintf("bar:%ds:%s", tf, sym)
			if n, err := r.client.Exists(ctx, key).Result(); err == nil && n > 0 {
				streams = append(streams, key)
			}
		}
	}
	return streams
}

func (r *Reader) scanBarStreams(ctx context.Context, tf int) []string {
	pattern := fmt.Sprintf("bar:%ds:*", tf)
	var found []string
	var cursor uint64
	for {
		// TYPE stream keeps the "bar:{tf}s:latest:*" string keys out
		keys, next, err := r.client.ScanType(ctx, cursor, pattern, 100, "stream").Result()
		if err != nil {
			log.Printf("[redis-reader] scan %s error: %v", pattern, err)
			return found
		}
		found = append(found, keys...)
		if cursor = next; cursor == 0 {
			return found
		}
	}
}

// Subscribe1sForPeek follows the 1s-bar pubsub feed and folds each bar into
// an in-progress bucket per (tf, venue, symbol), emitting a Forming=true
// snapshot on every message. This drives live ProcessPeek without mdengine
// having to publish forming TF bars itself.
func (r *Reader) Subscribe1sForPeek(ctx context.Context, tfs []int, out chan<- model.TFBar) error {
	pubsub := r.client.PSubscribe(ctx, "pub:bar:1s:*")
	defer pubsub.Close()

	type forming struct {
		bucket int64
		bar    model.TFBar
	}
	state := map[string]*forming{}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b, ok := decode1sPayload(msg.Payload)
			if !ok {
				continue
			}

			ts := b.TS.Unix()
			for _, tf := range tfs {
				bucket := ts - ts%int64(tf)
				key := fmt.Sprintf("%d:%s:%s", tf, b.Venue, b.Symbol)

				st := state[key]
				if st == nil || bucket > st.bucket {
					// New bucket opens here; the closed one arrives via
					// the stream consumer, not this path.
					st = &forming{
						bucket: bucket,
						bar: model.TFBar{
							Symbol: b.Symbol, Venue: b.Venue,
							TF: tf, TS: b.TS,
							Open: b.Open, High: b.High,
							Low: b.Low, Close: b.Close,
							Volume: b.Volume, Count: 1,
							Forming: true,
						},
					}
					state[key] = st
				} else {
					fb := &st.bar
					if b.High > fb.High {
						fb.High = b.High
					}
					if b.Low < fb.Low {
						fb.Low = b.Low
					}
					fb.Close = b.Close
					fb.Volume += b.Volume
					fb.Count++
				}

				select {
				case out <- st.bar:
				default:
					// peek traffic is best-effort
				}
			}
		}
	}
}

// decode1sPayload accepts either a plain Bar or a TF=1 TFBar payload, so
// the peek feed keeps working if the publisher's format shifts.
func decode1sPayload(payload string) (model.Bar, bool) {
	var b model.Bar
	if err := json.Unmarshal([]byte(payload), &b); err == nil {
		return b, true
	}
	var tfb model.TFBar
	if err := json.Unmarshal([]byte(payload), &tfb); err == nil && tfb.TF == 1 {
		return model.Bar{
			Symbol: tfb.Symbol, Venue: tfb.Venue,
			TS: tfb.TS, Open: tfb.Open, High: tfb.High,
			Low: tfb.Low, Close: tfb.Close, Volume: tfb.Volume,
		}, true
	}
	return model.Bar{}, false
}

// SubscribeChannel subscribes to one pubsub channel and waits for the
// server's confirmation. Returns nil on failure.
func (r *Reader) SubscribeChannel(ctx context.Context, channel string) *goredis.PubSub {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		log.Printf("[redis-reader] subscribe to %s failed: %v", channel, err)
		pubsub.Close()
		return nil
	}
	return pubsub
}

// Publish sends one message on a pubsub channel.
func (r *Reader) Publish(ctx context.Context, channel, message string) error {
	return r.client.Publish(ctx, channel, message).Err()
}

// Close releases the client.
func (r *Reader) Close() error {
	return r.client.Close()
}
