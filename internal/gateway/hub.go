package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ActiveConfig is the indicator set the UI currently displays.
type ActiveConfig struct {
	Entries []IndicatorEntry `json:"entries"`
}

// IndicatorEntry names one displayed indicator by its engine rendering,
// e.g. "RSI(14)", bound to a timeframe.
type IndicatorEntry struct {
	Name  string `json:"name"`
	TF    int    `json:"tf"`
	Color string `json:"color,omitempty"`
}

// Hub owns the WebSocket client set and the shared fan-out state. The
// heavy lifting is split across three collaborators that all share the
// hub's lock: PubSubRouter (redis subscriptions in, messages routed),
// Broadcaster (envelopes out to filtered clients) and ConfigStore (the
// active-config view).
type Hub struct {
	Rdb        *goredis.Client
	TFs        []int
	Symbols    []string // composite "VENUE:SYMBOL" keys
	Indicators []string // display names, e.g. "RSI(14)"

	mu          sync.RWMutex
	clients     map[*Client]bool
	latest      map[string]latestEntry   // last payload per channel, for initial sync
	seq         int64                    // global envelope counter
	channelSeqs map[string]int64         // per-channel counters for gap detection
	replayBufs  map[string]*ReplayBuffer // per-channel gap backfill

	activeConfig ActiveConfig

	Latency *LatencyTracker

	Router      *PubSubRouter
	Broadcaster *Broadcaster
	ConfigStore *ConfigStore
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64
}

// NewHub builds the hub and its collaborators and restores any persisted
// active config. The config starts empty otherwise; clients add indicators
// at runtime.
func NewHub(rdb *goredis.Client, tfs []int, symbols, indicators []string) *Hub {
	h := &Hub{
		Rdb:          rdb,
		TFs:          tfs,
		Symbols:      symbols,
		Indicators:   indicators,
		clients:      map[*Client]bool{},
		latest:       map[string]latestEntry{},
		channelSeqs:  map[string]int64{},
		replayBufs:   map[string]*ReplayBuffer{},
		Latency:      NewLatencyTracker(10000),
		activeConfig: ActiveConfig{Entries: []IndicatorEntry{}},
	}
	h.Router = NewPubSubRouter(h)
	h.Broadcaster = NewBroadcaster(h)
	h.ConfigStore = NewConfigStore(h, rdb)
	h.ConfigStore.Load(context.Background())
	return h
}

// GetActiveConfig returns the active indicator configuration.
func (h *Hub) GetActiveConfig() ActiveConfig { return h.ConfigStore.Get() }

// SetActiveConfig replaces the active indicator configuration.
func (h *Hub) SetActiveConfig(cfg ActiveConfig) { h.ConfigStore.Set(cfg) }

// Run drives the pubsub subscriptions until ctx ends.
//
// Bar channels are subscribed explicitly since the symbol universe is
// fixed at startup. Indicator channels always ride one "pub:ind:*"
// pattern, so indicators created at runtime arrive without resubscribing.
// With no symbols configured the bar side falls back to a pattern too.
func (h *Hub) Run(ctx context.Context) {
	if len(h.Symbols) == 0 {
		log.Println("[api_gateway] WARNING: no symbols configured, subscribing by pattern")
		h.Router.RunPattern(ctx, "pub:ind:*", "pub:bar:*", "pub:alerts")
		return
	}

	go h.Router.RunPattern(ctx, "pub:ind:*")
	h.Router.RunExplicit(ctx, h.barChannels())
}

func (h *Hub) barChannels() []string {
	chs := make([]string, 0, len(h.Symbols)*(len(h.TFs)+1)+1)
	for _, sym := range h.Symbols {
		chs = append(chs, fmt.Sprintf("pub:bar:1s:%s", sym))
		for _, tf := range h.TFs {
			chs = append(chs, fmt.Sprintf("pub:bar:%ds:%s", tf, sym))
		}
	}
	// fired alerts go to every connected client
	return append(chs, "pub:alerts")
}

func (h *Hub) broadcast(channel string, data []byte) {
	h.Broadcaster.Broadcast(channel, data)
}

// HandleWSRequest adopts an upgraded connection: registers the client and
// starts its pumps. lastTS, when set, limits the initial state sync to
// channels newer than it.
func (h *Hub) HandleWSRequest(conn *websocket.Conn, lastTS string) {
	c := &Client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
		subs: map[string]*ClientSubscription{},
		filters: ClientFilters{
			TFs:     h.TFs,
			Symbols: h.Symbols,
		},
	}

	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	wsClientsGauge.Set(float64(n))

	log.Printf("[api_gateway] ws client %s connected (%d total)", c.id, n)

	go c.sendInitialState(lastTS)
	go c.writePump()
	go c.readPump()
}

// RemoveClient unregisters a client and closes its send queue.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	wsClientsGauge.Set(float64(n))
	close(c.send)
}

// GetLatestAll copies out the last payload seen on every channel.
func (h *Hub) GetLatestAll() map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(h.latest))
	for ch, e := range h.latest {
		out[ch] = e.Data
	}
	return out
}

// GetReplayRange serves the /api/missed endpoint: buffered envelopes for
// one channel with seq in [fromSeq, toSeq].
func (h *Hub) GetReplayRange(channel string, fromSeq, toSeq int64) [][]byte {
	h.mu.RLock()
	rb := h.replayBufs[channel]
	h.mu.RUnlock()
	if rb == nil {
		return nil
	}
	entries := rb.Range(fromSeq, toSeq)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// GetReplayBounds reports the seq window still buffered for a channel.
func (h *Hub) GetReplayBounds(channel string) (lo, hi int64, ok bool) {
	h.mu.RLock()
	rb := h.replayBufs[channel]
	h.mu.RUnlock()
	if rb == nil {
		return 0, 0, false
	}
	return rb.SeqBounds()
}

// GetChannelSeq reports the newest seq issued on a channel.
func (h *Hub) GetChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// ClientCount reports how many WS clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StartMetricsBroadcast pushes a system-metrics frame to every client on a
// 2s cadence until ctx ends.
func (h *Hub) StartMetricsBroadcast(ctx context.Context, start time.Time) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m := CollectMetrics(start)
		m.Clients = h.ClientCount()
		if v, ok := ReadIndicatorLatency(ctx, h.Rdb); ok {
			m.IndicatorMs = v
		}
		if h.Latency != nil {
			m.LatencyP50, m.LatencyP95, m.LatencyP99 = h.Latency.Percentiles()
			m.LatencyAvg = h.Latency.Average()
		}
		frame, _ := json.Marshal(map[string]interface{}{
			"type":    "metrics",
			"metrics": m,
		})

		h.mu.RLock()
		for c := range h.clients {
			select {
			case c.send <- frame:
			default:
			}
		}
		h.mu.RUnlock()
	}
}
