package gateway

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
	pongWait      = 60 * time.Second
)

// Client is one WebSocket peer. Delivery goes through the buffered send
// channel; a peer that cannot drain it loses frames rather than stalling
// the broadcast path.
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	filters ClientFilters

	subMu sync.RWMutex
	subs  map[string]*ClientSubscription // key = "symbol:tf"
}

// ClientFilters is the coarse filter applied while a client has no
// explicit subscriptions. Empty slices mean "everything".
type ClientFilters struct {
	TFs        []int    `json:"tfs"`
	Symbols    []string `json:"symbols"`
	Indicators []string `json:"indicators"`
}

func (f ClientFilters) match(p *parsedChannel) bool {
	// 1s bars ride along with any TF filter
	if p.tf > 1 && len(f.TFs) > 0 && !containsInt(f.TFs, p.tf) {
		return false
	}
	if len(f.Symbols) > 0 && !containsStr(f.Symbols, p.venue+":"+p.symbol) {
		return false
	}
	if p.chType == "indicator" && len(f.Indicators) > 0 && !containsStr(f.Indicators, p.indName) {
		return false
	}
	return true
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func containsStr(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// sendInitialState pushes the latest payload of every channel the hub has
// seen, so a new client renders immediately. A lastTS cutoff skips entries
// the client already had before reconnecting.
func (c *Client) sendInitialState(lastTS string) {
	var cutoff time.Time
	if lastTS != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastTS); err == nil {
			cutoff = t
		}
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()

	for channel, entry := range c.hub.latest {
		if !cutoff.IsZero() && !entry.TS.After(cutoff) {
			continue
		}
		frame, _ := json.Marshal(map[string]interface{}{
			"channel": channel,
			"data":    json.RawMessage(entry.Data),
			"ts":      entry.TS.Format(time.RFC3339Nano),
			"initial": true,
		})
		select {
		case c.send <- frame:
		default:
		}
	}
}

// writePump owns all writes on the connection: queued frames, coalesced
// into one websocket message per wakeup, plus keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(frame)
			// coalesce whatever else is already queued, newline-separated
			for backlog := len(c.send); backlog > 0; backlog-- {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles inbound control messages until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Printf("[api_gateway] ws client %s disconnected", c.id)
	}()

	c.conn.SetReadLimit(4096) // SUBSCRIBE messages can carry several indicator specs
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var base struct {
			Type string `json:"type"`
			Ping int64  `json:"ping"`
		}
		if json.Unmarshal(raw, &base) != nil {
			continue
		}

		switch base.Type {
		case "SUBSCRIBE":
			var sub SubscribeMsg
			if err := json.Unmarshal(raw, &sub); err != nil {
				SendError(c, "", "invalid SUBSCRIBE: "+err.Error())
				continue
			}
			// snapshot building blocks on redis; keep the read loop free
			go c.handleSubscribe(sub)

		case "UNSUBSCRIBE":
			var unsub UnsubscribeMsg
			if err := json.Unmarshal(raw, &unsub); err != nil {
				continue
			}
			c.handleUnsubscribe(unsub)

		default:
			if base.Ping > 0 {
				// app-level ping, pre-dating ws ping/pong support
				pong, _ := json.Marshal(map[string]interface{}{
					"type":      "pong",
					"ping":      base.Ping,
					"server_ts": time.Now().UnixMilli(),
				})
				select {
				case c.send <- pong:
				default:
				}
				continue
			}
			// legacy coarse-filter update
			var f ClientFilters
			if json.Unmarshal(raw, &f) == nil {
				c.subMu.Lock()
				c.filters = f
				c.subMu.Unlock()
			}
		}
	}
}

// handleSubscribe registers a (symbol, tf, indicators) subscription, makes
// sure the engine computes any indicator the client named for the first
// time, then answers with a history snapshot.
func (c *Client) handleSubscribe(msg SubscribeMsg) {
	if msg.Symbol == "" || msg.TF <= 0 {
		SendError(c, msg.ReqID, "symbol and tf are required")
		return
	}

	sub := &ClientSubscription{
		Symbol:     msg.Symbol,
		TF:         msg.TF,
		Indicators: msg.Indicators,
		IndEntries: ResolveIndEntries(msg.Indicators, msg.TF),
	}

	c.subMu.Lock()
	if c.subs == nil {
		c.subs = map[string]*ClientSubscription{}
	}
	c.subs[sub.SubKey()] = sub
	c.subMu.Unlock()

	names := make([]string, len(sub.IndEntries))
	for i, e := range sub.IndEntries {
		names[i] = e.Key()
	}
	log.Printf("[subscribe] client %s subscribed: symbol=%s tf=%d indicators=%v",
		c.id, msg.Symbol, msg.TF, names)

	ctx := context.Background()
	hasNew := publishNewIndicators(ctx, c.hub.Rdb, c.hub, msg.Indicators)

	if len(sub.IndEntries) > 0 {
		// Known indicators only need their streams confirmed ready; a
		// freshly-requested one needs the engine to recompute first.
		timeout := 3 * time.Second
		if hasNew {
			timeout = 8 * time.Second
			log.Printf("[subscribe] waiting for engine to compute new indicators...")
		}
		waitForIndicators(ctx, c.hub.Rdb, sub, timeout)
	}

	barLimit := msg.History.Bars
	if barLimit <= 0 {
		barLimit = 500
	}
	snap, err := BuildSnapshotFromRedis(ctx, c.hub.Rdb, sub, barLimit)
	if err != nil {
		SendError(c, msg.ReqID, "snapshot build failed: "+err.Error())
		return
	}
	snap.ReqID = msg.ReqID

	SendJSON(c, snap)
	log.Printf("[subscribe] sent snapshot: symbol=%s tf=%d bars=%d indicators=%d",
		msg.Symbol, msg.TF, len(snap.Bars), len(snap.Indicators))
}

func (c *Client) handleUnsubscribe(msg UnsubscribeMsg) {
	key := (&ClientSubscription{Symbol: msg.Symbol, TF: msg.TF}).SubKey()
	c.subMu.Lock()
	delete(c.subs, key)
	c.subMu.Unlock()

	log.Printf("[subscribe] client %s unsubscribed: symbol=%s tf=%d", c.id, msg.Symbol, msg.TF)
}

// matchesChannel decides whether a pubsub channel reaches this client:
// explicit subscriptions win when present, the coarse filters otherwise,
// and non-data channels (metrics, config, alerts) always pass.
func (c *Client) matchesChannel(channel string) bool {
	parsed := parseChannel(channel)
	if parsed == nil {
		return true
	}

	c.subMu.RLock()
	defer c.subMu.RUnlock()

	if len(c.subs) == 0 {
		return c.filters.match(parsed)
	}

	symbol := parsed.venue + ":" + parsed.symbol
	for _, sub := range c.subs {
		if sub.Symbol != symbol {
			continue
		}
		switch parsed.chType {
		case "bar":
			if sub.TF == parsed.tf {
				return true
			}
		case "indicator":
			// identity is (name, tf), not name alone
			for _, e := range sub.IndEntries {
				if e.Name == parsed.indName && e.TF == parsed.tf {
					return true
				}
			}
		}
	}
	return false
}

// parsedChannel is the decomposed form of a data channel name.
type parsedChannel struct {
	chType  string // "bar" or "indicator"
	indName string // indicator rendering, e.g. "RSI(14)"
	tf      int    // seconds
	venue   string
	symbol  string
}

// parseChannel decomposes "pub:bar:60s:SIM:BTC-USD" or
// "pub:ind:RSI(14):60s:SIM:BTC-USD". Anything else returns nil.
func parseChannel(channel string) *parsedChannel {
	parts := strings.Split(channel, ":")
	if len(parts) < 5 || parts[0] != "pub" {
		return nil
	}

	switch parts[1] {
	case "bar":
		return &parsedChannel{
			chType: "bar",
			tf:     parseTFStr(parts[2]),
			venue:  parts[3],
			symbol: parts[4],
		}
	case "ind":
		if len(parts) < 6 {
			return nil
		}
		return &parsedChannel{
			chType:  "indicator",
			indName: parts[2],
			tf:      parseTFStr(parts[3]),
			venue:   parts[4],
			symbol:  parts[5],
		}
	}
	return nil
}

// parseTFStr reads "60s" as 60.
func parseTFStr(s string) int {
	n := 0
	for _, r := range strings.TrimSuffix(s, "s") {
		if r >= '0' && r <= '9' {
			n = n*10 + int(r-'0')
		}
	}
	return n
}
