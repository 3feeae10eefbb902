// Package ws provides the WebSocket ingest client for an upstream venue
// trade feed. It dials the feed URL, sends a subscribe request for the
// configured symbols, and pushes normalized trades into the pipeline.
//
// The expected wire format is one JSON object per message:
//
//	{"type":"trade","symbol":"BTC-USD","price":"50123.45","qty":2,"ts":1700000000123}
//
// Non-trade messages (subscription acks, heartbeats) are skipped.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"ta-systemv1/internal/model"
)

// Config holds configuration for the WS ingest.
type Config struct {
	// URL of the venue trade feed, e.g. "wss://feed.example.com/ws"
	URL string

	// Venue name stamped on every trade from this feed.
	Venue string

	// Symbols to subscribe to on connect.
	Symbols []string

	// ReconnectDelay is the first wait after a disconnect; 2s when zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay bounds the backoff growth; 30s when zero.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.Venue == "" {
		c.Venue = "LIVE"
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// subscribeMsg is the handshake sent after each (re)connect.
type subscribeMsg struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// Ingest connects to the venue feed and pushes model.Trade values into tradeCh.
type Ingest struct {
	cfg Config

	// OnReconnect, when set, fires on every reconnection attempt.
	OnReconnect func()
}

// New validates the feed URL and builds the ingest.
func New(cfg Config) (*Ingest, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("ws ingest: bad feed url: %w", err)
	}
	return &Ingest{cfg: cfg}, nil
}

// Start connects to the feed and streams trades into tradeCh.
// Blocks until ctx is cancelled. Reconnects automatically on disconnect.
func (ing *Ingest) Start(ctx context.Context, tradeCh chan<- model.Trade) error {
	delay := ing.cfg.ReconnectDelay

	for ctx.Err() == nil {
		err := ing.runOnce(ctx, tradeCh)
		if err == nil {
			return nil // clean cancellation
		}

		log.Printf("[ws] disconnected (%v), reconnecting in %s...", err, delay)
		if ing.OnReconnect != nil {
			ing.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		if delay *= 2; delay > ing.cfg.MaxReconnectDelay {
			delay = ing.cfg.MaxReconnectDelay
		}
	}
	return nil
}

// runOnce dials once and reads until the socket drops or ctx ends.
func (ing *Ingest) runOnce(ctx context.Context, tradeCh chan<- model.Trade) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ing.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Printf("[ws] connected to %s, subscribing symbols=%v", ing.cfg.URL, ing.cfg.Symbols)

	sub := subscribeMsg{Op: "subscribe", Symbols: ing.cfg.Symbols}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// A cancelled ctx tears the socket down so ReadMessage unblocks.
	go func() {
		<-ctx.Done()
		conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		)
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("[ws] parse error: %v (raw: %s)", err, raw)
			continue
		}

		typ, _ := msg["type"].(string)
		if typ != "trade" {
			// subscription ack, heartbeat, etc.
			continue
		}

		trade, err := parseTrade(msg, ing.cfg.Venue)
		if err != nil {
			log.Printf("[ws] skipping trade: %v", err)
			continue
		}

		select {
		case tradeCh <- trade:
		default:
			log.Println("[ws] tradeCh full, dropping trade")
		}
	}
}

// parseTrade converts the raw feed message map into a model.Trade.
func parseTrade(msg map[string]interface{}, venue string) (model.Trade, error) {
	symbol, _ := msg["symbol"].(string)
	if symbol == "" {
		return model.Trade{}, fmt.Errorf("missing symbol")
	}

	price := toFloat64(msg["price"])
	if price <= 0 {
		return model.Trade{}, fmt.Errorf("bad price %v for %s", msg["price"], symbol)
	}

	qty := toInt64(msg["qty"])

	// Use the feed timestamp if available, otherwise use current time.
	// Feed sends epoch milliseconds.
	var tradeTS time.Time
	if ms := toInt64(msg["ts"]); ms > 0 {
		tradeTS = time.Unix(0, ms*int64(time.Millisecond)).UTC()
	} else {
		tradeTS = time.Now().UTC()
	}

	return model.Trade{
		Symbol:  symbol,
		Venue:   venue,
		Price:   model.PriceToMicros(price),
		Qty:     qty,
		TradeTS: tradeTS,
	}, nil
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}
