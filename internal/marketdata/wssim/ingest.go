// Package wssim ingests trades from a plain-JSON WebSocket server such
// as cmd/feedsim and feeds them into the mdengine pipeline.
//
// Wire messages decode directly into model.Trade:
//
//	{"symbol":"BTC-USD","venue":"SIM","price":50123450000,"qty":10,"trade_ts":"..."}
//
// It swaps in for internal/marketdata/ws minus the venue handshake, for
// offline testing or custom feeds.
package wssim

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"ta-systemv1/internal/model"
)

// Config configures the simulated WS ingest.
type Config struct {
	// URL of the trade WebSocket server, e.g. "ws://localhost:9001/ws"
	URL string

	// ReconnectDelay seeds the backoff between connection attempts.
	// Zero means 2s.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the backoff. Zero means 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Ingest reads trades off the socket and pushes them into tradeCh. The
// external surface matches internal/marketdata/ws.Ingest.
type Ingest struct {
	cfg Config

	// OnReconnect, when set, fires on every reconnection.
	OnReconnect func()
}

// New validates the URL and returns an Ingest.
func New(cfg Config) (*Ingest, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, err
	}
	return &Ingest{cfg: cfg}, nil
}

// Start streams trades into tradeCh until ctx is cancelled, redialing
// with exponential backoff whenever the connection drops.
func (ing *Ingest) Start(ctx context.Context, tradeCh chan<- model.Trade) error {
	delay := ing.cfg.ReconnectDelay

	for ctx.Err() == nil {
		err := ing.runOnce(ctx, tradeCh)
		if err == nil {
			return nil // clean cancel
		}

		log.Printf("[wssim] connection lost (%v), retrying in %s", err, delay)
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

// runOnce dials once and reads until disconnect or cancellation.
func (ing *Ingest) runOnce(ctx context.Context, tradeCh chan<- model.Trade) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ing.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Printf("[wssim] connected to %s", ing.cfg.URL)

	// Unblock the read loop when ctx is cancelled.
	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
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

		var trade model.Trade
		if err := json.Unmarshal(raw, &trade); err != nil {
			log.Printf("[wssim] undecodable message: %v (raw: %s)", err, raw)
			continue
		}
		if trade.Symbol == "" {
			log.Printf("[wssim] dropping trade without symbol")
			continue
		}

		select {
		case tradeCh <- trade:
		default:
			log.Println("[wssim] tradeCh saturated, dropping trade")
		}
	}
}
