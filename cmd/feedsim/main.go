// cmd/feedsim — Synthetic trade feed WebSocket server.
// Broadcasts random-walk trades for running mdengine without a live venue
// connection. The JSON shape is model.Trade:
//
//	{"symbol":"BTC-USD","venue":"SIM","price":65000000000,"qty":3,"trade_ts":"..."}
//
// Price is in micros (1 unit = 1,000,000 micros), same as the live feed.
//
// Config (env vars):
//
//	FEEDSIM_ADDR         — listen address (default: ":9001")
//	FEEDSIM_SYMBOLS      — comma-separated VENUE:SYMBOL pairs; a bare SYMBOL
//	                       lands on the SIM venue (default: "SIM:BTC-USD,SIM:ETH-USD")
//	FEEDSIM_INTERVAL_MS  — broadcast interval milliseconds (default: "100")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ta-systemv1/internal/model"
)

// instrument is one simulated symbol and its walking price.
type instrument struct {
	Symbol string
	Venue  string
	Price  int64 // current simulated price in micros
}

// feedHub tracks connected WS clients, each with a private send queue.
type feedHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newFeedHub() *feedHub {
	return &feedHub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *feedHub) attach(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *feedHub) detach(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
}

func (h *feedHub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client loses the trade
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *feedHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[feedsim] upgrade failed: %v", err)
			return
		}
		log.Printf("[feedsim] client joined: %s", r.RemoteAddr)

		ch := h.attach(conn)
		defer func() {
			h.detach(conn)
			conn.Close()
			log.Printf("[feedsim] client left: %s", r.RemoteAddr)
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if conn.WriteMessage(websocket.TextMessage, msg) != nil {
				return
			}
		}
	}
}

// walkPrice moves the price by a random ±0.1% step, floored at 0.01.
func walkPrice(price int64) int64 {
	pct := (rand.Float64()*0.2 - 0.1) / 100.0
	next := price + int64(float64(price)*pct)
	if floor := int64(model.PriceMicros / 100); next < floor {
		next = floor
	}
	return next
}

func runGenerator(h *feedHub, instruments []instrument, intervalMs int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		for i := range instruments {
			instruments[i].Price = walkPrice(instruments[i].Price)
			trade := model.Trade{
				Symbol:  instruments[i].Symbol,
				Venue:   instruments[i].Venue,
				Price:   instruments[i].Price,
				Qty:     int64(rand.Intn(100) + 1),
				TradeTS: time.Now().UTC(),
			}
			if b, err := json.Marshal(trade); err == nil {
				h.broadcast(b)
			}
		}
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[feedsim] starting synthetic trade feed...")

	addr := envOrDefault("FEEDSIM_ADDR", ":9001")
	symbolsEnv := envOrDefault("FEEDSIM_SYMBOLS", "SIM:BTC-USD,SIM:ETH-USD")
	intervalMs := envIntOrDefault("FEEDSIM_INTERVAL_MS", 100)

	instruments := parseInstruments(symbolsEnv)
	if len(instruments) == 0 {
		log.Fatalf("[feedsim] FEEDSIM_SYMBOLS yielded no instruments")
	}
	log.Printf("[feedsim] instruments: %+v", instruments)
	log.Printf("[feedsim] broadcast interval: %dms", intervalMs)

	h := newFeedHub()
	go runGenerator(h, instruments, intervalMs)

	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"feedsim"}`)
	})

	log.Printf("[feedsim] ✅ listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[feedsim] serve: %v", err)
	}
}

func parseInstruments(s string) []instrument {
	// Start prices in micros for well-known symbols.
	startPrices := map[string]int64{
		"BTC-USD": 65_000 * model.PriceMicros,
		"ETH-USD": 3_200 * model.PriceMicros,
		"SOL-USD": 150 * model.PriceMicros,
	}

	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		venue, symbol := "SIM", part
		if i := strings.IndexByte(part, ':'); i >= 0 {
			venue, symbol = strings.TrimSpace(part[:i]), strings.TrimSpace(part[i+1:])
		}
		if symbol == "" {
			log.Printf("[feedsim] ignoring bad symbol spec: %q", part)
			continue
		}
		price := startPrices[symbol]
		if price == 0 {
			price = 1_000 * model.PriceMicros // unknown symbols start at 1000.00
		}
		result = append(result, instrument{Symbol: symbol, Venue: venue, Price: price})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
