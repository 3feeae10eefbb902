package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ta-systemv1/internal/gateway"
	"ta-systemv1/internal/logger"
	redisstore "ta-systemv1/internal/store/redis"
)

var processStart = time.Now()

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("api_gateway", logger.ParseLevel(os.Getenv("LOG_LEVEL")))
	log.Println("[api_gateway] booting...")

	listenAddr := getEnv("GATEWAY_ADDR", ":9091")
	subscribeSymbols := getEnv("SUBSCRIBE_SYMBOLS", "SIM:BTC-USD,SIM:ETH-USD")
	totpSecret := getEnv("ADMIN_TOTP_SECRET", "")

	store, err := redisstore.New(redisstore.WriterConfig{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
	})
	if err != nil {
		log.Fatalf("[api_gateway] redis connect: %v", err)
	}
	defer store.Close()
	rdb := store.Client()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// TF list: explicit env wins, then the tf:enabled registry mdengine
	// maintains, then stock defaults.
	tfs := parseTFs(getEnv("ENABLED_TFS", ""))
	if len(tfs) == 0 {
		regTFs, err := store.LoadTFRegistry(ctx)
		if err != nil {
			log.Printf("[api_gateway] WARNING: tf:enabled registry read failed: %v", err)
		} else if len(regTFs) > 0 {
			tfs = regTFs
			log.Printf("[api_gateway] TFs from redis registry: %v", tfs)
		}
	}
	if len(tfs) == 0 {
		tfs = parseTFs("60,120,180,300")
	}

	symbolKeys := parseSymbolKeys(subscribeSymbols)
	indicators := parseIndicatorNames(getEnv("INDICATOR_CONFIGS", ""))

	// Hub manages all WebSocket connections and the Redis PubSub router
	hub := gateway.NewHub(rdb, tfs, symbolKeys, indicators)
	go hub.Run(ctx)

	// HTTP routes (WS, REST, prometheus /metrics, /health)
	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, hub, rdb, tfs, symbolKeys, indicators, totpSecret, processStart)

	srv := &http.Server{Addr: listenAddr, Handler: gateway.AccessLog(mux)}

	// Periodic system-metrics broadcast to all WS clients
	go hub.StartMetricsBroadcast(ctx, processStart)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("[api_gateway] ✅ listening at http://localhost%s", listenAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[api_gateway] serve: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("[api_gateway] draining...")
	cancel()
	srv.Shutdown(context.Background())
}

// ---- Helpers ----

func parseTFs(s string) []int {
	var tfs []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			continue
		}
		tfs = append(tfs, n)
	}
	return tfs
}

// parseSymbolKeys parses "venue:symbol,..." into composite keys. A bare
// "symbol" entry is assumed to live on the SIM venue.
func parseSymbolKeys(s string) []string {
	if s == "" {
		return nil
	}
	var keys []string
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if !strings.Contains(pair, ":") {
			pair = "SIM:" + pair
		}
		keys = append(keys, pair)
	}
	return keys
}

// parseIndicatorNames converts INDICATOR_CONFIGS ("TYPE:PERIOD,...") into
// the display names the engine publishes under ("RSI(14)").
func parseIndicatorNames(s string) []string {
	defaults := []string{"RSI(14)", "SSMA(9)", "SSMA(21)", "SMA(20)", "EMA(9)"}
	if s == "" {
		return defaults
	}

	var names []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		tokens := strings.SplitN(part, ":", 2)
		if len(tokens) != 2 {
			continue
		}
		typ := strings.ToUpper(strings.TrimSpace(tokens[0]))
		period := strings.TrimSpace(tokens[1])
		if typ == "" || period == "" {
			continue
		}
		if _, err := strconv.Atoi(period); err != nil {
			continue
		}
		names = append(names, typ+"("+period+")")
	}
	if len(names) == 0 {
		return defaults
	}
	log.Printf("[api_gateway] %d indicators configured via INDICATOR_CONFIGS", len(names))
	return names
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
