// cmd/replay streams historical TF bars from SQLite through a fresh indicator
// engine to validate indicator output without a live feed. With --publish the
// resulting updates are re-published to Redis exactly like the live engine
// publishes them, so the gateway and alert rules can be exercised against
// recorded data.
//
// Usage:
//
//	go run ./cmd/replay --speed=100 --tf=60,300 --from=0
//	go run ./cmd/replay --speed=0 --publish
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"ta-systemv1/internal/indicator"
	"ta-systemv1/internal/marketdata/replay"
	"ta-systemv1/internal/model"
	redisstore "ta-systemv1/internal/store/redis"
	sqlitestore "ta-systemv1/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	speed := flag.Float64("speed", 0, "playback speed multiplier (0=max, 1=realtime, 100=100x)")
	tfStr := flag.String("tf", "60,300", "comma-separated TFs to replay")
	fromTS := flag.Int64("from", 0, "unix timestamp to start replay from (0=all)")
	dbPath := flag.String("db", "data/bars.db", "path to SQLite database")
	indicatorCfg := flag.String("indicators", "", "Indicator specs: TYPE:PERIOD,... (default: RSI:14,SSMA:9,SSMA:21,SMA:20,EMA:9)")
	publish := flag.Bool("publish", false, "Re-publish indicator updates to Redis (REDIS_ADDR)")
	flag.Parse()

	tfs := parseTFs(*tfStr)
	if len(tfs) == 0 {
		log.Fatal("[replay] no valid TFs specified")
	}

	reader, err := sqlitestore.NewReader(*dbPath)
	if err != nil {
		log.Fatalf("[replay] sqlite open failed: %v", err)
	}
	defer reader.Close()

	indSpecs := parseIndicatorSpecs(*indicatorCfg)
	indConfigs := make([]indicator.TFIndicatorConfig, 0, len(tfs))
	for _, tf := range tfs {
		indConfigs = append(indConfigs, indicator.TFIndicatorConfig{
			TF:         tf,
			Indicators: indSpecs,
		})
	}

	engine, err := indicator.NewRestorer(indConfigs).RestoreFromSnap(nil) // cold start
	if err != nil {
		log.Fatalf("[replay] engine init failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional Redis re-publish
	var updateSink model.UpdateWriter
	if *publish {
		w, err := redisstore.New(redisstore.WriterConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
		})
		if err != nil {
			log.Fatalf("[replay] redis connect failed: %v", err)
		}
		defer w.Close()
		updateSink = w
		log.Println("[replay] re-publishing updates to Redis")
	}

	// Create replayer
	replayer := replay.New(reader)
	barCh := make(chan model.TFBar, 10000)

	// Replay in background
	go func() {
		if err := replayer.Run(ctx, tfs, *fromTS, *speed, barCh); err != nil {
			log.Printf("[replay] replay error: %v", err)
		}
		close(barCh)
	}()

	// Process bars through indicator engine
	processed := 0
	readyResults := 0
	published := 0
	for bar := range barCh {
		updates := engine.Process(bar)
		processed++
		for _, u := range updates {
			if u.Ready {
				readyResults++
				if processed <= 10 || processed%100 == 0 {
					fmt.Printf("  [%s] %s TF=%ds %s:%s = %.4f\n",
						bar.TS.Format("15:04:05"), u.Name, u.TF, u.Venue, u.Symbol, u.Value)
				}
			}
		}
		if updateSink != nil {
			updateSink.WriteUpdateBatch(ctx, updates)
			published += len(updates)
		}
	}

	fmt.Println()
	fmt.Println("───────────── replay finished ─────────────")
	fmt.Printf("  bars processed:    %d\n", processed)
	fmt.Printf("  ready results:     %d\n", readyResults)
	if updateSink != nil {
		fmt.Printf("  updates published: %d\n", published)
	}
	fmt.Printf("  TFs:               %v\n", tfs)
	fmt.Println("───────────────────────────────────────────")
}

func parseTFs(s string) []int {
	var tfs []int
	for _, p := range strings.Split(s, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil && n > 0 {
			tfs = append(tfs, n)
		}
	}
	return tfs
}

func parseIndicatorSpecs(s string) []indicator.IndicatorConfig {
	if s == "" {
		return []indicator.IndicatorConfig{
			{Type: "RSI", Period: 14},
			{Type: "SSMA", Period: 9},
			{Type: "SSMA", Period: 21},
			{Type: "SMA", Period: 20},
			{Type: "EMA", Period: 9},
		}
	}
	var configs []indicator.IndicatorConfig
	for _, part := range strings.Split(s, ",") {
		tokens := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(tokens) != 2 {
			continue
		}
		period, err := strconv.Atoi(strings.TrimSpace(tokens[1]))
		if err != nil || period <= 0 {
			continue
		}
		configs = append(configs, indicator.IndicatorConfig{
			Type:   strings.ToUpper(strings.TrimSpace(tokens[0])),
			Period: period,
		})
	}
	return configs
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
