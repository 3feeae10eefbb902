package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ta-systemv1/config"
	"ta-systemv1/internal/marketdata/agg"
	"ta-systemv1/internal/marketdata/bus"
	"ta-systemv1/internal/marketdata/closedetector"
	"ta-systemv1/internal/marketdata/tfbuilder"
	"ta-systemv1/internal/marketdata/ws"
	"ta-systemv1/internal/marketdata/wssim"
	"ta-systemv1/internal/metrics"
	"ta-systemv1/internal/model"
	"ta-systemv1/internal/ringbuf"
	redisstore "ta-systemv1/internal/store/redis"
	sqlitestore "ta-systemv1/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[mdengine] booting...")

	stagingMode := strings.EqualFold(os.Getenv("STAGING_MODE"), "true")
	if stagingMode {
		log.Println("[mdengine] *** STAGING MODE: trades come from feedsim, not the live venue ***")
	}

	var cfg *config.Config
	if !stagingMode {
		cfg = config.Load() // requires FEED_WS_URL
	}

	// Timeframes and symbols.
	var enabledTFs []int
	var symbols []string
	if stagingMode {
		enabledTFs = parseTFsFromEnv(getEnv("ENABLED_TFS", "60,120,180,300"))
	} else {
		enabledTFs = cfg.ParseTFs()
		symbols = cfg.ParseSymbols()
		log.Printf("[mdengine] %d symbols subscribed on %s", len(symbols), cfg.FeedVenue)
	}
	log.Printf("[mdengine] timeframes enabled: %v seconds", enabledTFs)

	// Pipeline channels. The redis/sqlite pair sits off the compute path so
	// slow storage never backpressures bar building.
	wsTradeCh := make(chan model.Trade, 1024) // WS read loop → ring producer
	tradeCh := make(chan model.Trade, 1024)   // ring consumer → aggregator
	barCh := make(chan model.Bar, 5000)
	tfBarCh := make(chan model.TFBar, 5000)
	redisTFBarCh := make(chan model.TFBar, 5000)
	sqliteTFBarCh := make(chan model.TFBar, 5000)

	// Metrics and health endpoints.
	metricsAddr := getEnv("METRICS_ADDR", ":9090")
	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	redisPassword := getEnv("REDIS_PASSWORD", "")
	sqlitePath := getEnv("SQLITE_PATH", "data/bars.db")
	if !stagingMode {
		metricsAddr, redisAddr = cfg.MetricsAddr, cfg.RedisAddr
		redisPassword, sqlitePath = cfg.RedisPassword, cfg.SQLitePath
	}

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.SetEnabledTFs(enabledTFs)
	metricsSrv := metrics.NewServer(metricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SQLite writer, batched and off the hot path.
	os.MkdirAll("data", 0o755)
	sqlWriter, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: sqlitePath})
	if err != nil {
		log.Fatalf("[mdengine] sqlite open: %v", err)
	}
	defer sqlWriter.Close()
	sqlWriter.OnCommit = func(d time.Duration, _ int) {
		prom.SQLiteCommitDur.Observe(d.Seconds())
	}
	health.SetSQLiteOK(true)
	log.Println("[mdengine] sqlite writer up")

	// Redis writer. A missing Redis downgrades the process rather than
	// killing it: bars still land in SQLite.
	redisWriter, err := redisstore.New(redisstore.WriterConfig{
		Addr:     redisAddr,
		Password: redisPassword,
	})
	if err != nil {
		log.Printf("[mdengine] WARNING: no redis (%v), running SQLite-only", err)
		health.SetRedisConnected(false)
		redisWriter = nil
	} else {
		health.SetRedisConnected(true)
		if err := redisWriter.SaveTFRegistry(ctx, enabledTFs); err != nil {
			log.Printf("[mdengine] WARNING: could not publish tf:enabled registry: %v", err)
		}
		log.Println("[mdengine] redis writer up")
	}

	// Circuit breaker plus local buffer in front of Redis. When Redis stops
	// answering, writes park in memory and replay after it comes back.
	var redisSink model.BarWriter
	if redisWriter != nil {
		cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
		cb.OnStateChange = func(from, to redisstore.State) {
			log.Printf("[mdengine] redis circuit breaker: %s -> %s", from, to)
			prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				prom.RedisCircuitBreakerTrips.Inc()
			}
		}
		buffered := redisstore.NewBufferedWriter(ctx, redisWriter, cb, 10000)
		buffered.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
		buffered.OnWrite = func(d time.Duration) { prom.RedisWriteDur.Observe(d.Seconds()) }
		redisSink = buffered
	}

	if redisWriter != nil {
		health.StartLivenessChecker(ctx, redisWriter.Client(), sqlWriter.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, sqlWriter.DB(), 10*time.Second)
	}

	// SPSC ring decouples the WS read loop from aggregation so a burst on
	// the socket never blocks the reader.
	ring := ringbuf.New(16384)

	go func() { // WS trades → ring
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-wsTradeCh:
				if !ok {
					return
				}
				prom.TradesTotal.Inc()
				health.SetLastTradeTime(t.TradeTS)
				if !ring.Push(t) {
					prom.RingBufOverflow.Inc()
				}
			}
		}
	}()

	go func() { // ring → aggregator
		for {
			t, ok := ring.Pop()
			if !ok {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(200 * time.Microsecond)
				continue
			}
			select {
			case <-ctx.Done():
				return
			case tradeCh <- t:
			}
		}
	}()

	// 1s bars fan out to SQLite, Redis and the TF builder.
	fanout := bus.New(5000)
	fanout.OnDrop = func(subscriberIdx int) {
		prom.FanoutDropsTotal.WithLabelValues(strconv.Itoa(subscriberIdx)).Inc()
	}

	sqliteBarCh := fanout.Subscribe()
	var redis1sBarCh <-chan model.Bar
	if redisWriter != nil {
		redis1sBarCh = fanout.Subscribe()
	}

	go fanout.Run(ctx, barCh)
	go reportSaturation(ctx, prom, fanout, ring)

	go sqlWriter.Run(ctx, sqliteBarCh)
	if redisSink != nil && redis1sBarCh != nil {
		go redisSink.Run(ctx, redis1sBarCh)
	}

	// TF builder, the hot path.
	tfBuilder := tfbuilder.New(enabledTFs)
	tfBuilder.OnTFBar = func(b model.TFBar) {
		prom.TFBarsTotal.WithLabelValues(strconv.Itoa(b.TF)).Inc()
	}
	tfBuilder.OnStaleBar = func() {
		prom.StaleBarsRejected.Inc()
	}
	health.SetTFBuilderOK(true)
	log.Printf("[mdengine] TF builder up, TFs=%v stale tolerance=%v", enabledTFs, tfBuilder.StaleTolerance)

	// The close detector shares the TF builder goroutine. A TF bucket only
	// closes when the next 1s bar lands, so on a quiet feed a ticker flushes
	// elapsed buckets, and a feed silent past MaxSilence forces the ingest
	// to reconnect.
	det := closedetector.New()
	reconnectCh := make(chan struct{}, 1)

	tfBuilderIn := fanout.Subscribe()
	go func() {
		flushTicker := time.NewTicker(10 * time.Second)
		defer flushTicker.Stop()
		var lastKick time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-tfBuilderIn:
				if !ok {
					return
				}
				det.Observe(b.Close, time.Now())
				start := time.Now()
				tfBuilder.Run1(b, tfBarCh)
				prom.TFBuildDur.Observe(time.Since(start).Seconds())
			case now := <-flushTicker.C:
				if det.Idle(now) {
					if n := tfBuilder.FlushElapsed(now.UTC(), tfBarCh); n > 0 {
						log.Printf("[mdengine] quiet feed, flushed %d elapsed TF buckets", n)
					}
				}
				if det.Down(now) && now.Sub(lastKick) >= det.MaxSilence {
					lastKick = now
					select {
					case reconnectCh <- struct{}{}:
					default:
					}
				}
			}
		}
	}()

	// Route TF bars to their sinks, dropping rather than blocking.
	redisFormingCh := make(chan model.TFBar, 5000)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tfb, ok := <-tfBarCh:
				if !ok {
					return
				}
				if tfb.Forming {
					select {
					case redisFormingCh <- tfb:
					default:
					}
					continue
				}
				select {
				case redisTFBarCh <- tfb:
				default:
				}
				select {
				case sqliteTFBarCh <- tfb:
				default:
				}
			}
		}
	}()

	if redisWriter != nil {
		// Closed bars ride the breaker-buffered sink. Forming bars are
		// pubsub-only previews and go out direct since a stale preview is
		// worthless.
		go redisSink.RunTFBars(ctx, redisTFBarCh)
		go redisWriter.RunFormingTFBars(ctx, redisFormingCh)
	}
	go sqlWriter.RunTFBars(ctx, sqliteTFBarCh)

	// 1s OHLC aggregator.
	aggregator := agg.New()
	aggregator.OnDroppedTrade = func() {
		prom.DroppedTrades.Inc()
	}
	aggregator.OnBar = func(b model.Bar) {
		prom.BarsTotal.Inc()
		prom.BarLag.Set(time.Since(b.TS).Seconds())
	}
	go aggregator.Run(ctx, tradeCh, barCh)
	log.Println("[mdengine] pipeline up")

	// Trade source: feedsim in staging, the live venue otherwise.
	if stagingMode {
		simWSURL := getEnv("SIM_WS_URL", "ws://localhost:9001/ws")
		log.Printf("[mdengine] staging trade source: %s", simWSURL)

		ingest, err := wssim.New(wssim.Config{
			URL:               simWSURL,
			ReconnectDelay:    2 * time.Second,
			MaxReconnectDelay: 30 * time.Second,
		})
		if err != nil {
			log.Fatalf("[mdengine] wssim setup: %v", err)
		}
		ingest.OnReconnect = func() {
			prom.WSReconnects.Inc()
		}

		go superviseFeed(ctx, reconnectCh, health, prom, func(wsCtx context.Context) error {
			return ingest.Start(wsCtx, wsTradeCh)
		})

		log.Println("[mdengine] ╔══════════════════════════════════════════════════════════╗")
		log.Println("[mdengine] ║  Market Data Engine (staging)                            ║")
		log.Println("[mdengine] ║  feedsim WS → ring → 1s agg → TF builder → stores        ║")
		log.Printf("[mdengine] ║  TFs %-51v ║", enabledTFs)
		log.Printf("[mdengine] ║  source %-48s ║", simWSURL)
		log.Println("[mdengine] ╚══════════════════════════════════════════════════════════╝")
	} else {
		ingest, err := ws.New(ws.Config{
			URL:               cfg.FeedWSURL,
			Venue:             cfg.FeedVenue,
			Symbols:           symbols,
			ReconnectDelay:    2 * time.Second,
			MaxReconnectDelay: 30 * time.Second,
		})
		if err != nil {
			log.Fatalf("[mdengine] ws setup: %v", err)
		}
		ingest.OnReconnect = func() {
			prom.WSReconnects.Inc()
		}

		go superviseFeed(ctx, reconnectCh, health, prom, func(wsCtx context.Context) error {
			return ingest.Start(wsCtx, wsTradeCh)
		})

		log.Println("[mdengine] ╔══════════════════════════════════════════════════════════╗")
		log.Println("[mdengine] ║  Market Data Engine                                      ║")
		log.Println("[mdengine] ║  venue WS → ring → 1s agg → TF builder → stores          ║")
		log.Printf("[mdengine] ║  TFs %-51v ║", enabledTFs)
		log.Printf("[mdengine] ║  venue %-49s ║", cfg.FeedVenue)
		log.Println("[mdengine] ╚══════════════════════════════════════════════════════════╝")
	}

	<-sigCtx.Done()
	log.Println("[mdengine] shutdown signal, draining...")
	cancel()

	// Let the batched writers flush before the process exits.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	if redisWriter != nil {
		redisWriter.Close()
	}

	log.Println("[mdengine] stopped.")
}

// reportSaturation samples channel fill levels into gauges every 5s.
func reportSaturation(ctx context.Context, prom *metrics.Metrics, fanout *bus.FanOut, ring *ringbuf.Ring) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i, s := range fanout.ChannelStats() {
				if s.Cap > 0 {
					prom.ChannelSaturationPct.
						WithLabelValues("fanout_" + strconv.Itoa(i)).
						Set(float64(s.Len) / float64(s.Cap) * 100)
				}
			}
			prom.ChannelSaturationPct.WithLabelValues("ringbuf").
				Set(float64(ring.Len()) / float64(ring.Cap()) * 100)
		}
	}
}

// superviseFeed runs the ingest loop and restarts it whenever the close
// detector flags the feed dead. Socket-level reconnects are the ingest's
// own job; this handles the open-but-silent case.
func superviseFeed(ctx context.Context, reconnectCh <-chan struct{}, health *metrics.HealthStatus, prom *metrics.Metrics, start func(context.Context) error) {
	for ctx.Err() == nil {
		wsCtx, wsCancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- start(wsCtx) }()
		health.SetWSConnected(true)

		select {
		case <-ctx.Done():
			wsCancel()
			<-done
			return
		case <-reconnectCh:
			log.Println("[mdengine] feed silent past threshold, forcing WS reconnect")
			prom.WSReconnects.Inc()
			wsCancel()
			<-done
		case err := <-done:
			wsCancel()
			if err != nil && ctx.Err() == nil {
				log.Printf("[mdengine] ws ingest exited: %v", err)
			}
		}
		health.SetWSConnected(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

// parseTFsFromEnv splits comma-separated TF seconds, used in staging mode.
func parseTFsFromEnv(s string) []int {
	var tfs []int
	for _, p := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			if strings.TrimSpace(p) != "" {
				log.Printf("[mdengine] ignoring bad TF value %q", p)
			}
			continue
		}
		tfs = append(tfs, n)
	}
	return tfs
}
