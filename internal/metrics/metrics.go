package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Latency buckets for the sub-millisecond hot paths (TF build, indicator
// compute). Default buckets start at 5ms and would lump everything into
// the first bucket.
var hotPathBuckets = []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001}

// Metrics is the full prometheus surface of the pipeline, one instance per
// process. Families are grouped by the stage that feeds them.
type Metrics struct {
	// feed + 1s aggregation
	TradesTotal   prometheus.Counter
	BarsTotal     prometheus.Counter
	WSReconnects  prometheus.Counter
	DroppedTrades prometheus.Counter
	BarLag        prometheus.Gauge

	// storage
	RedisWriteDur   prometheus.Histogram
	SQLiteCommitDur prometheus.Histogram

	// TF resampling
	TFBarsTotal *prometheus.CounterVec // label: tf
	TFBuildDur  prometheus.Histogram

	// indicator engine
	IndicatorComputeDur prometheus.Histogram
	IndicatorsTotal     prometheus.Counter

	// backpressure
	RingBufOverflow      prometheus.Counter
	FanoutDropsTotal     *prometheus.CounterVec // label: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // label: channel_name
	StaleBarsRejected    prometheus.Counter

	// stream consumer
	PELMessagesReclaimed prometheus.Counter

	// redis circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	// alerting
	AlertsFired       *prometheus.CounterVec // label: rule
	AlertNotifyErrors prometheus.Counter
}

func counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	prometheus.MustRegister(c)
	return c
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	prometheus.MustRegister(c)
	return c
}

func gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	prometheus.MustRegister(g)
	return g
}

func gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	prometheus.MustRegister(g)
	return g
}

func histogram(name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
	prometheus.MustRegister(h)
	return h
}

// NewMetrics registers every family on the default registry and returns the
// handle set. Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		TradesTotal:   counter("mdengine_trades_total", "Trades received from the feed"),
		BarsTotal:     counter("mdengine_bars_total", "1s bars emitted by the aggregator"),
		WSReconnects:  counter("mdengine_ws_reconnects_total", "Feed WebSocket reconnect attempts"),
		DroppedTrades: counter("mdengine_dropped_trades_total", "Trades dropped (late or channel full)"),
		BarLag:        gauge("mdengine_bar_lag_seconds", "Bar timestamp to emission delay"),

		RedisWriteDur:   histogram("mdengine_redis_write_duration_seconds", "Redis write latency", prometheus.DefBuckets),
		SQLiteCommitDur: histogram("mdengine_sqlite_commit_duration_seconds", "SQLite batch commit latency", prometheus.DefBuckets),

		TFBarsTotal: counterVec("mdengine_tf_bars_total", "TF bars emitted, by timeframe", "tf"),
		TFBuildDur:  histogram("mdengine_tf_build_duration_seconds", "TF resampler latency per bar", hotPathBuckets),

		IndicatorComputeDur: histogram("mdengine_indicator_compute_duration_seconds", "Indicator engine latency per TF bar", hotPathBuckets),
		IndicatorsTotal:     counter("mdengine_indicators_total", "Indicator values computed"),

		RingBufOverflow:      counter("mdengine_ringbuf_overflow_total", "Trade ring buffer overflows"),
		FanoutDropsTotal:     counterVec("mdengine_fanout_drops_total", "Bars dropped by the fan-out bus, by subscriber", "subscriber"),
		ChannelSaturationPct: gaugeVec("mdengine_channel_saturation_pct", "Channel fill percentage (len/cap * 100)", "channel_name"),
		StaleBarsRejected:    counter("mdengine_stale_bars_rejected_total", "Bars the TF builder rejected as stale"),

		PELMessagesReclaimed: counter("indengine_pel_messages_reclaimed_total", "Stream entries reclaimed from dead consumers"),

		RedisCircuitBreakerState: gauge("mdengine_redis_circuit_breaker_state", "Redis breaker state (0=closed, 1=open, 2=half-open)"),
		RedisCircuitBreakerTrips: counter("mdengine_redis_circuit_breaker_trips_total", "Times the redis breaker tripped open"),
		RedisBufferedWrites:      counter("mdengine_redis_buffered_writes_total", "Writes buffered locally while the breaker was open"),

		AlertsFired:       counterVec("alertengine_alerts_fired_total", "Alerts fired, by rule", "rule"),
		AlertNotifyErrors: counter("alertengine_notify_errors_total", "Notifier delivery failures"),
	}
}

// HealthStatus is the shared health view behind /healthz. Stage goroutines
// flip their flags; the liveness checker fills in dependency latencies.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool
	LastTradeTime  time.Time
	RedisConnected bool
	SQLiteOK       bool
	TFBuilderOK    bool
	EnabledTFs     []int

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a health view anchored at the current time.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) set(fn func()) {
	h.mu.Lock()
	fn()
	h.mu.Unlock()
}

func (h *HealthStatus) SetWSConnected(v bool)        { h.set(func() { h.WSConnected = v }) }
func (h *HealthStatus) SetLastTradeTime(t time.Time) { h.set(func() { h.LastTradeTime = t }) }
func (h *HealthStatus) SetRedisConnected(v bool)     { h.set(func() { h.RedisConnected = v }) }
func (h *HealthStatus) SetSQLiteOK(v bool)           { h.set(func() { h.SQLiteOK = v }) }
func (h *HealthStatus) SetTFBuilderOK(v bool)        { h.set(func() { h.TFBuilderOK = v }) }
func (h *HealthStatus) SetEnabledTFs(tfs []int)      { h.set(func() { h.EnabledTFs = tfs }) }

// CheckRedis pings redis and records connectivity and round-trip time.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	ms := float64(time.Since(start).Microseconds()) / 1000.0

	h.set(func() {
		h.RedisConnected = err == nil
		h.RedisLatencyMs = ms
		h.LastCheckAt = time.Now()
	})
}

// CheckSQLite pings the database and records health and round-trip time.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	ms := float64(time.Since(start).Microseconds()) / 1000.0

	h.set(func() {
		h.SQLiteOK = err == nil
		h.SQLiteLatencyMs = ms
		h.LastCheckAt = time.Now()
	})
}

// StartLivenessChecker probes the given dependencies on an interval until
// the context ends. Nil dependencies are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// healthReport is the /healthz response body.
type healthReport struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	WSConnected     bool    `json:"ws_connected"`
	LastTradeTime   string  `json:"last_trade_time"`
	TradeAge        string  `json:"trade_age"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
	TFBuilderOK     bool    `json:"tf_builder_ok"`
	EnabledTFs      []int   `json:"enabled_tfs"`
	LastCheckAt     string  `json:"last_check_at"`
}

// ServeHTTP answers /healthz. Any flag down means degraded (503); both
// stores down means unhealthy.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	rep := healthReport{
		Status:          "healthy",
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:     h.WSConnected,
		LastTradeTime:   h.LastTradeTime.Format(time.RFC3339),
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		TFBuilderOK:     h.TFBuilderOK,
		EnabledTFs:      h.EnabledTFs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}
	if !h.LastTradeTime.IsZero() {
		rep.TradeAge = time.Since(h.LastTradeTime).Round(time.Millisecond).String()
	}
	h.mu.RUnlock()

	code := http.StatusOK
	if !rep.WSConnected || !rep.RedisConnected || !rep.SQLiteOK {
		rep.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if !rep.RedisConnected && !rep.SQLiteOK {
		rep.Status = "unhealthy"
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(rep)
}

// Server exposes /metrics and /healthz on one listener.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer builds the observability server for one process.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start serves in the background; errors other than a clean shutdown are
// logged.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop shuts the server down within the context's deadline.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
