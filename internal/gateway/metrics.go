package gateway

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the gateway process. Registered once at package
// init so tests can build any number of hubs.
var (
	wsClientsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_ws_clients",
		Help: "Currently connected WebSocket clients",
	})
	broadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_broadcasts_total",
		Help: "Envelopes fanned out to subscribers",
	})
	sendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_ws_messages_sent_total",
		Help: "Messages enqueued to client send buffers",
	})
	droppedSendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_dropped_sends_total",
		Help: "Messages dropped because a client send buffer was full",
	})
	rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limited_total",
		Help: "Requests rejected by the per-IP rate limiter",
	})
)

func init() {
	prometheus.MustRegister(
		wsClientsGauge,
		broadcastsTotal,
		sendsTotal,
		droppedSendsTotal,
		rateLimitedTotal,
	)
}

// SystemMetrics is the process/host resource report broadcast on the
// "metrics" WS channel and served by /api/metrics.
type SystemMetrics struct {
	CPULoad1    float64 `json:"cpu_load_1"`
	CPULoad5    float64 `json:"cpu_load_5"`
	CPULoad15   float64 `json:"cpu_load_15"`
	CPUPercent  float64 `json:"cpu_percent"`
	CPUCores    int     `json:"cpu_cores"`
	MemUsedMB   float64 `json:"mem_used_mb"`
	MemTotalMB  float64 `json:"mem_total_mb"`
	MemPercent  float64 `json:"mem_percent"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	SysMB       float64 `json:"sys_mb"`
	GCRuns      uint32  `json:"gc_runs"`
	Goroutines  int     `json:"goroutines"`
	UptimeSec   int64   `json:"uptime_sec"`
	Clients     int     `json:"ws_clients"`
	IndicatorMs float64 `json:"indicator_compute_ms"`
	LatencyP50  float64 `json:"latency_p50_ms"`
	LatencyP95  float64 `json:"latency_p95_ms"`
	LatencyP99  float64 `json:"latency_p99_ms"`
	LatencyAvg  float64 `json:"latency_avg_ms"`
	TS          string  `json:"ts"`
}

const indicatorLatencyKey = "metrics:indengine:indicator_compute_ms"

// cpuSample is one cumulative reading of the aggregate "cpu" line in
// /proc/stat; CPU usage is the idle share of the delta between readings.
type cpuSample struct {
	idle  uint64
	total uint64
}

// CollectMetrics runs from both the broadcast loop and the /api/metrics
// handler, so the previous sample is guarded.
var (
	cpuMu   sync.Mutex
	prevCPU cpuSample
)

func readCPUSample() (s cpuSample) {
	cols := procLine("/proc/stat", "cpu ")
	if len(cols) < 5 {
		return s
	}
	for i, col := range cols[1:] {
		v, _ := strconv.ParseUint(col, 10, 64)
		s.total += v
		if i == 3 { // the idle column
			s.idle = v
		}
	}
	return s
}

// procLine returns the whitespace-split fields of the first line in path
// carrying the given prefix, or nil.
func procLine(path, prefix string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), prefix) {
			return strings.Fields(sc.Text())
		}
	}
	return nil
}

// CollectMetrics samples host load, memory and Go runtime stats.
func CollectMetrics(start time.Time) SystemMetrics {
	m := SystemMetrics{
		Goroutines: runtime.NumGoroutine(),
		UptimeSec:  int64(time.Since(start).Seconds()),
		TS:         time.Now().UTC().Format(time.RFC3339Nano),
		CPUCores:   runtime.NumCPU(),
	}

	cur := readCPUSample()
	cpuMu.Lock()
	if prevCPU.total > 0 && cur.total > prevCPU.total {
		dIdle := float64(cur.idle - prevCPU.idle)
		dTotal := float64(cur.total - prevCPU.total)
		m.CPUPercent = (1.0 - dIdle/dTotal) * 100.0
	}
	prevCPU = cur
	cpuMu.Unlock()

	if cols := procLine("/proc/loadavg", ""); len(cols) >= 3 {
		m.CPULoad1, _ = strconv.ParseFloat(cols[0], 64)
		m.CPULoad5, _ = strconv.ParseFloat(cols[1], 64)
		m.CPULoad15, _ = strconv.ParseFloat(cols[2], 64)
	}

	total := procKB("/proc/meminfo", "MemTotal:")
	available := procKB("/proc/meminfo", "MemAvailable:")
	if total > 0 {
		used := total - available
		m.MemTotalMB = float64(total) / 1024
		m.MemUsedMB = float64(used) / 1024
		m.MemPercent = float64(used) / float64(total) * 100
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.HeapAllocMB = float64(ms.HeapAlloc) / 1024 / 1024
	m.SysMB = float64(ms.Sys) / 1024 / 1024
	m.GCRuns = ms.NumGC

	return m
}

// procKB reads a kB-denominated meminfo value, 0 when unavailable.
func procKB(path, prefix string) uint64 {
	cols := procLine(path, prefix)
	if len(cols) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(cols[1], 10, 64)
	return v
}

// ReadIndicatorLatency fetches the compute-latency EWMA the indicator
// engine publishes, with a short deadline so a slow redis cannot stall
// the metrics broadcast.
func ReadIndicatorLatency(ctx context.Context, rdb *goredis.Client) (float64, bool) {
	if rdb == nil {
		return 0, false
	}
	cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	val, err := rdb.Get(cctx, indicatorLatencyKey).Result()
	if err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// TFLabel renders a timeframe in seconds as "30s", "5m" or "4h".
func TFLabel(tf int) string {
	switch {
	case tf < 60:
		return fmt.Sprintf("%ds", tf)
	case tf < 3600:
		return fmt.Sprintf("%dm", tf/60)
	}
	return fmt.Sprintf("%dh", tf/3600)
}
