package gateway

import (
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-TOTP-Code")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// requireTOTP validates the X-TOTP-Code header against the shared secret.
// Passes everything when no secret is configured.
func requireTOTP(w http.ResponseWriter, r *http.Request, secret string) bool {
	if secret == "" {
		return true
	}
	if totp.Validate(r.Header.Get("X-TOTP-Code"), secret) {
		return true
	}
	http.Error(w, `{"error":"invalid or missing TOTP code"}`, http.StatusUnauthorized)
	return false
}

// queryLimit parses a ?limit= value, clamped to (0, max]; def when absent.
func queryLimit(q url.Values, def, max int) int {
	if s := q.Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= max {
			return l
		}
	}
	return def
}

// queryTF parses a ?tf= value in seconds, defaulting to 60.
func queryTF(q url.Values) int {
	if tf, _ := strconv.Atoi(q.Get("tf")); tf > 0 {
		return tf
	}
	return 60
}

// streamBoundBefore turns a ?before= RFC3339 timestamp into an exclusive
// XREVRANGE upper bound; "+" when absent or unparseable.
func streamBoundBefore(beforeStr string) string {
	if beforeStr == "" {
		return "+"
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, beforeStr); err == nil {
			return fmt.Sprintf("%d-0", t.UnixMilli()-1)
		}
	}
	return "+"
}

// RegisterRoutes mounts the WS endpoint and the REST/ops surface on mux.
func RegisterRoutes(mux *http.ServeMux, hub *Hub, rdb *goredis.Client, tfs []int, symbolKeys, indicators []string, totpSecret string, processStart time.Time) {
	limiter := newIPLimiter(10, 20)

	if totpSecret == "" {
		log.Println("[api_gateway] WARNING: ADMIN_TOTP_SECRET not set, POST /api/indicators/active is unauthenticated")
	}

	mux.HandleFunc("/ws", limiter.Middleware(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[api_gateway] ws upgrade error: %v", err)
			return
		}
		hub.HandleWSRequest(conn, r.URL.Query().Get("last_ts"))
	}))

	mux.HandleFunc("/api/indicators/latest", limiter.Middleware(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, hub.GetLatestAll())
	}))

	mux.HandleFunc("/api/tfs", limiter.Middleware(func(w http.ResponseWriter, r *http.Request) {
		tfList := make([]TFInfo, len(tfs))
		for i, tf := range tfs {
			tfList[i] = TFInfo{Seconds: tf, Label: TFLabel(tf)}
		}
		writeJSON(w, tfList)
	}))

	mux.HandleFunc("/api/config", limiter.Middleware(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"tfs":        tfs,
			"symbols":    symbolKeys,
			"indicators": indicators,
		})
	}))

	mux.HandleFunc("/api/indicators/active", limiter.Middleware(func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case "OPTIONS":
			w.WriteHeader(http.StatusOK)
		case "POST":
			handleActiveConfigPost(w, r, hub, rdb, totpSecret)
		default:
			json.NewEncoder(w).Encode(hub.GetActiveConfig())
		}
	}))

	mux.HandleFunc("/api/metrics", limiter.Middleware(func(w http.ResponseWriter, r *http.Request) {
		m := CollectMetrics(processStart)
		m.Clients = hub.ClientCount()
		if v, ok := ReadIndicatorLatency(r.Context(), rdb); ok {
			m.IndicatorMs = v
		}
		if hub.Latency != nil {
			m.LatencyP50, m.LatencyP95, m.LatencyP99 = hub.Latency.Percentiles()
			m.LatencyAvg = hub.Latency.Average()
		}
		writeJSON(w, m)
	}))

	mux.HandleFunc("/api/bars", limiter.Middleware(func(w http.ResponseWriter, r *http.Request) {
		handleBarHistory(w, r, rdb, symbolKeys)
	}))

	mux.HandleFunc("/api/indicators/history", limiter.Middleware(func(w http.ResponseWriter, r *http.Request) {
		handleIndicatorHistory(w, r, rdb, symbolKeys)
	}))

	mux.HandleFunc("/api/missed", limiter.Middleware(func(w http.ResponseWriter, r *http.Request) {
		handleMissed(w, r, hub)
	}))

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"status":     "ok",
			"redis":      rdb.Ping(r.Context()).Err() == nil,
			"ws_clients": hub.ClientCount(),
			"uptime_sec": int64(time.Since(processStart).Seconds()),
			"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}

// handleActiveConfigPost stores the posted chart config and forwards
// its unique indicator specs to the engine over config:indicators.
func handleActiveConfigPost(w http.ResponseWriter, r *http.Request, hub *Hub, rdb *goredis.Client, totpSecret string) {
	if !requireTOTP(w, r, totpSecret) {
		return
	}
	var req ActiveConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	hub.SetActiveConfig(req)
	log.Printf("[api_gateway] active config replaced: %d entries", len(req.Entries))

	seen := make(map[string]bool)
	var specs []string
	for _, entry := range req.Entries {
		if spec, ok := indicatorNameToConfig(entry.Name); ok && !seen[spec] {
			seen[spec] = true
			specs = append(specs, spec)
		}
	}
	if len(specs) > 0 {
		payload := strings.Join(specs, ",")
		if err := rdb.Publish(r.Context(), "config:indicators", payload).Err(); err != nil {
			log.Printf("[api_gateway] WARNING: config:indicators publish failed: %v", err)
		} else {
			log.Printf("[api_gateway] forwarded indicator config to engine: %s", payload)
		}
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleBarHistory serves historical bars straight off the Redis stream.
func handleBarHistory(w http.ResponseWriter, r *http.Request, rdb *goredis.Client, symbolKeys []string) {
	q := r.URL.Query()
	tfVal := queryTF(q)
	limit := queryLimit(q, 200, 1000)
	symbol := q.Get("symbol")
	if symbol == "" && len(symbolKeys) > 0 {
		symbol = symbolKeys[0]
	}

	streamKey := fmt.Sprintf("bar:%ds:%s", tfVal, symbol)
	msgs, err := rdb.XRevRangeN(r.Context(), streamKey, streamBoundBefore(q.Get("before")), "-", int64(limit)).Result()
	if err != nil {
		writeJSON(w, []interface{}{})
		return
	}

	bars := make([]BarOut, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- { // oldest first
		dataStr, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var b BarOut
		if json.Unmarshal([]byte(dataStr), &b) != nil || b.TS == "" {
			continue
		}
		b.TF = tfVal
		bars = append(bars, b)
	}
	writeJSON(w, bars)
}

// handleIndicatorHistory serves historical indicator points for one
// (name, tf, symbol) stream.
func handleIndicatorHistory(w http.ResponseWriter, r *http.Request, rdb *goredis.Client, symbolKeys []string) {
	q := r.URL.Query()
	name := q.Get("name")
	if name == "" || q.Get("tf") == "" {
		writeJSON(w, []interface{}{})
		return
	}
	tfVal := queryTF(q)
	limit := queryLimit(q, 300, 1000)
	symbol := q.Get("symbol")
	if symbol == "" && len(symbolKeys) > 0 {
		symbol = symbolKeys[0]
	}

	streamKey := fmt.Sprintf("ind:%s:%ds:%s", name, tfVal, symbol)
	msgs, err := rdb.XRevRangeN(r.Context(), streamKey, streamBoundBefore(q.Get("before")), "-", int64(limit)).Result()
	if err != nil {
		writeJSON(w, []interface{}{})
		return
	}

	points := make([]IndPoint, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- { // oldest first
		dataStr, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var p IndPoint
		if json.Unmarshal([]byte(dataStr), &p) == nil && p.Ready && p.TS != "" {
			points = append(points, p)
		}
	}
	writeJSON(w, points)
}

// handleMissed replays buffered WS envelopes so a reconnecting client
// can fill a sequence gap without a full snapshot.
func handleMissed(w http.ResponseWriter, r *http.Request, hub *Hub) {
	q := r.URL.Query()
	channel := q.Get("channel")
	fromStr := q.Get("from")
	if channel == "" || fromStr == "" {
		http.Error(w, `{"error":"channel and from are required"}`, http.StatusBadRequest)
		return
	}
	fromSeq, err := strconv.ParseInt(fromStr, 10, 64)
	if err != nil {
		http.Error(w, `{"error":"invalid from"}`, http.StatusBadRequest)
		return
	}
	toSeq := hub.GetChannelSeq(channel)
	if toStr := q.Get("to"); toStr != "" {
		if v, err := strconv.ParseInt(toStr, 10, 64); err == nil {
			toSeq = v
		}
	}

	envelopes := hub.GetReplayRange(channel, fromSeq, toSeq)
	messages := make([]json.RawMessage, len(envelopes))
	for i, e := range envelopes {
		messages[i] = json.RawMessage(e)
	}

	resp := map[string]interface{}{
		"channel":  channel,
		"from":     fromSeq,
		"to":       toSeq,
		"count":    len(messages),
		"messages": messages,
	}
	// A range predating the buffer means the gap fill is incomplete; the
	// client should fall back to /api/bars.
	if lo, _, ok := hub.GetReplayBounds(channel); ok && fromSeq < lo {
		resp["oldest_available"] = lo
		resp["truncated"] = true
	}
	writeJSON(w, resp)
}

// AccessLog wraps a handler with structured request records. Probe paths
// (/health, /metrics) log at debug so scrapes do not flood the output.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		lvl := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			lvl = slog.LevelDebug
		}
		slog.Default().Log(r.Context(), lvl, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Duration("took", time.Since(start)),
		)
	})
}
