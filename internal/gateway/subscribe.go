package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"ta-systemv1/internal/indicator"
	"ta-systemv1/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// ── WS control protocol ──

// SubscribeMsg is a client SUBSCRIBE request.
type SubscribeMsg struct {
	Type       string          `json:"type"`  // "SUBSCRIBE"
	ReqID      string          `json:"reqId"` // chosen by the client, echoed back
	Symbol     string          `json:"symbol"`
	TF         int             `json:"tf"` // seconds
	History    HistoryRequest  `json:"history"`
	Indicators []IndicatorSpec `json:"indicators"`
}

// HistoryRequest bounds the historical bars returned in the snapshot.
type HistoryRequest struct {
	Bars int `json:"bars"`
}

// IndicatorSpec names one indicator in a requested profile, e.g.
// {id:"ssma", source:"close", params:{length:21}}.
type IndicatorSpec struct {
	ID     string         `json:"id"`
	Source string         `json:"source"`
	Params map[string]int `json:"params"`
	TF     int            `json:"tf,omitempty"` // overrides the subscription TF
}

// UnsubscribeMsg is a client UNSUBSCRIBE request.
type UnsubscribeMsg struct {
	Type   string `json:"type"` // "UNSUBSCRIBE"
	ReqID  string `json:"reqId"`
	Symbol string `json:"symbol"`
	TF     int    `json:"tf"`
}

// SnapshotResponse carries history back to the client after SUBSCRIBE.
type SnapshotResponse struct {
	Type       string                        `json:"type"` // "SNAPSHOT"
	ReqID      string                        `json:"reqId"`
	Symbol     string                        `json:"symbol"`
	TF         int                           `json:"tf"`
	Bars       []SnapshotBar                 `json:"bars"`
	Indicators map[string][]SnapshotIndPoint `json:"indicators"`
}

// SnapshotBar is a single bar in the snapshot. Prices stay in micros,
// matching the live stream payloads.
type SnapshotBar struct {
	TS     string  `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
	Count  float64 `json:"count"`
}

// SnapshotIndPoint is one indicator value in the snapshot.
type SnapshotIndPoint struct {
	TS    string  `json:"ts"`
	Value float64 `json:"value"`
	Ready bool    `json:"ready"`
}

// ErrorResponse reports a rejected request back to the client.
type ErrorResponse struct {
	Type  string `json:"type"` // "ERROR"
	ReqID string `json:"reqId,omitempty"`
	Error string `json:"error"`
}

// ── Subscription state ──

// IndEntry is a resolved indicator identity. Name and TF together form
// the key, so the same indicator on two timeframes stays distinct.
type IndEntry struct {
	Name string
	TF   int
}

// Key renders the identity as "NAME:TF".
func (e IndEntry) Key() string { return e.Name + ":" + strconv.Itoa(e.TF) }

// ClientSubscription is one client's state for a (symbol, tf) pair.
type ClientSubscription struct {
	Symbol     string
	TF         int
	Indicators []IndicatorSpec
	IndEntries []IndEntry
}

// SubKey is the map key under which this subscription is stored.
func (s *ClientSubscription) SubKey() string { return s.Symbol + ":" + strconv.Itoa(s.TF) }

// ── Spec helpers ──

// specLength picks the period for a spec: explicit param, engine
// default for the type, then 14 as a last resort.
func specLength(spec IndicatorSpec) int {
	if length, ok := spec.Params["length"]; ok && length > 0 {
		return length
	}
	if d := indicator.DefaultPeriod(strings.ToUpper(spec.ID)); d > 0 {
		return d
	}
	return 14
}

// IndicatorSpecToName renders a spec as the engine's display name, so
// {id:"ssma", params:{length:21}} becomes "SSMA(21)".
func IndicatorSpecToName(spec IndicatorSpec) string {
	return strings.ToUpper(spec.ID) + "(" + strconv.Itoa(specLength(spec)) + ")"
}

// IndicatorSpecToConfig renders a spec in the engine's "TYPE:PERIOD"
// config shape.
func IndicatorSpecToConfig(spec IndicatorSpec) string {
	return strings.ToUpper(spec.ID) + ":" + strconv.Itoa(specLength(spec))
}

// indicatorNameToConfig maps a display name back to config format:
// "RSI(14)" → "RSI:14". Returns false for names in any other shape.
func indicatorNameToConfig(name string) (string, bool) {
	open := strings.IndexByte(name, '(')
	if open <= 0 || !strings.HasSuffix(name, ")") {
		return "", false
	}
	typ := name[:open]
	period := name[open+1 : len(name)-1]
	if period == "" {
		return "", false
	}
	if _, err := strconv.Atoi(period); err != nil {
		return "", false
	}
	return typ + ":" + period, true
}

// ResolveIndEntries turns each spec into its (name, tf) identity, with
// the subscription TF filling in when no per-indicator override is set.
func ResolveIndEntries(specs []IndicatorSpec, defaultTF int) []IndEntry {
	entries := make([]IndEntry, len(specs))
	for i, spec := range specs {
		entries[i] = IndEntry{Name: IndicatorSpecToName(spec), TF: defaultTF}
		if spec.TF > 0 {
			entries[i].TF = spec.TF
		}
	}
	return entries
}

// ── Redis history ──

// readStreamChrono fetches up to limit "data" payloads from the tail of
// a stream and returns them oldest-first.
func readStreamChrono(ctx context.Context, rdb *goredis.Client, key string, limit int) ([]string, error) {
	msgs, err := rdb.XRevRangeN(ctx, key, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	payloads := make([]string, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		if s, ok := msgs[i].Values["data"].(string); ok {
			payloads = append(payloads, s)
		}
	}
	return payloads, nil
}

// snapshotClamp rejects indicator points that would render badly next
// to the snapshot's bars: warmup values far outside the bar price band,
// and points outside the bars' time window.
type snapshotClamp struct {
	bandLo, bandHi float64
	tMin, tMax     time.Time
}

func clampFromBars(bars []SnapshotBar, tf int) snapshotClamp {
	var c snapshotClamp
	if len(bars) == 0 {
		return c
	}
	// Bars carry micros; indicator values are plain prices.
	c.bandLo = bars[0].Low / model.PriceMicros
	c.bandHi = bars[0].High / model.PriceMicros
	for _, b := range bars[1:] {
		if lo := b.Low / model.PriceMicros; lo < c.bandLo {
			c.bandLo = lo
		}
		if hi := b.High / model.PriceMicros; hi > c.bandHi {
			c.bandHi = hi
		}
	}
	margin := (c.bandHi - c.bandLo) * 0.10
	c.bandLo -= margin
	c.bandHi += margin

	// One extra bar of slack on either end of the time window.
	if t, err := time.Parse(time.RFC3339, bars[0].TS); err == nil {
		c.tMin = t.Add(-time.Duration(tf) * time.Second)
	}
	if t, err := time.Parse(time.RFC3339, bars[len(bars)-1].TS); err == nil {
		c.tMax = t.Add(time.Duration(tf) * time.Second)
	}
	log.Printf("[subscribe] snapshot clamp: price %.2f–%.2f, time %s–%s", c.bandLo, c.bandHi, c.tMin, c.tMax)
	return c
}

// keep reports whether a point survives clamping. Oscillators like RSI
// live on their own 0..100 scale, so the price band only applies to
// price-overlay indicators.
func (c snapshotClamp) keep(name string, p SnapshotIndPoint) bool {
	if c.bandHi > 0 && !strings.HasPrefix(name, "RSI") {
		if p.Value < c.bandLo || p.Value > c.bandHi {
			return false
		}
	}
	if !c.tMin.IsZero() && !c.tMax.IsZero() {
		if pt, err := time.Parse(time.RFC3339, p.TS); err == nil {
			if pt.Before(c.tMin) || pt.After(c.tMax) {
				return false
			}
		}
	}
	return true
}

// BuildSnapshotFromRedis assembles the SNAPSHOT response for a
// subscription from the bar and indicator streams in Redis.
func BuildSnapshotFromRedis(ctx context.Context, rdb *goredis.Client, sub *ClientSubscription, barLimit int) (*SnapshotResponse, error) {
	if barLimit <= 0 {
		barLimit = 500
	}
	if barLimit > 1000 {
		barLimit = 1000
	}

	snap := &SnapshotResponse{
		Type:       "SNAPSHOT",
		Symbol:     sub.Symbol,
		TF:         sub.TF,
		Bars:       make([]SnapshotBar, 0, barLimit),
		Indicators: make(map[string][]SnapshotIndPoint, len(sub.IndEntries)),
	}

	barStreamKey := fmt.Sprintf("bar:%ds:%s", sub.TF, sub.Symbol)
	payloads, err := readStreamChrono(ctx, rdb, barStreamKey, barLimit)
	if err != nil {
		// Empty bars are better than a failed subscribe.
		log.Printf("[subscribe] bar history read failed for %s: %v", barStreamKey, err)
	}
	for _, raw := range payloads {
		var b SnapshotBar
		if json.Unmarshal([]byte(raw), &b) == nil && b.TS != "" {
			snap.Bars = append(snap.Bars, b)
		}
	}

	clamp := clampFromBars(snap.Bars, sub.TF)

	for _, entry := range sub.IndEntries {
		// Keyed as "NAME:TF" so the frontend knows the computation TF.
		snapKey := entry.Key()
		indStreamKey := fmt.Sprintf("ind:%s:%ds:%s", entry.Name, entry.TF, sub.Symbol)
		indPayloads, err := readStreamChrono(ctx, rdb, indStreamKey, barLimit)
		if err != nil {
			log.Printf("[subscribe] indicator history read failed for %s: %v", indStreamKey, err)
			snap.Indicators[snapKey] = []SnapshotIndPoint{}
			continue
		}

		points := make([]SnapshotIndPoint, 0, len(indPayloads))
		for _, raw := range indPayloads {
			var p struct {
				Value float64 `json:"value"`
				TS    string  `json:"ts"`
				Ready bool    `json:"ready"`
			}
			if json.Unmarshal([]byte(raw), &p) != nil || !p.Ready || p.TS == "" {
				continue
			}
			pt := SnapshotIndPoint{TS: p.TS, Value: p.Value, Ready: p.Ready}
			if clamp.keep(entry.Name, pt) {
				points = append(points, pt)
			}
		}

		// Backfill recomputation can leave several entries per bar in the
		// stream and batch inserts may interleave timestamps, so keep the
		// last value per TS and restore chronological order.
		snap.Indicators[snapKey] = dedupLastPerTS(points)
	}

	return snap, nil
}

func dedupLastPerTS(points []SnapshotIndPoint) []SnapshotIndPoint {
	byTS := make(map[string]int, len(points))
	out := points[:0]
	for _, pt := range points {
		if idx, dup := byTS[pt.TS]; dup {
			out[idx] = pt
			continue
		}
		byTS[pt.TS] = len(out)
		out = append(out, pt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out
}

// SendJSON marshals v onto the client's send channel, dropping the
// message if the client is saturated.
func SendJSON(c *Client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[subscribe] could not marshal control message: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
		log.Println("[subscribe] client saturated, dropped control message")
	}
}

// SendError sends an ERROR response to the client.
func SendError(c *Client, reqID, errMsg string) {
	SendJSON(c, ErrorResponse{
		Type:  "ERROR",
		ReqID: reqID,
		Error: errMsg,
	})
}

// publishNewIndicators diffs the requested specs against what the
// engine already computes and, when anything is new, publishes the full
// config set on the config:indicators channel. Returns true when new
// indicators were requested.
func publishNewIndicators(ctx context.Context, rdb *goredis.Client, hub *Hub, newSpecs []IndicatorSpec) bool {
	known := make(map[string]bool)
	var allConfigs []string
	var addedNames []string

	hub.mu.RLock()
	existing := append([]string(nil), hub.Indicators...)
	hub.mu.RUnlock()

	// Hub.Indicators holds display names like "RSI(14)"; the reload
	// channel speaks "RSI:14".
	for _, name := range existing {
		if cfg, ok := indicatorNameToConfig(name); ok && !known[cfg] {
			known[cfg] = true
			allConfigs = append(allConfigs, cfg)
		}
	}

	for _, spec := range newSpecs {
		cfg := IndicatorSpecToConfig(spec)
		if known[cfg] {
			continue
		}
		known[cfg] = true
		allConfigs = append(allConfigs, cfg)
		addedNames = append(addedNames, IndicatorSpecToName(spec))
	}
	if len(addedNames) == 0 {
		return false
	}

	hub.mu.Lock()
	hub.Indicators = append(hub.Indicators, addedNames...)
	hub.mu.Unlock()

	payload := strings.Join(allConfigs, ",")
	log.Printf("[subscribe] pushing indicator config to engine: %s", payload)

	tctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Publish(tctx, "config:indicators", payload).Err(); err != nil {
		log.Printf("[subscribe] WARNING: config:indicators publish failed: %v", err)
	}
	return true
}

// waitForIndicators polls until every subscribed indicator stream has
// at least one entry or the timeout expires, giving the engine time to
// backfill after a dynamic reload.
func waitForIndicators(ctx context.Context, rdb *goredis.Client, sub *ClientSubscription, timeout time.Duration) {
	allPopulated := func() bool {
		for _, entry := range sub.IndEntries {
			key := fmt.Sprintf("ind:%s:%ds:%s", entry.Name, entry.TF, sub.Symbol)
			if n, err := rdb.XLen(ctx, key).Result(); err != nil || n == 0 {
				return false
			}
		}
		return true
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			log.Printf("[subscribe] gave up waiting for indicator streams")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if allPopulated() {
				log.Printf("[subscribe] all %d indicator streams populated", len(sub.IndEntries))
				return
			}
		}
	}
}
