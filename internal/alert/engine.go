package alert

import (
	"context"
	"log"
	"time"

	"ta-systemv1/internal/logger"
	"ta-systemv1/internal/metrics"
	"ta-systemv1/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// alertsChannel is the Redis PubSub channel fired alerts are published on.
const alertsChannel = "pub:alerts"

// Engine routes bars and indicator updates to registered rules and
// delivers fired alerts: journal first (which also deduplicates), then
// Redis publish and notifier fan-out.
type Engine struct {
	rules     []Rule
	notifiers []Notifier
	journal   *Journal
	rdb       *goredis.Client
	prom      *metrics.Metrics
}

// NewEngine creates an alert engine. journal, rdb and prom may each be
// nil; the corresponding delivery step is skipped.
func NewEngine(journal *Journal, rdb *goredis.Client, prom *metrics.Metrics) *Engine {
	return &Engine{
		journal: journal,
		rdb:     rdb,
		prom:    prom,
	}
}

// Register adds a rule to the engine.
func (e *Engine) Register(r Rule) {
	e.rules = append(e.rules, r)
	log.Printf("[alert] registered rule %s", r.Name())
}

// AddNotifier adds a delivery backend.
func (e *Engine) AddNotifier(n Notifier) {
	e.notifiers = append(e.notifiers, n)
}

// Run consumes bars and indicator updates until ctx is cancelled or both
// channels are closed.
func (e *Engine) Run(ctx context.Context, barCh <-chan model.TFBar, updateCh <-chan model.IndicatorUpdate) {
	for barCh != nil || updateCh != nil {
		select {
		case <-ctx.Done():
			return
		case tfb, ok := <-barCh:
			if !ok {
				barCh = nil
				continue
			}
			if tfb.Forming {
				continue
			}
			for _, r := range e.rules {
				if a := r.OnBar(tfb); a != nil {
					e.fire(ctx, *a)
				}
			}
		case u, ok := <-updateCh:
			if !ok {
				updateCh = nil
				continue
			}
			for _, r := range e.rules {
				if a := r.OnIndicator(u); a != nil {
					e.fire(ctx, *a)
				}
			}
		}
	}
}

// fire delivers a single alert. The journal insert doubles as the dedup
// gate: a key that was already recorded (this run or a previous one)
// stops delivery.
func (e *Engine) fire(ctx context.Context, a Alert) {
	if e.journal != nil {
		inserted, err := e.journal.RecordAlert(a)
		if err != nil {
			log.Printf("[alert] journal write error: %v", err)
		} else if !inserted {
			return // duplicate
		}
	}

	if e.prom != nil {
		e.prom.AlertsFired.WithLabelValues(a.Rule).Inc()
	}

	log.Printf("[alert] 🔔 %s fired for %s:%s tf=%d: %s", a.Rule, a.Venue, a.Symbol, a.TF, a.Title)

	// One trace ID per occurrence, shared by every delivery record.
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(a.Venue+":"+a.Symbol, a.TS))

	if e.rdb != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := e.rdb.Publish(pctx, alertsChannel, a.JSON()).Err(); err != nil {
			log.Printf("[alert] WARNING: publish to %s failed: %v", alertsChannel, err)
		}
		cancel()
	}

	for _, n := range e.notifiers {
		nctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := n.Send(nctx, a); err != nil {
			if e.prom != nil {
				e.prom.AlertNotifyErrors.Inc()
			}
			log.Printf("[alert] notifier error: %v", err)
		}
		cancel()
	}
}
