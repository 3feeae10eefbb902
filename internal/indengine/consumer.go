package indengine

import (
	"context"
	"fmt"
	"log"
	"time"

	"ta-systemv1/internal/model"
	redisstore "ta-systemv1/internal/store/redis"
)

// startConsumer runs the XREADGROUP consumer in the background; bars land
// on svc.tfBarCh.
func (svc *Service) startConsumer(ctx context.Context) {
	if len(svc.streams) == 0 {
		return
	}
	go func() {
		if err := svc.redisReader.ConsumeTFBars(ctx, svc.streams, svc.tfBarCh); err != nil {
			log.Printf("[indengine] consumer error: %v", err)
		}
	}()
}

// startPELReclaimer sweeps the streams for entries stuck with dead
// consumers and reprocesses them here.
func (svc *Service) startPELReclaimer(ctx context.Context) {
	if len(svc.streams) == 0 {
		return
	}
	go svc.redisReader.StartPELReclaimer(ctx, svc.streams,
		svc.cfg.ConsumerGroup, svc.cfg.ConsumerName,
		time.Duration(svc.cfg.PELIntervalS)*time.Second,
		svc.cfg.PELMinIdleMs, svc.tfBarCh,
		func(count int) {
			svc.prom.PELMessagesReclaimed.Add(float64(count))
			log.Printf("[indengine] reclaimed %d stale PEL messages", count)
		})
	log.Printf("[indengine] PEL reclaimer started (interval=%ds, minIdle=%dms)",
		svc.cfg.PELIntervalS, svc.cfg.PELMinIdleMs)
}

// latencyMeter smooths per-bar compute time with an EWMA and publishes it
// to redis at most every publishEvery, where the gateway's metrics
// broadcast picks it up.
type latencyMeter struct {
	ewmaMs        float64
	lastPublished time.Time
}

const (
	latencyMeterKey   = "metrics:indengine:indicator_compute_ms"
	latencyMeterTTL   = 30 * time.Second
	latencyMeterAlpha = 0.2
	publishEvery      = 2 * time.Second
)

func (lm *latencyMeter) observe(ctx context.Context, w *redisstore.Writer, elapsed time.Duration) {
	ms := float64(elapsed.Microseconds()) / 1000.0
	if lm.ewmaMs == 0 {
		lm.ewmaMs = ms
	} else {
		lm.ewmaMs = lm.ewmaMs*(1-latencyMeterAlpha) + ms*latencyMeterAlpha
	}

	if time.Since(lm.lastPublished) < publishEvery {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	if cctx.Err() == nil {
		_ = w.Client().Set(cctx, latencyMeterKey, fmt.Sprintf("%.3f", lm.ewmaMs), latencyMeterTTL).Err()
	}
	cancel()
	lm.lastPublished = time.Now()
}

// processLoop steps the engine over incoming TF bars: Process for closed
// bars, ProcessPeek for forming ones. Reload requests are applied here so
// nothing else ever touches the lock-free engine.
func (svc *Service) processLoop(ctx context.Context) {
	var meter latencyMeter

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-svc.reloadCh:
			svc.applyReload(ctx, req)
		case tfb, ok := <-svc.tfBarCh:
			if !ok {
				return
			}

			start := time.Now()
			var updates []model.IndicatorUpdate
			if tfb.Forming {
				updates = svc.engine.ProcessPeek(tfb)
			} else {
				updates = svc.engine.Process(tfb)
			}
			elapsed := time.Since(start)

			svc.prom.IndicatorComputeDur.Observe(elapsed.Seconds())
			meter.observe(ctx, svc.redisWriter, elapsed)

			if len(updates) > 0 {
				svc.prom.IndicatorsTotal.Add(float64(len(updates)))
				// one pipeline per bar regardless of indicator count
				svc.redisWriter.WriteUpdateBatch(ctx, updates)
			}

			// Forming events never reach the rules; backfill and delta
			// replay bypass this loop, so restarts do not refire stale
			// alerts beyond what the journal already dedups.
			svc.feedAlerts(tfb, updates)
		}
	}
}
