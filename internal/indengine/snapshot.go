package indengine

import (
	"context"
	"log"
	"strconv"
	"time"

	"ta-systemv1/internal/indicator"
)

// snapshotLoop checkpoints engine state on a fixed cadence so a restart can
// resume from warm indicator windows instead of replaying everything.
func (svc *Service) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(svc.cfg.SnapshotIntervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.checkpoint(ctx)
		}
	}
}

// checkpoint writes one engine snapshot to redis and, when configured, to
// sqlite. Either sink failing is logged and tolerated; the other copy (or
// the next tick) covers it.
func (svc *Service) checkpoint(ctx context.Context) {
	snap, err := indicator.SnapshotEngine(svc.engine, snapshotStreamMark())
	if err != nil {
		log.Printf("[indengine] snapshot error: %v", err)
		return
	}

	if err := svc.redisReader.WriteSnapshot(ctx, svc.cfg.SnapshotKey, snap); err != nil {
		log.Printf("[indengine] redis snapshot write error: %v", err)
	}
	if svc.sqlWriter != nil {
		if err := svc.sqlWriter.SaveSnapshot(snap); err != nil {
			log.Printf("[indengine] sqlite snapshot write error: %v", err)
		}
	}

	log.Printf("[indengine] ✅ checkpoint saved (%d symbols)", len(snap.Symbols))
}

// snapshotStreamMark is a time-based stream ID recorded with each snapshot;
// the warm-start path replays only entries newer than it.
func snapshotStreamMark() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-0"
}
