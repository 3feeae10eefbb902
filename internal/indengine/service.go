package indengine

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"ta-systemv1/internal/alert"
	"ta-systemv1/internal/indicator"
	"ta-systemv1/internal/metrics"
	"ta-systemv1/internal/model"
	redisstore "ta-systemv1/internal/store/redis"
	sqlitestore "ta-systemv1/internal/store/sqlite"
)

// Service owns the indicator engine process: it wires storage, the
// stream consumer and the alert pipeline, and runs their goroutines.
type Service struct {
	cfg Config

	engine      *indicator.Engine
	redisReader *redisstore.Reader
	redisWriter *redisstore.Writer
	sqlReader   *sqlitestore.Reader
	sqlWriter   *sqlitestore.Writer
	prom        *metrics.Metrics

	streams []string
	tfBarCh chan model.TFBar

	// Config reloads are applied on the processLoop goroutine; the engine
	// itself is single-goroutine and lock-free.
	reloadCh chan reloadRequest

	// Stream ID of the restored snapshot; empty on cold start.
	restoredStreamID string

	alerts        *alert.Engine
	alertJournal  *alert.Journal
	alertBarCh    chan model.TFBar
	alertUpdateCh chan model.IndicatorUpdate
}

// New connects the Redis and SQLite stores and returns a Service ready
// to Run. Redis is mandatory; SQLite failures degrade to warnings since
// the engine can rebuild state from the streams alone.
func New(cfg Config) (*Service, error) {
	svc := &Service{
		cfg:      cfg,
		prom:     metrics.NewMetrics(),
		tfBarCh:  make(chan model.TFBar, 5000),
		reloadCh: make(chan reloadRequest),
	}

	var err error
	svc.redisReader, err = redisstore.NewReader(redisstore.ReaderConfig{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		ConsumerGroup: cfg.ConsumerGroup,
		ConsumerName:  cfg.ConsumerName,
	})
	if err != nil {
		return nil, err
	}
	svc.redisWriter, err = redisstore.New(redisstore.WriterConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		svc.redisReader.Close()
		return nil, err
	}

	if svc.sqlReader, err = sqlitestore.NewReader(cfg.SQLitePath); err != nil {
		log.Printf("[indengine] WARNING: sqlite reader unavailable: %v (historical backfill disabled)", err)
	}
	os.MkdirAll("data", 0o755)
	if svc.sqlWriter, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath}); err != nil {
		log.Printf("[indengine] WARNING: sqlite writer unavailable: %v", err)
	}

	svc.setupAlerts()

	return svc, nil
}

// Run restores state, catches up from the streams and starts every
// subsystem, then blocks until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	cfg := svc.cfg
	log.Println("[indengine] bringing up indicator engine...")

	if err := svc.restoreEngine(ctx); err != nil {
		return err
	}

	svc.streams = svc.buildStreams(ctx)
	log.Printf("[indengine] %d bar streams to consume: %v", len(svc.streams), svc.streams)

	// Cold start steps through the full retained streams; a warm start
	// only replays the delta past the snapshot position.
	if svc.restoredStreamID != "" {
		svc.replayDelta(ctx)
	} else {
		svc.backfillFromRedis(ctx)
	}

	if len(svc.streams) > 0 {
		if err := svc.redisReader.EnsureConsumerGroup(ctx, svc.streams); err != nil {
			log.Printf("[indengine] WARNING: consumer group setup failed: %v", err)
		}
		if err := svc.redisReader.RecoverPending(ctx, svc.streams, svc.tfBarCh); err != nil {
			log.Printf("[indengine] PEL recovery: %v", err)
		}
	}

	svc.startPELReclaimer(ctx)
	svc.startAlerts(ctx)
	go svc.processLoop(ctx)
	svc.startConsumer(ctx)
	go svc.peekLoop(ctx)
	go svc.snapshotLoop(ctx)
	svc.startHTTP(ctx)
	svc.startConfigSubscriber(ctx)

	log.Println("[indengine] ╔════════════════════════════════════════════════════════╗")
	log.Println("[indengine] ║  Indicator Engine Active                               ║")
	log.Println("[indengine] ║  [Redis Streams] → [Indicators] → [Redis Publish]      ║")
	log.Printf("[indengine] ║  snapshot every %ds · TFs %v", cfg.SnapshotIntervalS, cfg.EnabledTFs)
	log.Println("[indengine] ╚════════════════════════════════════════════════════════╝")
	log.Println("[indengine] ✅ indicator engine running. Ctrl+C to stop.")

	<-ctx.Done()

	svc.shutdown()
	return nil
}

// shutdown takes a last snapshot and tears down connections.
func (svc *Service) shutdown() {
	log.Println("[indengine] shutting down, writing final snapshot...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutCancel()

	if finalSnap, err := indicator.SnapshotEngine(svc.engine, snapshotStreamMark()); err == nil {
		if svc.redisReader != nil {
			svc.redisReader.WriteSnapshot(shutCtx, svc.cfg.SnapshotKey, finalSnap)
		}
		if svc.sqlWriter != nil {
			svc.sqlWriter.SaveSnapshot(finalSnap)
		}
		log.Println("[indengine] final snapshot persisted")
	}

	if svc.sqlReader != nil {
		svc.sqlReader.Close()
	}
	if svc.sqlWriter != nil {
		svc.sqlWriter.Close()
	}
	if svc.alertJournal != nil {
		svc.alertJournal.Close()
	}
	svc.redisWriter.Close()
	svc.redisReader.Close()

	log.Println("[indengine] stopped.")
}

// restoreEngine rebuilds the engine from the newest available snapshot,
// preferring Redis over SQLite. On a cold start (no snapshot) it warms
// the indicators from SQLite history instead.
func (svc *Service) restoreEngine(ctx context.Context) error {
	restorer := indicator.NewRestorer(svc.cfg.IndicatorConfigs)

	snap, err := svc.redisReader.ReadSnapshot(ctx, svc.cfg.SnapshotKey)
	if err != nil {
		log.Printf("[indengine] snapshot read from redis failed: %v", err)
	}
	if snap == nil && svc.sqlReader != nil {
		if snap, err = svc.sqlReader.ReadLatestSnapshot(); err != nil {
			log.Printf("[indengine] snapshot read from sqlite failed: %v", err)
		}
	}

	if svc.engine, err = restorer.RestoreFromSnap(snap); err != nil {
		return err
	}
	if snap != nil {
		svc.restoredStreamID = snap.StreamID
	}

	if svc.sqlReader != nil && svc.restoredStreamID == "" {
		n := restorer.BackfillFromSQLite(svc.engine, svc.sqlReader, func(updates []model.IndicatorUpdate) {
			svc.redisWriter.WriteUpdateBatch(ctx, updates)
		})
		if n > 0 {
			log.Printf("[indengine] warmed indicators from %d sqlite bars (updates written to Redis)", n)
		}
	}

	return nil
}

// buildStreams returns the bar stream names to consume: explicit
// symbol keys from config when given, SCAN-discovered ones otherwise.
func (svc *Service) buildStreams(ctx context.Context) []string {
	var streams []string
	for _, tf := range svc.cfg.EnabledTFs {
		if len(svc.cfg.SubscribeSymbolKeys) == 0 {
			streams = append(streams, svc.redisReader.DiscoverTFStreams(ctx, []int{tf}, nil)...)
			continue
		}
		for _, sk := range svc.cfg.SubscribeSymbolKeys {
			streams = append(streams, "bar:"+strconv.Itoa(tf)+"s:"+sk)
		}
	}
	return streams
}

// replayStreams pushes every closed bar past fromID through the engine and
// writes the produced updates. Returns the number of bars stepped. Forming
// bars in the streams are skipped; only closed bars may mutate state.
func (svc *Service) replayStreams(ctx context.Context, fromID string) int {
	ch := make(chan model.TFBar, 5000)
	go func() {
		defer close(ch)
		for _, stream := range svc.streams {
			if _, err := svc.redisReader.ReplayFromID(ctx, stream, fromID, ch); err != nil {
				log.Printf("[indengine] replay error on %s: %v", stream, err)
			}
		}
	}()

	n := 0
	for tfb := range ch {
		if tfb.Forming {
			continue
		}
		if updates := svc.engine.Process(tfb); len(updates) > 0 {
			svc.redisWriter.WriteUpdateBatch(ctx, updates)
		}
		n++
	}
	return n
}

// backfillFromRedis runs a cold start off the full retained streams.
func (svc *Service) backfillFromRedis(ctx context.Context) {
	if n := svc.replayStreams(ctx, "0"); n > 0 {
		log.Printf("[indengine] ✅ backfilled %d bars from Redis streams (indicator updates written)", n)
	} else {
		log.Println("[indengine] no bars in Redis streams to backfill from")
	}
}

// replayDelta catches a warm start up from the snapshot's stream position.
func (svc *Service) replayDelta(ctx context.Context) {
	if svc.restoredStreamID == "" {
		return
	}
	log.Printf("[indengine] replaying delta from stream ID: %s", svc.restoredStreamID)
	n := svc.replayStreams(ctx, svc.restoredStreamID)
	log.Printf("[indengine] ✅ replayed %d delta bars (updates written to Redis)", n)
}
