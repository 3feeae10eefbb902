package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"ta-systemv1/internal/indicator"
	"ta-systemv1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/bars.db"
}

// Writer batches bar inserts into transactions on a single goroutine.
type Writer struct {
	db *sql.DB

	// OnCommit fires after each successful batch commit with its
	// latency and row count (for metrics).
	OnCommit func(d time.Duration, n int)
}

// DB exposes the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New opens the database in WAL mode and applies the schema. The pool
// is pinned to one connection since SQLite allows a single writer.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars_1s (
			symbol       TEXT    NOT NULL,
			venue        TEXT    NOT NULL,
			ts           INTEGER NOT NULL,
			open         INTEGER NOT NULL,
			high         INTEGER NOT NULL,
			low          INTEGER NOT NULL,
			close        INTEGER NOT NULL,
			volume       INTEGER,
			trades_count INTEGER,
			PRIMARY KEY (venue, symbol, ts)
		);

		CREATE TABLE IF NOT EXISTS bars_tf (
			symbol     TEXT    NOT NULL,
			venue      TEXT    NOT NULL,
			tf         INTEGER NOT NULL,
			ts         INTEGER NOT NULL,
			open       INTEGER NOT NULL,
			high       INTEGER NOT NULL,
			low        INTEGER NOT NULL,
			close      INTEGER NOT NULL,
			volume     INTEGER,
			count      INTEGER,
			PRIMARY KEY (venue, symbol, tf, ts)
		);

		CREATE TABLE IF NOT EXISTS indicator_snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);
	`)
	return err
}

// batchDrain collects items from ch and commits them whenever the batch
// fills or flushDelay elapses, whichever comes first. keep filters
// items before they enter the batch. Pending rows are flushed on exit.
func batchDrain[T any](ctx context.Context, ch <-chan T, keep func(T) bool,
	commit func([]T) error, onCommit func(time.Duration, int), label string) {

	batch := make([]T, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := commit(batch); err != nil {
			log.Printf("[sqlite] %s batch insert error: %v", label, err)
		} else {
			d := time.Since(start)
			log.Printf("[sqlite] committed %d %s rows in %v", len(batch), label, d)
			if onCommit != nil {
				onCommit(d, len(batch))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case item, ok := <-ch:
			if !ok {
				flush()
				return
			}
			if keep != nil && !keep(item) {
				continue
			}
			batch = append(batch, item)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// Run persists 1s bars from barCh until ctx is cancelled or the channel
// closes.
func (w *Writer) Run(ctx context.Context, barCh <-chan model.Bar) {
	batchDrain(ctx, barCh, nil, w.insertBatch, w.OnCommit, "bars_1s")
}

// RunTFBars persists closed TF bars. Forming snapshots never reach the
// database; only finalized buckets are durable.
func (w *Writer) RunTFBars(ctx context.Context, tfBarCh <-chan model.TFBar) {
	batchDrain(ctx, tfBarCh, func(tfb model.TFBar) bool { return !tfb.Forming },
		w.insertTFBatch, w.OnCommit, "bars_tf")
}

func (w *Writer) insertBatch(bars []model.Bar) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO bars_1s (symbol, venue, ts, open, high, low, close, volume, trades_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.Exec(b.Symbol, b.Venue, b.TS.Unix(), b.Open, b.High, b.Low, b.Close, b.Volume, b.TradesCount); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (w *Writer) insertTFBatch(bars []model.TFBar) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO bars_tf (symbol, venue, tf, ts, open, high, low, close, volume, count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.Exec(b.Symbol, b.Venue, b.TF, b.TS.Unix(), b.Open, b.High, b.Low, b.Close, b.Volume, b.Count); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// GetLastTimestamp reports the newest stored 1s bar timestamp for an
// instrument, 0 when none exist.
func (w *Writer) GetLastTimestamp(venue, symbol string) (int64, error) {
	var ts sql.NullInt64
	err := w.db.QueryRow(
		`SELECT MAX(ts) FROM bars_1s WHERE venue = ? AND symbol = ?`,
		venue, symbol,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// SaveSnapshotJSON stores a JSON-encoded engine snapshot, pruning to
// the 10 most recent rows.
func (w *Writer) SaveSnapshotJSON(data []byte) error {
	if _, err := w.db.Exec(`INSERT INTO indicator_snapshots (data) VALUES (?)`, string(data)); err != nil {
		return fmt.Errorf("sqlite insert snapshot: %w", err)
	}
	if _, err := w.db.Exec(`DELETE FROM indicator_snapshots WHERE id NOT IN (SELECT id FROM indicator_snapshots ORDER BY created_at DESC, id DESC LIMIT 10)`); err != nil {
		log.Printf("[sqlite] snapshot prune warning: %v", err)
	}
	return nil
}

// SaveSnapshot marshals and stores an indicator engine snapshot.
func (w *Writer) SaveSnapshot(snap *indicator.EngineSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return w.SaveSnapshotJSON(data)
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
