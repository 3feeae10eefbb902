package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"ta-systemv1/internal/indicator"
	"ta-systemv1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader is the read side of the SQLite store, used for indicator
// backfill and snapshot restore.
type Reader struct {
	db *sql.DB
}

// NewReader opens a read connection to the database.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// ReadTFBars loads TF bars for one venue:symbol after afterTS, oldest
// first so replay order is correct.
func (r *Reader) ReadTFBars(venue, symbol string, tf int, afterTS int64) ([]model.TFBar, error) {
	rows, err := r.db.Query(`
		SELECT symbol, venue, tf, ts, open, high, low, close, volume, count
		FROM bars_tf
		WHERE venue = ? AND symbol = ? AND tf = ? AND ts > ?
		ORDER BY ts ASC
	`, venue, symbol, tf, afterTS)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars_tf: %w", err)
	}
	defer rows.Close()

	return scanTFBars(rows)
}

// ReadAllTFBars loads every stored TF bar for a timeframe, oldest first.
func (r *Reader) ReadAllTFBars(tf int, afterTS int64) ([]model.TFBar, error) {
	rows, err := r.db.Query(`
		SELECT symbol, venue, tf, ts, open, high, low, close, volume, count
		FROM bars_tf
		WHERE tf = ? AND ts > ?
		ORDER BY ts ASC
	`, tf, afterTS)
	if err != nil {
		return nil, fmt.Errorf("sqlite query all bars_tf: %w", err)
	}
	defer rows.Close()

	return scanTFBars(rows)
}

func scanTFBars(rows *sql.Rows) ([]model.TFBar, error) {
	var bars []model.TFBar
	for rows.Next() {
		var b model.TFBar
		var tsUnix int64
		if err := rows.Scan(&b.Symbol, &b.Venue, &b.TF, &tsUnix, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Count); err != nil {
			return nil, fmt.Errorf("sqlite scan bars_tf: %w", err)
		}
		b.TS = time.Unix(tsUnix, 0).UTC()
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// ReadLatestSnapshotJSON fetches the newest snapshot row as raw JSON;
// nil, nil when the table is empty.
func (r *Reader) ReadLatestSnapshotJSON() ([]byte, error) {
	var data string
	err := r.db.QueryRow(`
		SELECT data FROM indicator_snapshots
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite read snapshot: %w", err)
	}
	return []byte(data), nil
}

// ReadLatestSnapshot decodes the newest stored engine snapshot.
func (r *Reader) ReadLatestSnapshot() (*indicator.EngineSnapshot, error) {
	data, err := r.ReadLatestSnapshotJSON()
	if err != nil || data == nil {
		return nil, err
	}

	var snap indicator.EngineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
