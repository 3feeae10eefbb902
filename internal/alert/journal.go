package alert

import (
	"database/sql"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Journal persists fired alerts to SQLite for audit and restart dedup.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// NewJournal opens (or creates) a SQLite alert journal database.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS alerts (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_id    TEXT NOT NULL,
		dedup_key   TEXT NOT NULL UNIQUE,
		rule        TEXT NOT NULL,
		level       TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		venue       TEXT NOT NULL,
		tf          INTEGER NOT NULL,
		value       REAL NOT NULL,
		title       TEXT,
		message     TEXT,
		fired_at    DATETIME NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_rule ON alerts(rule);
	CREATE INDEX IF NOT EXISTS idx_alerts_symbol ON alerts(symbol, venue);
	CREATE INDEX IF NOT EXISTS idx_alerts_fired_at ON alerts(fired_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[alert-journal] opened alert journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// RecordAlert persists an alert. Returns inserted=false when the dedup
// key already exists, either from this run or a previous one.
func (j *Journal) RecordAlert(a Alert) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	res, err := j.db.Exec(
		`INSERT OR IGNORE INTO alerts (alert_id, dedup_key, rule, level, symbol, venue, tf, value, title, message, fired_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.DedupKey(),
		a.Rule,
		string(a.Level),
		a.Symbol,
		a.Venue,
		a.TF,
		a.Value,
		a.Title,
		a.Message,
		a.TS.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AlertRecord represents a row from the alerts table.
type AlertRecord struct {
	ID      int64   `json:"id"`
	AlertID string  `json:"alert_id"`
	Rule    string  `json:"rule"`
	Level   string  `json:"level"`
	Symbol  string  `json:"symbol"`
	Venue   string  `json:"venue"`
	TF      int     `json:"tf"`
	Value   float64 `json:"value"`
	Title   string  `json:"title"`
	Message string  `json:"message"`
	FiredAt string  `json:"fired_at"`
}

// GetAlerts returns the last N alerts, newest first.
func (j *Journal) GetAlerts(limit int) ([]AlertRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT id, alert_id, rule, level, symbol, venue, tf, value, title, message, fired_at
		 FROM alerts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []AlertRecord
	for rows.Next() {
		var a AlertRecord
		if err := rows.Scan(&a.ID, &a.AlertID, &a.Rule, &a.Level, &a.Symbol,
			&a.Venue, &a.TF, &a.Value, &a.Title, &a.Message, &a.FiredAt); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
