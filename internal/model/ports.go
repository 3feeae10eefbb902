package model

import (
	"context"
)

// ── Storage Port Interfaces ──
// These interfaces decouple business logic from concrete storage implementations
// (Redis, SQLite). Each implementation satisfies one or more of these interfaces.

// BarWriter writes raw 1s bars and TF bars.
type BarWriter interface {
	// Run reads bars from barCh and writes them.
	// Blocks until ctx is cancelled or barCh is closed.
	Run(ctx context.Context, barCh <-chan Bar)

	// RunTFBars reads TF bars from a channel and writes them.
	// Blocks until ctx is cancelled or channel is closed.
	RunTFBars(ctx context.Context, tfBarCh <-chan TFBar)

	// Close releases underlying resources.
	Close() error
}

// BarReader reads TF bars for backfill and replay.
type BarReader interface {
	// ReadTFBars reads bars for a specific instrument and TF.
	ReadTFBars(venue, symbol string, tf int, afterTS int64) ([]TFBar, error)

	// ReadAllTFBars reads all TF bars for a given timeframe.
	ReadAllTFBars(tf int, afterTS int64) ([]TFBar, error)

	// Close releases underlying resources.
	Close() error
}

// UpdateWriter writes indicator updates.
type UpdateWriter interface {
	// WriteUpdateBatch writes multiple indicator updates in a single batch.
	WriteUpdateBatch(ctx context.Context, updates []IndicatorUpdate)

	// Close releases underlying resources.
	Close() error
}
