// Package alert provides indicator-driven alert rules and delivery.
//
// Rules consume closed TF bars and indicator updates and emit Alerts.
// The Engine routes data to rules, journals fired alerts to SQLite for
// restart dedup, publishes them on Redis, and fans out to notifiers
// (log, webhook, Telegram).
package alert

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"ta-systemv1/internal/logger"
	"ta-systemv1/internal/model"
)

// Level represents the severity of an alert.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Alert represents a fired rule event.
type Alert struct {
	ID      string    `json:"id"` // uuid
	Rule    string    `json:"rule"`
	Level   Level     `json:"level"`
	Symbol  string    `json:"symbol"`
	Venue   string    `json:"venue"`
	TF      int       `json:"tf"`
	Value   float64   `json:"value"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	TS      time.Time `json:"ts"` // bar timestamp that triggered the rule
}

// DedupKey identifies an alert occurrence: same rule, instrument and bar
// timestamp never fire twice, including across restarts.
func (a *Alert) DedupKey() string {
	return a.Rule + "|" + a.Venue + ":" + a.Symbol + "|" + model.Itoa(a.TF) + "|" + a.TS.UTC().Format(time.RFC3339)
}

// JSON returns the JSON-encoded alert.
func (a *Alert) JSON() []byte {
	data, _ := json.Marshal(a)
	return data
}

// Notifier is the interface for all alert delivery backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, a Alert) error
}

// LogNotifier emits each delivered alert as a structured slog record.
type LogNotifier struct {
	l *slog.Logger
}

// NewLogNotifier creates a notifier writing to the process slog logger.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{l: slog.Default()}
}

func (n *LogNotifier) Send(ctx context.Context, a Alert) error {
	attrs := []any{
		slog.String("rule", a.Rule),
		slog.String("level", string(a.Level)),
		slog.String("symbol", a.Venue+":"+a.Symbol),
		slog.Int("tf", a.TF),
		slog.Float64("value", a.Value),
		slog.String("message", a.Message),
	}
	attrs = append(attrs, logger.LogWithTrace(ctx)...)
	n.l.Info("alert delivered", attrs...)
	return nil
}
