package alert

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ta-systemv1/internal/model"
)

// collectNotifier records every alert it receives.
type collectNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *collectNotifier) Send(ctx context.Context, a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *collectNotifier) got() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// failNotifier always errors.
type failNotifier struct{}

func (failNotifier) Send(ctx context.Context, a Alert) error {
	return errors.New("unreachable sink")
}

func TestEngineRun_RoutesUpdatesToRules(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	e.Register(NewRSIBand("RSI(14)", 60, 70, 30, 5))
	sink := &collectNotifier{}
	e.AddNotifier(sink)

	updateCh := make(chan model.IndicatorUpdate, 4)
	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	updateCh <- rsiUpdate(50, ts)
	updateCh <- rsiUpdate(75, ts.Add(time.Minute)) // fires
	updateCh <- rsiUpdate(76, ts.Add(2*time.Minute))
	close(updateCh)

	barCh := make(chan model.TFBar)
	close(barCh)

	e.Run(context.Background(), barCh, updateCh)

	alerts := sink.got()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].Rule != "RSI_Band" || alerts[0].Value != 75 {
		t.Errorf("unexpected alert: %+v", alerts[0])
	}
}

func TestEngineRun_RoutesBarsToRules(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	e.Register(NewMACross(2, 3, 60))
	sink := &collectNotifier{}
	e.AddNotifier(sink)

	barCh := make(chan model.TFBar, 8)
	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	for i, px := range []float64{10, 10, 10, 13} {
		barCh <- closedBar(px, ts.Add(time.Duration(i)*time.Minute))
	}
	// Forming bars are dropped before the rules see them
	fb := closedBar(100, ts.Add(4*time.Minute))
	fb.Forming = true
	barCh <- fb
	close(barCh)

	updateCh := make(chan model.IndicatorUpdate)
	close(updateCh)

	e.Run(context.Background(), barCh, updateCh)

	alerts := sink.got()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 golden cross alert, got %d", len(alerts))
	}
	if alerts[0].Rule != "MA_Cross" {
		t.Errorf("rule: got %q, want MA_Cross", alerts[0].Rule)
	}
}

func TestEngineRun_NotifierErrorDoesNotBlockOthers(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	e.Register(NewRSIBand("RSI(14)", 60, 70, 30, 5))
	sink := &collectNotifier{}
	e.AddNotifier(failNotifier{})
	e.AddNotifier(sink)

	updateCh := make(chan model.IndicatorUpdate, 1)
	updateCh <- rsiUpdate(80, time.Now().UTC())
	close(updateCh)
	barCh := make(chan model.TFBar)
	close(barCh)

	e.Run(context.Background(), barCh, updateCh)

	if len(sink.got()) != 1 {
		t.Fatal("alert should still reach the second notifier")
	}
}

func TestEngineRun_StopsOnContextCancel(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		e.Run(ctx, make(chan model.TFBar), make(chan model.IndicatorUpdate))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestJournalRecordAndDedup(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	defer j.Close()

	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	a := Alert{
		ID:     "a-1",
		Rule:   "RSI_Band",
		Level:  LevelWarning,
		Symbol: "BTC-USD",
		Venue:  "SIM",
		TF:     60,
		Value:  75.2,
		Title:  "RSI(14) overbought",
		TS:     ts,
	}

	inserted, err := j.RecordAlert(a)
	if err != nil {
		t.Fatalf("RecordAlert: %v", err)
	}
	if !inserted {
		t.Fatal("first insert should report inserted=true")
	}

	// Same occurrence again (e.g. after a restart replay): ignored
	dup := a
	dup.ID = "a-2"
	inserted, err = j.RecordAlert(dup)
	if err != nil {
		t.Fatalf("RecordAlert dup: %v", err)
	}
	if inserted {
		t.Fatal("duplicate dedup key should report inserted=false")
	}

	// A later bar is a new occurrence
	next := a
	next.ID = "a-3"
	next.TS = ts.Add(time.Minute)
	inserted, err = j.RecordAlert(next)
	if err != nil {
		t.Fatalf("RecordAlert next: %v", err)
	}
	if !inserted {
		t.Fatal("new timestamp should insert")
	}

	recs, err := j.GetAlerts(10)
	if err != nil {
		t.Fatalf("GetAlerts: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 journal rows, got %d", len(recs))
	}
	if recs[0].AlertID != "a-3" {
		t.Errorf("newest first: got %s, want a-3", recs[0].AlertID)
	}
}

func TestEngineFire_JournalDedupStopsDelivery(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	defer j.Close()

	e := NewEngine(j, nil, nil)
	sink := &collectNotifier{}
	e.AddNotifier(sink)

	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	a := Alert{ID: "x-1", Rule: "RSI_Band", Symbol: "BTC-USD", Venue: "SIM", TF: 60, TS: ts}
	e.fire(context.Background(), a)
	a.ID = "x-2" // same occurrence, new uuid
	e.fire(context.Background(), a)

	if len(sink.got()) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sink.got()))
	}
}
