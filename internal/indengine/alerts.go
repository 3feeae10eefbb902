package indengine

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"ta-systemv1/internal/alert"
	"ta-systemv1/internal/model"
)

// setupAlerts builds the alert engine when ALERTS_ENABLED is set. Rules and
// sinks come from the ALERT_* env config; the journal gives dedup across
// restarts.
func (svc *Service) setupAlerts() {
	cfg := svc.cfg
	if !cfg.AlertsEnabled {
		return
	}

	if cfg.AlertJournalPath != "" {
		os.MkdirAll(filepath.Dir(cfg.AlertJournalPath), 0o755)
		j, err := alert.NewJournal(cfg.AlertJournalPath)
		if err != nil {
			log.Printf("[indengine] WARNING: alert journal init failed: %v (alerts will not dedup across restarts)", err)
		} else {
			svc.alertJournal = j
		}
	}

	eng := alert.NewEngine(svc.alertJournal, svc.redisWriter.Client(), svc.prom)
	eng.Register(alert.NewRSIBand("", cfg.AlertTF, cfg.AlertRSIHigh, cfg.AlertRSILow, cfg.AlertRSIRearm))
	eng.Register(alert.NewMACross(cfg.AlertMAFast, cfg.AlertMASlow, cfg.AlertTF))

	eng.AddNotifier(alert.NewLogNotifier())
	if cfg.AlertWebhookURL != "" {
		eng.AddNotifier(alert.NewWebhookNotifier(cfg.AlertWebhookURL))
		log.Println("[indengine] alert webhook notifier enabled")
	}
	if cfg.AlertTelegramToken != "" && cfg.AlertTelegramChat != "" {
		eng.AddNotifier(alert.NewTelegramNotifier(cfg.AlertTelegramToken, cfg.AlertTelegramChat))
		log.Println("[indengine] alert telegram notifier enabled")
	}

	svc.alerts = eng
	svc.alertBarCh = make(chan model.TFBar, 1000)
	svc.alertUpdateCh = make(chan model.IndicatorUpdate, 1000)
}

// startAlerts launches the alert engine loop if setupAlerts configured one.
func (svc *Service) startAlerts(ctx context.Context) {
	if svc.alerts == nil {
		return
	}
	go svc.alerts.Run(ctx, svc.alertBarCh, svc.alertUpdateCh)
	log.Println("[indengine] alert engine started")
}

// feedAlerts hands a closed bar and its updates to the alert engine.
// Sends never block: when the alert engine falls behind, events are
// dropped rather than stalling indicator computation.
func (svc *Service) feedAlerts(tfb model.TFBar, updates []model.IndicatorUpdate) {
	if svc.alerts == nil || tfb.Forming {
		return
	}
	select {
	case svc.alertBarCh <- tfb:
	default:
	}
	for _, u := range updates {
		select {
		case svc.alertUpdateCh <- u:
		default:
		}
	}
}
