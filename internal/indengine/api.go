package indengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ta-systemv1/internal/indicator"
	"ta-systemv1/internal/model"
)

// reloadRequest asks the processLoop goroutine to swap indicator configs.
// warm requests a stream replay into indicators the reload created.
type reloadRequest struct {
	configs []indicator.TFIndicatorConfig
	warm    bool
	reply   chan reloadResult
}

type reloadResult struct {
	preserved int
	created   int
}

// startHTTP serves /reload, /healthz and /metrics in the background.
func (svc *Service) startHTTP(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/reload", svc.handleReload)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())

	if svc.cfg.AdminTOTPSecret == "" {
		log.Println("[indengine] WARNING: ADMIN_TOTP_SECRET not set, /reload is unauthenticated")
	}
	go func() {
		log.Printf("[indengine] admin HTTP on %s (/reload, /healthz, /metrics)", svc.cfg.HTTPAddr)
		if err := http.ListenAndServe(svc.cfg.HTTPAddr, mux); err != nil {
			log.Printf("[indengine] admin HTTP: %v", err)
		}
	}()
}

// checkTOTP validates the X-TOTP-Code header against the admin secret.
// Always passes when no secret is configured.
func (svc *Service) checkTOTP(r *http.Request) bool {
	if svc.cfg.AdminTOTPSecret == "" {
		return true
	}
	return totp.Validate(r.Header.Get("X-TOTP-Code"), svc.cfg.AdminTOTPSecret)
}

// handleReload accepts POST /reload with a full TF config set and
// applies it on the processLoop goroutine.
func (svc *Service) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	if !svc.checkTOTP(r) {
		http.Error(w, "invalid or missing TOTP code", http.StatusUnauthorized)
		return
	}
	var newConfigs []indicator.TFIndicatorConfig
	if err := json.NewDecoder(r.Body).Decode(&newConfigs); err != nil {
		http.Error(w, "bad JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := indicator.ValidateConfigs(newConfigs); err != nil {
		http.Error(w, "config rejected: "+err.Error(), http.StatusBadRequest)
		return
	}

	req := reloadRequest{configs: newConfigs, reply: make(chan reloadResult, 1)}
	select {
	case svc.reloadCh <- req:
	case <-r.Context().Done():
		http.Error(w, "engine busy", http.StatusServiceUnavailable)
		return
	}
	select {
	case res := <-req.reply:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "ok",
			"preserved": res.preserved,
			"created":   res.created,
		})
	case <-r.Context().Done():
		http.Error(w, "reload timed out", http.StatusGatewayTimeout)
	}
}

// startConfigSubscriber watches the config:indicators PubSub channel
// for dynamic reload requests from the gateway.
func (svc *Service) startConfigSubscriber(ctx context.Context) {
	go func() {
		pubsub := svc.redisReader.SubscribeChannel(ctx, "config:indicators")
		if pubsub == nil {
			log.Println("[indengine] WARNING: config:indicators subscribe failed")
			return
		}
		defer pubsub.Close()
		log.Println("[indengine] watching config:indicators for dynamic reload")

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				log.Printf("[indengine] config update arrived: %s", msg.Payload)
				svc.reloadFromSpecs(ctx, ParseIndicatorSpecs(msg.Payload))
			}
		}
	}()
}

// reloadFromSpecs rebuilds TF configs from indicator specs and hands them to
// the processLoop. Indicators the reload creates are warmed from the streams.
func (svc *Service) reloadFromSpecs(ctx context.Context, newSpecs []indicator.IndicatorConfig) {
	newConfigs := make([]indicator.TFIndicatorConfig, len(svc.cfg.EnabledTFs))
	for i, tf := range svc.cfg.EnabledTFs {
		newConfigs[i] = indicator.TFIndicatorConfig{TF: tf, Indicators: newSpecs}
	}
	if err := indicator.ValidateConfigs(newConfigs); err != nil {
		log.Printf("[indengine] rejecting config update: %v", err)
		return
	}

	req := reloadRequest{configs: newConfigs, warm: true, reply: make(chan reloadResult, 1)}
	select {
	case svc.reloadCh <- req:
	case <-ctx.Done():
		return
	}
	select {
	case res := <-req.reply:
		log.Printf("[indengine] reloaded: preserved=%d, created=%d", res.preserved, res.created)
	case <-ctx.Done():
	}
}

// applyReload swaps indicator configs and optionally warms fresh indicators.
// Runs on the processLoop goroutine, so live bars queue behind it briefly.
func (svc *Service) applyReload(ctx context.Context, req reloadRequest) {
	preserved, created := svc.engine.ReloadConfigs(req.configs)
	if req.warm && created > 0 {
		svc.backfillCreated(ctx)
	}
	svc.engine.FinishBackfill()
	if req.reply != nil {
		req.reply <- reloadResult{preserved: preserved, created: created}
	}
}

// backfillCreated replays retained stream history into indicators added by
// the latest reload. Preserved indicators never see the replayed bars.
func (svc *Service) backfillCreated(ctx context.Context) {
	ch := make(chan model.TFBar, 5000)
	go func() {
		defer close(ch)
		for _, stream := range svc.streams {
			if _, err := svc.redisReader.ReplayFromID(ctx, stream, "0", ch); err != nil {
				log.Printf("[indengine] reload backfill on %s: %v", stream, err)
			}
		}
	}()

	n := 0
	for tfb := range ch {
		if tfb.Forming {
			continue
		}
		if updates := svc.engine.BackfillCreated(tfb); len(updates) > 0 {
			svc.redisWriter.WriteUpdateBatch(ctx, updates)
		}
		n++
	}
	log.Printf("[indengine] ✅ reload backfill: %d bars into new indicators", n)
}
