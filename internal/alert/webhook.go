package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// WebhookNotifier POSTs alerts to a generic HTTP endpoint. Transient
// failures are retried with linear backoff.
type WebhookNotifier struct {
	url      string
	client   *http.Client
	attempts int
}

// NewWebhookNotifier builds a notifier targeting the given endpoint URL.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		attempts: 3,
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, a Alert) error {
	payload := map[string]interface{}{
		"id":      a.ID,
		"rule":    a.Rule,
		"level":   string(a.Level),
		"symbol":  a.Symbol,
		"venue":   a.Venue,
		"tf":      a.TF,
		"value":   a.Value,
		"title":   a.Title,
		"message": a.Message,
		"ts":      a.TS.UTC().Format(time.RFC3339Nano),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * 500 * time.Millisecond):
			}
		}

		if lastErr = w.post(ctx, body); lastErr == nil {
			log.Printf("[webhook] sent alert to %s: %s", w.url, a.Title)
			return nil
		}
		log.Printf("[webhook] attempt %d/%d failed: %v", attempt, w.attempts, lastErr)
	}
	return fmt.Errorf("webhook: %d attempts failed: %w", w.attempts, lastErr)
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
