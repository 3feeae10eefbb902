package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramNotifier delivers alerts through the Telegram Bot API's
// sendMessage call.
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramNotifier creates a notifier targeting one chat. The token
// comes from @BotFather; chatID may be a user, group or channel ID.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Send(ctx context.Context, a Alert) error {
	var msg strings.Builder
	msg.WriteString(levelEmoji(a.Level))
	msg.WriteString(" *")
	msg.WriteString(escapeMarkdownV2(a.Title))
	msg.WriteString("*\n\n")
	msg.WriteString(escapeMarkdownV2(a.Message))
	msg.WriteString("\n\n")
	msg.WriteString(escapeMarkdownV2(fmt.Sprintf("%s:%s tf=%ds value=%.2f", a.Venue, a.Symbol, a.TF, a.Value)))

	payload, _ := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       msg.String(),
		"parse_mode": "MarkdownV2",
	})

	url := fmt.Sprintf("%s/bot%s/sendMessage", telegramAPIBase, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}

	log.Printf("[telegram] sent alert: %s", a.Title)
	return nil
}

func levelEmoji(l Level) string {
	switch l {
	case LevelWarning:
		return "⚠️"
	case LevelCritical:
		return "🚨"
	}
	return "ℹ️"
}

// escapeMarkdownV2 backslash-escapes every character MarkdownV2 reserves.
func escapeMarkdownV2(s string) string {
	const reserved = "_*[]()~`>#+-=|{}.!"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(reserved, s[i]) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
