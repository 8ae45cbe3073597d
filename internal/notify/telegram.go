package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSink posts events to a Telegram chat. Empty credentials turn it into a no-op.
type TelegramSink struct {
	Token      string
	ChatID     string
	AlertsOnly bool
	BaseURL    string
	Client     *http.Client
}

func NewTelegramSink(token, chatID string, alertsOnly bool) *TelegramSink {
	return &TelegramSink{
		Token:      token,
		ChatID:     chatID,
		AlertsOnly: alertsOnly,
		BaseURL:    telegramAPI,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *TelegramSink) Handle(ctx context.Context, e Event) error {
	if s.Token == "" || s.ChatID == "" {
		return nil
	}
	if s.AlertsOnly && !e.Alert() {
		return nil
	}

	payload := map[string]string{
		"chat_id":    s.ChatID,
		"text":       format(e),
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.BaseURL, s.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: status %s", resp.Status)
	}
	return nil
}

func format(e Event) string {
	icon := "ℹ️"
	switch e.Kind {
	case TradeOpened:
		icon = "🟢"
	case TradeScaled:
		icon = "📐"
	case TradeClosed:
		icon = "🏁"
	case BracketRepaired:
		icon = "🛠"
	case ParamsChanged:
		icon = "🎛"
	}
	if e.Alert() {
		icon = "🚨"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s *%s*", icon, strings.ToUpper(strings.ReplaceAll(string(e.Kind), "_", " "))))
	if e.Lane != "" {
		sb.WriteString(fmt.Sprintf(" `%s`", e.Lane))
	}
	if e.Instrument != "" {
		sb.WriteString(fmt.Sprintf(" %s", e.Instrument))
	}
	sb.WriteString("\n")
	sb.WriteString(e.Message)
	return sb.String()
}
