package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTelegramAPI is the Bot API host.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramSender posts notifications through the Bot API. Account ids are
// Telegram chat ids.
type TelegramSender struct {
	apiBase    string
	botToken   string
	httpClient *http.Client
}

// NewTelegramSender creates a sender. An empty apiBase uses DefaultTelegramAPI.
func NewTelegramSender(apiBase, botToken string) (*TelegramSender, error) {
	if strings.TrimSpace(botToken) == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	if apiBase == "" {
		apiBase = DefaultTelegramAPI
	}
	return &TelegramSender{
		apiBase:    strings.TrimRight(apiBase, "/"),
		botToken:   botToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send delivers one message to the account's chat.
func (s *TelegramSender) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                n.AccountID,
		Text:                  n.Text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, s.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var decoded sendMessageResponse
	_ = json.Unmarshal(body, &decoded)
	if resp.StatusCode != http.StatusOK || !decoded.OK {
		return fmt.Errorf("telegram status %d: %s", resp.StatusCode, decoded.Description)
	}
	return nil
}
