// Package telegram mirrors alerts to a Telegram chat and answers a small
// set of operator commands.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"sitesafe/internal/alerts"
)

const defaultAPIBase = "https://api.telegram.org"

// Config holds Telegram bot configuration.
type Config struct {
	Enabled  bool   `yaml:"enabled" env:"TELEGRAM_ENABLED"`
	BotToken string `yaml:"bot_token" env:"TELEGRAM_BOT_TOKEN"`
	ChatID   string `yaml:"chat_id" env:"TELEGRAM_CHAT_ID"`
	// SendSnapshot attaches the latest annotated frame to alerts.
	SendSnapshot bool `yaml:"send_snapshot" env:"TELEGRAM_SEND_SNAPSHOT"`
	// Commands enables the getUpdates polling loop.
	Commands bool   `yaml:"commands" env:"TELEGRAM_COMMANDS"`
	APIBase  string `yaml:"api_base" env:"TELEGRAM_API_BASE"`
}

// ValidateConfig checks that an enabled bot can reach a chat.
func ValidateConfig(config Config) error {
	if !config.Enabled {
		return nil
	}
	if config.BotToken == "" {
		return fmt.Errorf("telegram bot token is required when enabled")
	}
	if config.ChatID == "" {
		return fmt.Errorf("telegram chat ID is required when enabled")
	}
	return nil
}

// apiResponse is the envelope of every Bot API reply.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Bot talks to the Telegram Bot API.
type Bot struct {
	botToken   string
	chatID     string
	apiBase    string
	httpClient *http.Client
	mu         sync.RWMutex
	enabled    bool
}

// NewBot creates a bot.
func NewBot(config Config) *Bot {
	base := config.APIBase
	if base == "" {
		base = defaultAPIBase
	}
	return &Bot{
		botToken:   config.BotToken,
		chatID:     config.ChatID,
		apiBase:    strings.TrimRight(base, "/"),
		enabled:    config.Enabled,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// IsEnabled reports whether the bot sends anything.
func (b *Bot) IsEnabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// SetEnabled toggles the bot.
func (b *Bot) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

func (b *Bot) target() (token, chatID string, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.enabled {
		return "", "", fmt.Errorf("telegram bot is disabled")
	}
	if b.botToken == "" || b.chatID == "" {
		return "", "", fmt.Errorf("telegram bot token or chat ID not configured")
	}
	return b.botToken, b.chatID, nil
}

func (b *Bot) methodURL(token, method string) string {
	return fmt.Sprintf("%s/bot%s/%s", b.apiBase, token, method)
}

// SendMessage sends an HTML text message.
func (b *Bot) SendMessage(ctx context.Context, message string) error {
	token, chatID, err := b.target()
	if err != nil {
		return err
	}

	payload := map[string]any{
		"chat_id":    chatID,
		"text":       message,
		"parse_mode": "HTML",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL(token, "sendMessage"), bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = b.do(req)
	return err
}

// SendPhoto sends a JPEG with an HTML caption.
func (b *Bot) SendPhoto(ctx context.Context, photoData []byte, caption string) error {
	token, chatID, err := b.target()
	if err != nil {
		return err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	fields := map[string]string{"chat_id": chatID, "caption": caption, "parse_mode": "HTML"}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	part, err := writer.CreateFormFile("photo", "alert.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photoData); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL(token, "sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	_, err = b.do(req)
	return err
}

func (b *Bot) do(req *http.Request) (json.RawMessage, error) {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !apiResp.OK {
		return nil, fmt.Errorf("telegram API error %d: %s", apiResp.ErrorCode, apiResp.Description)
	}
	return apiResp.Result, nil
}

// Notifier adapts a Bot to the alert dispatcher.
type Notifier struct {
	bot      *Bot
	snapshot func() []byte
}

// NewNotifier creates a notifier. snapshot may be nil.
func NewNotifier(bot *Bot, snapshot func() []byte) *Notifier {
	return &Notifier{bot: bot, snapshot: snapshot}
}

// Name implements alerts.Notifier.
func (n *Notifier) Name() string { return "telegram" }

// Notify sends the alert, with the latest frame when one is available.
func (n *Notifier) Notify(ctx context.Context, rec alerts.Record) error {
	text := FormatAlert(rec)
	if n.snapshot != nil {
		if frame := n.snapshot(); len(frame) > 0 {
			return n.bot.SendPhoto(ctx, frame, text)
		}
	}
	return n.bot.SendMessage(ctx, text)
}

// FormatAlert renders a record as an HTML message.
func FormatAlert(rec alerts.Record) string {
	title := "🦺 <b>PPE Violation</b>"
	if rec.Type == alerts.TypeGeofence {
		title = "🚧 <b>Zone Violation</b>"
	}
	msg := fmt.Sprintf("%s\n\n%s\n🕐 %s", title, escapeHTML(rec.Message), rec.CreatedAt.Format("2 Jan 2006, 15:04:05"))
	if rec.Zone != "" {
		msg += fmt.Sprintf("\n📍 Zone: %s", escapeHTML(rec.Zone))
	}
	return msg
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

var _ alerts.Notifier = (*Notifier)(nil)
