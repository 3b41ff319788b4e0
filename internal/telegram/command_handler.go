package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"sitesafe/internal/alerts"
)

// SystemStatus is what /status reports.
type SystemStatus struct {
	Streaming       bool
	GeofenceEnabled bool
	Zones           int
	Listeners       int
}

// Controller is the slice of the control plane the bot may drive.
type Controller interface {
	Status() SystemStatus
	StartStream(ctx context.Context) string
	StopStream() string
	SetGeofence(enabled bool) error
	Report(ctx context.Context) (alerts.Report, error)
	Snapshot() []byte
}

// Update is a Telegram update.
type Update struct {
	UpdateID int64            `json:"update_id"`
	Message  *TelegramMessage `json:"message,omitempty"`
}

// TelegramMessage is the subset of a message the handler reads.
type TelegramMessage struct {
	MessageID int64         `json:"message_id"`
	Chat      *TelegramChat `json:"chat,omitempty"`
	Date      int64         `json:"date"`
	Text      string        `json:"text,omitempty"`
}

// TelegramChat identifies a chat.
type TelegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// CommandHandler polls getUpdates and answers commands from the configured
// chat only.
type CommandHandler struct {
	bot          *Bot
	ctl          Controller
	lastUpdateID int64
	startTime    time.Time
	interval     time.Duration
	mu           sync.Mutex
}

// NewCommandHandler creates a handler.
func NewCommandHandler(bot *Bot, ctl Controller) *CommandHandler {
	return &CommandHandler{bot: bot, ctl: ctl, startTime: time.Now(), interval: 2 * time.Second}
}

// StartPolling blocks until ctx is cancelled.
func (ch *CommandHandler) StartPolling(ctx context.Context) error {
	if _, _, err := ch.bot.target(); err != nil {
		return err
	}

	log.Printf("[Telegram] Command polling started")
	ticker := time.NewTicker(ch.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Telegram] Command polling stopped")
			return nil
		case <-ticker.C:
			if err := ch.pollUpdates(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Telegram] Failed to poll updates: %v", err)
			}
		}
	}
}

func (ch *CommandHandler) pollUpdates(ctx context.Context) error {
	token, chatID, err := ch.bot.target()
	if err != nil {
		return err
	}

	ch.mu.Lock()
	offset := ch.lastUpdateID + 1
	ch.mu.Unlock()

	url := fmt.Sprintf("%s?offset=%d&timeout=1", ch.bot.methodURL(token, "getUpdates"), offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	result, err := ch.bot.do(req)
	if err != nil {
		return err
	}

	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return fmt.Errorf("failed to parse updates: %w", err)
	}

	for _, update := range updates {
		ch.mu.Lock()
		if update.UpdateID > ch.lastUpdateID {
			ch.lastUpdateID = update.UpdateID
		}
		ch.mu.Unlock()

		if update.Message != nil {
			ch.handleMessage(ctx, update.Message, chatID)
		}
	}
	return nil
}

func (ch *CommandHandler) handleMessage(ctx context.Context, msg *TelegramMessage, authorizedChatID string) {
	if msg.Chat == nil || !strings.HasPrefix(msg.Text, "/") {
		return
	}
	if strconv.FormatInt(msg.Chat.ID, 10) != authorizedChatID {
		log.Printf("[Telegram] Ignoring message from unauthorized chat %d", msg.Chat.ID)
		return
	}

	command := strings.ToLower(strings.Fields(msg.Text)[0])
	if at := strings.Index(command, "@"); at != -1 {
		command = command[:at]
	}

	var response string
	switch command {
	case "/start", "/help":
		response = helpText
	case "/status":
		response = ch.statusText()
	case "/stream_on":
		response = ch.ctl.StartStream(ctx)
	case "/stream_off":
		response = ch.ctl.StopStream()
	case "/geofence_on", "/geofence_off":
		enabled := command == "/geofence_on"
		if err := ch.ctl.SetGeofence(enabled); err != nil {
			response = "Failed: " + escapeHTML(err.Error())
		} else if enabled {
			response = "Geofence enabled"
		} else {
			response = "Geofence disabled"
		}
	case "/report":
		response = ch.reportText(ctx)
	case "/snapshot":
		ch.sendSnapshot(ctx)
		return
	default:
		response = fmt.Sprintf("Unknown command: %s\nUse /help to see available commands.", escapeHTML(command))
	}

	if err := ch.bot.SendMessage(ctx, response); err != nil {
		log.Printf("[Telegram] Failed to send reply: %v", err)
	}
}

const helpText = "📋 <b>Available Commands</b>\n\n" +
	"/status - Pipeline status\n" +
	"/stream_on - Start streaming\n" +
	"/stream_off - Stop streaming\n" +
	"/geofence_on - Enable zone rules\n" +
	"/geofence_off - Disable zone rules\n" +
	"/snapshot - Latest annotated frame\n" +
	"/report - Export and clear the alert history\n" +
	"/help - Show this help"

func (ch *CommandHandler) statusText() string {
	s := ch.ctl.Status()
	return fmt.Sprintf(
		"📊 <b>Status</b>\n\n"+
			"📹 Streaming: %s\n"+
			"🚧 Geofence: %s (%d zones)\n"+
			"👀 Alert listeners: %d\n"+
			"⏱️ Uptime: %s",
		onOff(s.Streaming), onOff(s.GeofenceEnabled), s.Zones, s.Listeners,
		formatDuration(time.Since(ch.startTime)),
	)
}

func (ch *CommandHandler) reportText(ctx context.Context) string {
	report, err := ch.ctl.Report(ctx)
	if err != nil {
		return "Report failed: " + escapeHTML(err.Error())
	}
	text := report.Text
	if len(text) > 3500 {
		text = text[len(text)-3500:]
	}
	return fmt.Sprintf("📝 <b>Report</b> (%d alerts)\n\n<pre>%s</pre>", report.Count, escapeHTML(text))
}

func (ch *CommandHandler) sendSnapshot(ctx context.Context) {
	frame := ch.ctl.Snapshot()
	var err error
	if len(frame) == 0 {
		err = ch.bot.SendMessage(ctx, "No frame available")
	} else {
		err = ch.bot.SendPhoto(ctx, frame, "📸 Snapshot")
	}
	if err != nil {
		log.Printf("[Telegram] Failed to send snapshot: %v", err)
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
