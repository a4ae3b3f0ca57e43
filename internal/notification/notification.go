// Package notification fans operational events out to configured providers
// (Telegram, Discord). Critical notifications are the escalation path for
// unprotected positions and exhausted force-close retries; everything else
// is informational.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Type classifies a notification.
type Type string

const (
	NotifyTradeOpen  Type = "trade_open"
	NotifyTradeClose Type = "trade_close"
	NotifyInfo       Type = "info"
	NotifyCritical   Type = "critical"
)

// Notification is one message to deliver.
type Notification struct {
	Type      Type
	Title     string
	Message   string
	Symbol    string
	Price     decimal.Decimal
	PnL       decimal.Decimal
	Timestamp time.Time
}

// Notifier is one delivery provider.
type Notifier interface {
	Send(n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to all enabled providers. Delivery
// failures are logged, never propagated into trading paths.
type Manager struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger}
}

// AddNotifier registers a provider.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers to every enabled provider asynchronously so a slow webhook
// never blocks the caller.
func (m *Manager) Send(n *Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	for _, notifier := range m.notifiers {
		if !notifier.IsEnabled() {
			continue
		}
		go func(notifier Notifier) {
			if err := notifier.Send(n); err != nil {
				m.logger.Warn().Err(err).
					Str("provider", notifier.Name()).
					Str("title", n.Title).
					Msg("notification delivery failed")
			}
		}(notifier)
	}
}

// Critical delivers an operator-visible escalation. This is the path for
// unprotected positions and exhausted force-close retries, so it is also
// logged at error level regardless of provider configuration.
func (m *Manager) Critical(title, message string) {
	m.logger.Error().Str("title", title).Msg(message)
	m.Send(&Notification{
		Type:    NotifyCritical,
		Title:   fmt.Sprintf("🚨 %s", title),
		Message: message,
	})
}

// TradeOpened reports a successfully protected open.
func (m *Manager) TradeOpened(symbol, side string, price, quantity decimal.Decimal) {
	m.Send(&Notification{
		Type:    NotifyTradeOpen,
		Title:   fmt.Sprintf("📈 Position Opened: %s", symbol),
		Message: fmt.Sprintf("%s %s\nEntry: %s\nQuantity: %s", side, symbol, price, quantity),
		Symbol:  symbol,
		Price:   price,
	})
}

// TradeClosed reports a close with its realized PnL.
func (m *Manager) TradeClosed(symbol string, entryPrice, exitPrice, pnl decimal.Decimal, reason string) {
	emoji := "✅"
	if pnl.IsNegative() {
		emoji = "❌"
	}
	m.Send(&Notification{
		Type:    NotifyTradeClose,
		Title:   fmt.Sprintf("%s Position Closed: %s", emoji, symbol),
		Message: fmt.Sprintf("Entry: %s → Exit: %s\nP&L: %s\nReason: %s", entryPrice, exitPrice, pnl, reason),
		Symbol:  symbol,
		Price:   exitPrice,
		PnL:     pnl,
	})
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via the Telegram bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

func (t *TelegramNotifier) Send(n *Notification) error {
	if !t.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", n.Title, n.Message),
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via a Discord webhook.
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration.
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) IsEnabled() bool { return d.enabled }

func (d *DiscordNotifier) Send(n *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	if n.Type == NotifyCritical || n.PnL.IsNegative() {
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       n.Title,
		"description": n.Message,
		"color":       color,
		"timestamp":   n.Timestamp.Format(time.RFC3339),
	}

	if n.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": n.Symbol, "inline": true},
		}
		if n.Price.IsPositive() {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": n.Price.String(), "inline": true,
			})
		}
		if !n.PnL.IsZero() {
			fields = append(fields, map[string]interface{}{
				"name": "P&L", "value": n.PnL.String(), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
