// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/polyboard/internal/logger"
	"github.com/rewired-gh/polyboard/internal/metrics"
	"github.com/rewired-gh/polyboard/internal/models"
)

// StatusFunc returns the latest dashboard, or nil before the first cycle.
type StatusFunc func() *models.Dashboard

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, status StatusFunc) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message, status)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message, status StatusFunc) {
	var reply tgbotapi.MessageConfig
	switch msg.Command() {
	case "ping":
		reply = tgbotapi.NewMessage(msg.Chat.ID, "Pong")
	case "status":
		var dash *models.Dashboard
		if status != nil {
			dash = status()
		}
		reply = tgbotapi.NewMessage(msg.Chat.ID, formatStatus(dash))
		reply.ParseMode = "MarkdownV2"
	default:
		return
	}
	if _, err := c.bot.Send(reply); err != nil {
		logger.Warn("Failed to reply to /%s: %v", msg.Command(), err)
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a monitoring error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	return c.sendMarkdownV2(formatError(cycleErr))
}

// formatError puts the error text in a code span, where only ` and \ need escaping.
func formatError(err error) string {
	text := strings.NewReplacer(`\`, `\\`, "`", "\\`").Replace(err.Error())
	return fmt.Sprintf("⚠️ *Scrape error*\n`%s`", text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Scraping recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// Send sends a notification with the given price movement alerts.
func (c *Client) Send(alerts []models.AlertItem) error {
	if len(alerts) == 0 {
		return nil
	}
	if err := c.sendMarkdownV2(formatAlerts(alerts)); err != nil {
		return err
	}
	metrics.NotificationsSent.Add(float64(len(alerts)))
	return nil
}

func tierEmoji(t models.Tier) string {
	switch t {
	case models.Tier30:
		return "🔴"
	case models.Tier10:
		return "🟡"
	default:
		return "🔵"
	}
}

// formatAlerts renders alerts into a Telegram MarkdownV2 message.
func formatAlerts(alerts []models.AlertItem) string {
	var b strings.Builder
	b.WriteString("🚨 *Price Movement Alerts*\n\n")

	if len(alerts) > 0 {
		dateStr := escapeMarkdownV2(alerts[0].DetectedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&b, "📅 Detected: %s\n\n", dateStr)
	}

	for i, alert := range alerts {
		directionEmoji := "📈"
		if alert.EndPrice < alert.StartPrice {
			directionEmoji = "📉"
		}

		fmt.Fprintf(&b, "%d\\. %s *%s*\n", i+1, tierEmoji(alert.Tier), escapeMarkdownV2(alert.Event))
		fmt.Fprintf(&b, "   🎯 %s · %s\n", escapeMarkdownV2(alert.Market), escapeMarkdownV2(alert.Side))
		fmt.Fprintf(&b, "   %s *%s* \\(%s → %s\\)\n",
			directionEmoji,
			escapeMarkdownV2(alert.FormatDiff()),
			escapeMarkdownV2(strconv.FormatFloat(alert.StartPrice, 'f', 1, 64)),
			escapeMarkdownV2(strconv.FormatFloat(alert.EndPrice, 'f', 1, 64)),
		)
		fmt.Fprintf(&b, "   %s samples, σ %s\n\n",
			strconv.Itoa(alert.Samples),
			escapeMarkdownV2(strconv.FormatFloat(alert.Volatility, 'f', 2, 64)),
		)
	}

	return b.String()
}

// formatStatus renders the /status reply.
func formatStatus(dash *models.Dashboard) string {
	if dash == nil {
		return "⏳ No data yet, waiting for the first refresh"
	}

	var b strings.Builder
	b.WriteString("📊 *Status*\n")
	fmt.Fprintf(&b, "Pool: %d observations\n", dash.PoolSize)
	fmt.Fprintf(&b, "Updated: %s\n", escapeMarkdownV2(dash.UpdatedAt.Format("2006-01-02 15:04:05")))
	fmt.Fprintf(&b, "Alerts: %d 🔴 / %d 🟡 / %d 🔵\n",
		len(dash.Alerts.Tier30), len(dash.Alerts.Tier10), len(dash.Alerts.Tier5))
	if u := dash.Users; u != nil {
		fmt.Fprintf(&b, "Users: \\+%d today, \\+%d yesterday, DAU %d, season %d\n",
			u.NewToday, u.NewYesterday, u.DAUYesterday, u.SeasonTotal)
	}

	for _, r := range dash.Rankings {
		if len(r.Rows) == 0 {
			fmt.Fprintf(&b, "\n*%s*: no trades\n", escapeMarkdownV2(r.Name))
			continue
		}
		top := r.Rows[0]
		fmt.Fprintf(&b, "\n*%s* top: %s · %s · %s \\(%d trades, $%s\\)\n",
			escapeMarkdownV2(r.Name),
			escapeMarkdownV2(top.Event),
			escapeMarkdownV2(top.Market),
			escapeMarkdownV2(top.Side),
			top.Count,
			escapeMarkdownV2(top.TotalAmount.StringFixed(0)),
		)
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '\\', '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
