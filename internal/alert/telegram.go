package alert

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender is the part of *tgbotapi.BotAPI the sink needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink posts alerts at or above MinLevel to a fixed set of chats.
type TelegramSink struct {
	bot      Sender
	chatIDs  []int64
	minLevel Level
}

// DialTelegram authenticates the bot token against the Telegram API.
func DialTelegram(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	return bot, nil
}

func NewTelegramSink(bot Sender, chatIDs []int64, minLevel Level) *TelegramSink {
	return &TelegramSink{bot: bot, chatIDs: chatIDs, minLevel: minLevel}
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Deliver(ctx context.Context, a Alert) error {
	if a.Level < t.minLevel {
		return nil
	}
	text := FormatHTML(a)
	var errs []error
	for _, chatID := range t.chatIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		if _, err := t.bot.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

var levelIcon = map[Level]string{
	LevelInfo:  "ℹ️",
	LevelWarn:  "⚠️",
	LevelError: "🚨",
}

// FormatHTML renders an alert for Telegram's HTML parse mode.
func FormatHTML(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>System Alert</b> (%s)\n\n%s", levelIcon[a.Level], a.Level, html.EscapeString(a.Message))
	keys := make([]string, 0, len(a.Data))
	for k := range a.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		b.WriteString("\n")
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "\n<code>%s</code>: %s", html.EscapeString(k), html.EscapeString(fmt.Sprint(a.Data[k])))
	}
	return b.String()
}
