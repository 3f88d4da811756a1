// Package api provides handlers for external APIs and interfaces
package api

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/abelzeko/riverdipstick/internal/entities"
	"github.com/abelzeko/riverdipstick/internal/logger"
)

// TelegramNotifier posts favourable-condition alerts to a Telegram chat
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier authorises the bot token and returns a notifier for chatID
func NewTelegramNotifier(botToken string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return NewTelegramNotifierWithBot(bot, chatID), nil
}

// NewTelegramNotifierWithBot wraps an already authorised bot
func NewTelegramNotifierWithBot(bot *tgbotapi.BotAPI, chatID int64) *TelegramNotifier {
	logger.Named("telegram").Info().Str("account", bot.Self.UserName).Int64("chat_id", chatID).Msg("authorized on Telegram")
	return &TelegramNotifier{bot: bot, chatID: chatID}
}

// NotifyFavorable sends one message describing the reading that turned the station favourable
func (t *TelegramNotifier) NotifyFavorable(ctx context.Context, station entities.Station, obs entities.Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, FormatFavorable(station, obs))
	msg.DisableWebPagePreview = true

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send alert for %s: %w", station.ID, err)
	}
	logger.C(ctx).Info().Int64("chat_id", t.chatID).Time("timestamp", obs.Timestamp).Msg("favourable alert sent")
	return nil
}

// FormatFavorable renders the alert text for a station
func FormatFavorable(station entities.Station, obs entities.Observation) string {
	name := station.Label
	if name == "" {
		name = station.ID
	}

	var b strings.Builder
	if station.River != "" {
		fmt.Fprintf(&b, "🎣 Good fishing conditions on %s\n\n", station.River)
	} else {
		b.WriteString("🎣 Good fishing conditions\n\n")
	}
	fmt.Fprintf(&b, "📍 Station: %s (%s)\n", name, station.ID)
	fmt.Fprintf(&b, "💧 Level: %.3f m, falling\n", obs.Value)
	if station.Lat != nil && station.Lon != nil {
		fmt.Fprintf(&b, "🗺️ Location: %.5f, %.5f\n", *station.Lat, *station.Lon)
	}
	fmt.Fprintf(&b, "🕒 Reading: %s UTC", obs.Timestamp.UTC().Format("2006-01-02 15:04"))
	return b.String()
}

// NopNotifier drops alerts; used when no Telegram chat is configured
type NopNotifier struct{}

// NotifyFavorable logs the alert at debug level and does nothing else
func (NopNotifier) NotifyFavorable(ctx context.Context, station entities.Station, obs entities.Observation) error {
	logger.C(ctx).Debug().Time("timestamp", obs.Timestamp).Float64("value", obs.Value).Msg("favourable reading (alerts disabled)")
	return nil
}
