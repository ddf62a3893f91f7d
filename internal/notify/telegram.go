package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	tele "gopkg.in/telebot.v3"
)

var telegramTitles = map[Template]string{
	TemplateAdminApprovalRequest:  "💳 Deposit authorized, approval needed",
	TemplateAdminBookingConfirmed: "✅ Booking confirmed",
	TemplateAdminBookingCancelled: "❌ Booking cancelled by customer",
	TemplateAdminStartTimeUpdated: "🕒 Session time changed",
	TemplateAdminSessionReminder:  "🔔 Session starting soon",
}

// TelegramSender posts admin messages to a studio chat.
type TelegramSender struct {
	bot    *tele.Bot
	chatID int64
}

func NewTelegramSender(token string, chatID int64) (*TelegramSender, error) {
	bot, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &TelegramSender{bot: bot, chatID: chatID}, nil
}

func (s *TelegramSender) Send(_ context.Context, msg Message) error {
	_, err := s.bot.Send(tele.ChatID(s.chatID), FormatTelegram(msg), &tele.SendOptions{ParseMode: tele.ModeHTML})
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func FormatTelegram(msg Message) string {
	title, ok := telegramTitles[msg.Template]
	if !ok {
		title = string(msg.Template)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n\n", html.EscapeString(title))
	line := func(label, key string) {
		if value := msg.Data[key]; value != "" {
			fmt.Fprintf(&b, "%s: <b>%s</b>\n", label, html.EscapeString(value))
		}
	}
	line("Artist", "customer_name")
	line("Email", "email")
	line("Start", "start_time")
	line("Hours", "duration_hours")
	line("Deposit", "deposit_paid")
	line("Total", "total")
	line("Coupon", "coupon_code")
	line("Reason", "reason")
	line("Previous start", "old_start_time")
	if msg.BookingID != "" {
		fmt.Fprintf(&b, "\n<code>%s</code>", html.EscapeString(msg.BookingID))
	}
	return b.String()
}
