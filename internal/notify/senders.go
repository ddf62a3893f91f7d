package notify

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// LogSender writes messages to the log. Used in development and for
// customer email until a mail provider is wired.
type LogSender struct {
	logger *logrus.Logger
}

func NewLogSender(logger *logrus.Logger) *LogSender {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.WithFields(logrus.Fields{
		"template":   msg.Template,
		"audience":   msg.Audience,
		"recipient":  msg.Recipient,
		"booking_id": msg.BookingID,
	}).Info("notification")
	return nil
}

// AudienceRouter picks a sender by message audience.
type AudienceRouter struct {
	admin    Sender
	customer Sender
}

func NewAudienceRouter(admin Sender, customer Sender) *AudienceRouter {
	return &AudienceRouter{admin: admin, customer: customer}
}

func (r *AudienceRouter) Send(ctx context.Context, msg Message) error {
	target := r.customer
	if msg.Audience == AudienceAdmin {
		target = r.admin
	}
	if target == nil {
		return fmt.Errorf("no sender for audience %q", msg.Audience)
	}
	return target.Send(ctx, msg)
}
