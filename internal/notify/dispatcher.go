package notify

import (
	"context"
	"time"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/metrics"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/models"
	"github.com/sirupsen/logrus"
)

type FailureRecorder interface {
	Record(ctx context.Context, failure models.WebhookFailure) error
}

// Dispatcher sends synchronously with a bounded timeout and swallows every
// delivery error after logging it and recording an email_send_failed row.
// Send reports whether the message was handed off.
type Dispatcher struct {
	sender   Sender
	failures FailureRecorder
	logger   *logrus.Logger
	timeout  time.Duration
	now      func() time.Time
}

func NewDispatcher(sender Sender, failures FailureRecorder, logger *logrus.Logger, timeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		sender:   sender,
		failures: failures,
		logger:   logger,
		timeout:  timeout,
		now:      time.Now,
	}
}

func (d *Dispatcher) Send(ctx context.Context, template Template, recipient string, data map[string]string) bool {
	if d == nil || d.sender == nil {
		return false
	}

	msg := Message{
		Template:  template,
		Audience:  template.Audience(),
		Recipient: recipient,
		BookingID: data["booking_id"],
		Data:      data,
		QueuedAt:  d.now().UTC(),
	}

	fields := logrus.Fields{
		"template":   template,
		"recipient":  recipient,
		"booking_id": msg.BookingID,
	}

	if recipient == "" {
		d.logger.WithFields(fields).Warn("notification skipped: no recipient")
		return false
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	err := d.sender.Send(sendCtx, msg)
	metrics.RecordNotification(string(template), err)
	if err == nil {
		d.logger.WithFields(fields).Debug("notification sent")
		return true
	}

	d.logger.WithFields(fields).WithError(err).Error("notification send failed")
	if d.failures == nil {
		return false
	}

	failure := models.WebhookFailure{
		FailureType:  models.FailureEmailSend,
		ErrorMessage: string(template) + " to " + recipient + ": " + err.Error(),
	}
	if msg.BookingID != "" {
		bookingID := msg.BookingID
		failure.BookingID = &bookingID
	}

	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancelRecord()
	if recordErr := d.failures.Record(recordCtx, failure); recordErr != nil {
		d.logger.WithFields(fields).WithError(recordErr).Error("failed to record notification failure")
	}
	return false
}
