package models

import "time"

const (
	ActionCheckoutCreated     = "checkout_created"
	ActionAdminSessionCreated = "admin_session_created"
	ActionPaymentAuthorized   = "payment_authorized"
	ActionApproved            = "approved"
	ActionRejected            = "rejected"
	ActionCancelled           = "cancelled"
	ActionRemainderCharged    = "remainder_charged"
	ActionCompleted           = "completed"
	ActionStartTimeUpdated    = "start_time_updated"
	ActionRescheduledTBD      = "rescheduled_tbd"
	ActionPaymentRefreshed    = "payment_refreshed"
)

const (
	PerformedBySystem  = "system"
	PerformedByWebhook = "webhook"
	PerformedByAdmin   = "admin"
)

type AuditLogEntry struct {
	ID          int64          `json:"id"`
	BookingID   string         `json:"booking_id"`
	Action      string         `json:"action"`
	PerformedBy string         `json:"performed_by"`
	Details     map[string]any `json:"details"`
	CreatedAt   time.Time      `json:"created_at"`
}

const (
	FailureEmailSend       = "email_send_failed"
	FailurePaymentCancel   = "payment_cancel_failed"
	FailureRefund          = "refund_failed"
	FailureBookingNotFound = "booking_not_found"
	FailureWebhookHandling = "webhook_processing_failed"
)

type WebhookFailure struct {
	ID           int64     `json:"id"`
	FailureType  string    `json:"failure_type"`
	BookingID    *string   `json:"booking_id"`
	EventID      *string   `json:"event_id"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}
