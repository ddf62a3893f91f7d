// Package notify delivers lifecycle notifications. Delivery failures never
// reach the caller: the Dispatcher logs and records them instead.
package notify

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/models"
	"github.com/shopspring/decimal"
)

type Template string

const (
	TemplateAdminApprovalRequest  Template = "admin_approval_request"
	TemplateAdminBookingConfirmed Template = "admin_booking_confirmed"
	TemplateAdminBookingCancelled Template = "admin_booking_cancelled"
	TemplateAdminStartTimeUpdated Template = "admin_start_time_updated"
	TemplateAdminSessionReminder  Template = "admin_session_reminder"

	TemplateBookingConfirmed     Template = "booking_confirmed"
	TemplateBookingRejected      Template = "booking_rejected"
	TemplateBookingCancelled     Template = "booking_cancelled"
	TemplateStartTimeUpdated     Template = "start_time_updated"
	TemplateRescheduledTBD       Template = "rescheduled_tbd"
	TemplateSessionReminder      Template = "session_reminder"
	TemplateManualSessionCreated Template = "manual_session_created"
	TemplateRemainderCharged     Template = "remainder_charged"
)

const (
	AudienceAdmin    = "admin"
	AudienceCustomer = "customer"
)

func (t Template) Audience() string {
	if strings.HasPrefix(string(t), "admin_") {
		return AudienceAdmin
	}
	return AudienceCustomer
}

type Message struct {
	Template  Template          `json:"template"`
	Audience  string            `json:"audience"`
	Recipient string            `json:"recipient"`
	BookingID string            `json:"booking_id,omitempty"`
	Data      map[string]string `json:"data"`
	QueuedAt  time.Time         `json:"queued_at"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// FormatCents renders an integer cent amount as dollars, e.g. 5000 -> "$50.00".
func FormatCents(cents int64) string {
	return "$" + decimal.New(cents, -2).StringFixed(2)
}

// BookingData is the template payload shared by every booking message.
// Times are rendered in the studio's time zone.
func BookingData(b *models.Booking, loc *time.Location) map[string]string {
	if loc == nil {
		loc = time.UTC
	}
	data := map[string]string{
		"booking_id":     b.ID,
		"customer_name":  b.CustomerName(),
		"first_name":     b.FirstName,
		"email":          b.Email,
		"status":         string(b.Status),
		"duration_hours": strconv.Itoa(b.DurationHours),
		"deposit":        FormatCents(b.DepositAmount),
		"total":          FormatCents(b.TotalAmount),
		"remainder":      FormatCents(b.RemainderAmount),
		"deposit_paid":   FormatCents(b.ActualDepositPaid),
	}
	if b.IsTBD() {
		data["start_time"] = "TBD"
		data["end_time"] = "TBD"
	} else {
		data["start_time"] = b.StartTime.In(loc).Format("Mon Jan 2, 2006 3:04 PM")
		data["end_time"] = b.EndTime.In(loc).Format("3:04 PM")
	}
	if b.Phone != nil {
		data["phone"] = *b.Phone
	}
	if b.CouponCode != nil && *b.CouponCode != "" {
		data["coupon_code"] = *b.CouponCode
		data["discount"] = FormatCents(b.DiscountAmount)
	}
	return data
}
