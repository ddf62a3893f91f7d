package models

import "time"

type BookingStatus string

const (
	StatusPendingDeposit  BookingStatus = "pending_deposit"
	StatusPendingApproval BookingStatus = "pending_approval"
	StatusConfirmed       BookingStatus = "confirmed"
	StatusCompleted       BookingStatus = "completed"
	StatusRejected        BookingStatus = "rejected"
	StatusCancelled       BookingStatus = "cancelled"
)

func (s BookingStatus) Valid() bool {
	switch s {
	case StatusPendingDeposit, StatusPendingApproval, StatusConfirmed,
		StatusCompleted, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further status change is possible.
func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusCancelled
}

// HoldsSlot reports whether a booking in this status still occupies its
// studio time. Cancelled and rejected sessions release it.
func (s BookingStatus) HoldsSlot() bool {
	return s != StatusCancelled && s != StatusRejected
}

// TBDPlaceholder is the start time given to bookings whose real date is
// still being negotiated with the customer. Rows at or after it never
// take part in slot conflicts.
var TBDPlaceholder = time.Date(2099, time.December, 31, 0, 0, 0, 0, time.UTC)

type Booking struct {
	ID         string  `json:"id"`
	FirstName  string  `json:"first_name"`
	LastName   string  `json:"last_name"`
	ArtistName string  `json:"artist_name"`
	Email      string  `json:"email"`
	Phone      *string `json:"phone"`

	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	DurationHours int       `json:"duration_hours"`

	DepositAmount     int64   `json:"deposit_amount"`
	TotalAmount       int64   `json:"total_amount"`
	RemainderAmount   int64   `json:"remainder_amount"`
	ActualDepositPaid int64   `json:"actual_deposit_paid"`
	DiscountAmount    int64   `json:"discount_amount"`
	CouponCode        *string `json:"coupon_code"`

	SameDayFee          bool  `json:"same_day_fee"`
	SameDayFeeAmount    int64 `json:"same_day_fee_amount"`
	AfterHoursFee       bool  `json:"after_hours_fee"`
	AfterHoursFeeAmount int64 `json:"after_hours_fee_amount"`

	CheckoutSessionID *string `json:"checkout_session_id"`
	PaymentIntentID   *string `json:"payment_intent_id"`
	CustomerID        *string `json:"customer_id"`

	Status             BookingStatus `json:"status"`
	ApprovedAt         *time.Time    `json:"approved_at"`
	RejectedAt         *time.Time    `json:"rejected_at"`
	RejectedReason     *string       `json:"rejected_reason"`
	CancelledAt        *time.Time    `json:"cancelled_at"`
	CancellationReason *string       `json:"cancellation_reason"`
	AdminNotes         string        `json:"admin_notes"`
	ReminderSentAt     *time.Time    `json:"reminder_sent_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *Booking) CustomerName() string {
	if b.ArtistName != "" {
		return b.ArtistName
	}
	return b.FirstName + " " + b.LastName
}

func (b *Booking) IsTBD() bool {
	return !b.StartTime.Before(TBDPlaceholder)
}

// EndFor returns the end of a session of the given whole-hour length.
func EndFor(start time.Time, durationHours int) time.Time {
	return start.Add(time.Duration(durationHours) * time.Hour)
}

// Remainder is the balance billed after the session. One-hour sessions are
// paid in full up front.
func Remainder(total, deposit int64, durationHours int) int64 {
	if durationHours == 1 {
		return 0
	}
	if total-deposit < 0 {
		return 0
	}
	return total - deposit
}

type BookingDetail struct {
	Booking
	AuditLog []AuditLogEntry `json:"audit_log"`
}
