package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrSlotTaken = errors.New("slot already booked")

// studioSlotLockKey serializes slot checks for the single studio room.
const studioSlotLockKey int64 = 0x5d_b00c

type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const bookingColumns = `
	id, first_name, last_name, artist_name, email, phone,
	start_time, end_time, duration_hours,
	deposit_amount, total_amount, remainder_amount, actual_deposit_paid, discount_amount, coupon_code,
	same_day_fee, same_day_fee_amount, after_hours_fee, after_hours_fee_amount,
	checkout_session_id, payment_intent_id, customer_id,
	status, approved_at, rejected_at, rejected_reason, cancelled_at, cancellation_reason, admin_notes,
	reminder_sent_at, created_at, updated_at`

type CreateBookingInput struct {
	ID                  string
	FirstName           string
	LastName            string
	ArtistName          string
	Email               string
	Phone               *string
	StartTime           time.Time
	DurationHours       int
	DepositAmount       int64
	TotalAmount         int64
	DiscountAmount      int64
	CouponCode          *string
	SameDayFee          bool
	SameDayFeeAmount    int64
	AfterHoursFee       bool
	AfterHoursFeeAmount int64
	CheckoutSessionID   *string
	Status              models.BookingStatus
	ApprovedAt          *time.Time
	AdminNotes          string
}

type AuditInput struct {
	Action      string
	PerformedBy string
	Details     map[string]any
}

// BookingPatch lists the columns a transition may set. Nil fields are left
// untouched. Changing StartTime recomputes end_time from duration_hours.
type BookingPatch struct {
	Status             *models.BookingStatus
	StartTime          *time.Time
	PaymentIntentID    *string
	CustomerID         *string
	CouponCode         *string
	DiscountAmount     *int64
	ActualDepositPaid  *int64
	ApprovedAt         *time.Time
	RejectedAt         *time.Time
	RejectedReason     *string
	CancelledAt        *time.Time
	CancellationReason *string
	AppendAdminNote    *string
}

type TransitionInput struct {
	BookingID    string
	FromStatuses []models.BookingStatus
	Patch        BookingPatch
	Audit        AuditInput
}

type BookingListFilter struct {
	Status    string
	Email     string
	Timeframe string
	Limit     int
	Offset    int
}

type BookingRepository struct {
	db DBTX
}

func NewBookingRepository(db DBTX) *BookingRepository {
	return &BookingRepository{db: db}
}

// CreateIfAvailable inserts the booking and its first audit entry after
// re-checking the slot under an advisory lock.
func (r *BookingRepository) CreateIfAvailable(
	ctx context.Context,
	input CreateBookingInput,
	audit AuditInput,
) (*models.Booking, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", studioSlotLockKey); err != nil {
		return nil, err
	}

	txRepo := NewBookingRepository(tx)
	conflict, err := txRepo.HasConflict(ctx, input.StartTime.UTC(), input.DurationHours, "")
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, ErrSlotTaken
	}

	details, err := encodeDetails(audit.Details)
	if err != nil {
		return nil, err
	}

	remainder := models.Remainder(input.TotalAmount, input.DepositAmount, input.DurationHours)
	query := `
		WITH inserted AS (
			INSERT INTO bookings (
				id, first_name, last_name, artist_name, email, phone,
				start_time, end_time, duration_hours,
				deposit_amount, total_amount, remainder_amount, discount_amount, coupon_code,
				same_day_fee, same_day_fee_amount, after_hours_fee, after_hours_fee_amount,
				checkout_session_id, status, approved_at, admin_notes
			)
			VALUES (
				$1, $2, $3, $4, $5, $6,
				$7::timestamptz, $7::timestamptz + ($8::int * INTERVAL '1 hour'), $8,
				$9, $10, $11, $12, $13,
				$14, $15, $16, $17,
				$18, $19, $20, $21
			)
			RETURNING ` + bookingColumns + `
		), audit AS (
			INSERT INTO booking_audit_log (booking_id, action, performed_by, details)
			SELECT id, $22, $23, $24::jsonb FROM inserted
		)
		SELECT ` + bookingColumns + ` FROM inserted
	`
	booking, err := scanBooking(tx.QueryRow(
		ctx,
		query,
		input.ID,
		input.FirstName,
		input.LastName,
		input.ArtistName,
		input.Email,
		input.Phone,
		input.StartTime.UTC(),
		input.DurationHours,
		input.DepositAmount,
		input.TotalAmount,
		remainder,
		input.DiscountAmount,
		input.CouponCode,
		input.SameDayFee,
		input.SameDayFeeAmount,
		input.AfterHoursFee,
		input.AfterHoursFeeAmount,
		input.CheckoutSessionID,
		string(input.Status),
		input.ApprovedAt,
		input.AdminNotes,
		audit.Action,
		audit.PerformedBy,
		details,
	))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return booking, nil
}

func (r *BookingRepository) GetByID(ctx context.Context, id string) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	return scanBooking(r.db.QueryRow(ctx, query, id))
}

func (r *BookingRepository) GetByCheckoutSessionID(ctx context.Context, sessionID string) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE checkout_session_id = $1`
	return scanBooking(r.db.QueryRow(ctx, query, sessionID))
}

// HasConflict reports whether a booking that still holds its slot overlaps
// the requested interval. Cancelled and rejected rows are ignored, as are
// placeholder (TBD) rows.
func (r *BookingRepository) HasConflict(
	ctx context.Context,
	start time.Time,
	durationHours int,
	excludedID string,
) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM bookings
			WHERE status NOT IN ('cancelled', 'rejected')
			  AND ($4 = '' OR id::text <> $4)
			  AND start_time < $5::timestamptz
			  AND start_time < ($1::timestamptz + ($2::int * INTERVAL '1 hour'))
			  AND end_time > $1::timestamptz
			  AND $3
		)
	`
	var hasConflict bool
	err := r.db.QueryRow(
		ctx,
		query,
		start.UTC(),
		durationHours,
		start.Before(models.TBDPlaceholder),
		excludedID,
		models.TBDPlaceholder,
	).Scan(&hasConflict)
	if err != nil {
		return false, err
	}
	return hasConflict, nil
}

// Transition applies the patch only while the booking is in one of the
// FromStatuses (any status when empty) and writes the audit entry in the
// same statement. pgx.ErrNoRows means the row is missing or has moved on.
func (r *BookingRepository) Transition(ctx context.Context, input TransitionInput) (*models.Booking, error) {
	args := []any{input.BookingID}
	setParts := make([]string, 0, 12)
	set := func(column string, value any) {
		args = append(args, value)
		setParts = append(setParts, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	patch := input.Patch
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.StartTime != nil {
		args = append(args, patch.StartTime.UTC())
		n := len(args)
		setParts = append(setParts,
			fmt.Sprintf("start_time = $%d::timestamptz", n),
			fmt.Sprintf("end_time = $%d::timestamptz + (duration_hours * INTERVAL '1 hour')", n),
			"reminder_sent_at = NULL",
		)
	}
	if patch.PaymentIntentID != nil {
		set("payment_intent_id", *patch.PaymentIntentID)
	}
	if patch.CustomerID != nil {
		set("customer_id", *patch.CustomerID)
	}
	if patch.CouponCode != nil {
		set("coupon_code", *patch.CouponCode)
	}
	if patch.DiscountAmount != nil {
		set("discount_amount", *patch.DiscountAmount)
	}
	if patch.ActualDepositPaid != nil {
		set("actual_deposit_paid", *patch.ActualDepositPaid)
	}
	if patch.ApprovedAt != nil {
		set("approved_at", patch.ApprovedAt.UTC())
	}
	if patch.RejectedAt != nil {
		set("rejected_at", patch.RejectedAt.UTC())
	}
	if patch.RejectedReason != nil {
		set("rejected_reason", *patch.RejectedReason)
	}
	if patch.CancelledAt != nil {
		set("cancelled_at", patch.CancelledAt.UTC())
	}
	if patch.CancellationReason != nil {
		set("cancellation_reason", *patch.CancellationReason)
	}
	if patch.AppendAdminNote != nil {
		args = append(args, *patch.AppendAdminNote)
		setParts = append(setParts, fmt.Sprintf(
			"admin_notes = CASE WHEN admin_notes = '' THEN $%d ELSE admin_notes || E'\\n' || $%d END",
			len(args), len(args),
		))
	}
	setParts = append(setParts, "updated_at = NOW()")

	whereParts := []string{"id = $1"}
	if len(input.FromStatuses) > 0 {
		statuses := make([]string, 0, len(input.FromStatuses))
		for _, status := range input.FromStatuses {
			statuses = append(statuses, string(status))
		}
		args = append(args, statuses)
		whereParts = append(whereParts, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	details, err := encodeDetails(input.Audit.Details)
	if err != nil {
		return nil, err
	}
	args = append(args, input.Audit.Action, input.Audit.PerformedBy, details)
	n := len(args)

	query := fmt.Sprintf(`
		WITH updated AS (
			UPDATE bookings
			SET %s
			WHERE %s
			RETURNING %s
		), audit AS (
			INSERT INTO booking_audit_log (booking_id, action, performed_by, details)
			SELECT id, $%d, $%d, $%d::jsonb FROM updated
		)
		SELECT %s FROM updated
	`,
		strings.Join(setParts, ", "),
		strings.Join(whereParts, " AND "),
		bookingColumns,
		n-2, n-1, n,
		bookingColumns,
	)

	return scanBooking(r.db.QueryRow(ctx, query, args...))
}

// RescheduleIfAvailable moves a booking to Patch.StartTime after checking,
// under the same lock as CreateIfAvailable, that no other booking overlaps.
func (r *BookingRepository) RescheduleIfAvailable(
	ctx context.Context,
	input TransitionInput,
	durationHours int,
) (*models.Booking, error) {
	if input.Patch.StartTime == nil {
		return nil, errors.New("reschedule requires a start time")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", studioSlotLockKey); err != nil {
		return nil, err
	}

	txRepo := NewBookingRepository(tx)
	conflict, err := txRepo.HasConflict(ctx, input.Patch.StartTime.UTC(), durationHours, input.BookingID)
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, ErrSlotTaken
	}

	booking, err := txRepo.Transition(ctx, input)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return booking, nil
}

// ListAbandoned returns unpaid holds created before the cutoff.
func (r *BookingRepository) ListAbandoned(ctx context.Context, cutoff time.Time, limit int) ([]models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE status = 'pending_deposit'
		  AND payment_intent_id IS NULL
		  AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	return r.queryBookings(ctx, query, cutoff.UTC(), limit)
}

// DeleteAbandoned removes the hold only if it is still unpaid.
func (r *BookingRepository) DeleteAbandoned(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM bookings
		WHERE id = $1
		  AND status = 'pending_deposit'
		  AND payment_intent_id IS NULL
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *BookingRepository) ListConfirmedStartingBetween(
	ctx context.Context,
	from time.Time,
	to time.Time,
	limit int,
) ([]models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE status = 'confirmed'
		  AND reminder_sent_at IS NULL
		  AND start_time >= $1
		  AND start_time < $2
		ORDER BY start_time ASC
		LIMIT $3
	`
	return r.queryBookings(ctx, query, from.UTC(), to.UTC(), limit)
}

// MarkReminderSent claims the reminder for a booking. Only the first caller
// gets true, so overlapping or repeated sweeps send once.
func (r *BookingRepository) MarkReminderSent(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE bookings
		SET reminder_sent_at = NOW()
		WHERE id = $1
		  AND status = 'confirmed'
		  AND reminder_sent_at IS NULL
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ClearReminderSent hands the reminder back to the next sweep.
func (r *BookingRepository) ClearReminderSent(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `UPDATE bookings SET reminder_sent_at = NULL WHERE id = $1`, id)
	return err
}

func (r *BookingRepository) List(ctx context.Context, filter BookingListFilter) ([]models.Booking, error) {
	args := []any{}
	whereParts := []string{"TRUE"}

	if status := strings.TrimSpace(filter.Status); status != "" {
		args = append(args, status)
		whereParts = append(whereParts, fmt.Sprintf("status = $%d", len(args)))
	}
	if email := strings.TrimSpace(filter.Email); email != "" {
		args = append(args, strings.ToLower(email))
		whereParts = append(whereParts, fmt.Sprintf("lower(email) = $%d", len(args)))
	}
	switch strings.TrimSpace(filter.Timeframe) {
	case "upcoming":
		whereParts = append(whereParts, "end_time > NOW()")
	case "past":
		whereParts = append(whereParts, "end_time <= NOW()")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	query := fmt.Sprintf(`
		SELECT %s
		FROM bookings
		WHERE %s
		ORDER BY start_time ASC, id ASC
		LIMIT $%d OFFSET $%d
	`, bookingColumns, strings.Join(whereParts, " AND "), len(args)-1, len(args))

	return r.queryBookings(ctx, query, args...)
}

func (r *BookingRepository) queryBookings(ctx context.Context, query string, args ...any) ([]models.Booking, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bookings := make([]models.Booking, 0)
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *booking)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bookings, nil
}

func scanBooking(row pgx.Row) (*models.Booking, error) {
	var (
		booking models.Booking
		status  string
	)
	err := row.Scan(
		&booking.ID,
		&booking.FirstName,
		&booking.LastName,
		&booking.ArtistName,
		&booking.Email,
		&booking.Phone,
		&booking.StartTime,
		&booking.EndTime,
		&booking.DurationHours,
		&booking.DepositAmount,
		&booking.TotalAmount,
		&booking.RemainderAmount,
		&booking.ActualDepositPaid,
		&booking.DiscountAmount,
		&booking.CouponCode,
		&booking.SameDayFee,
		&booking.SameDayFeeAmount,
		&booking.AfterHoursFee,
		&booking.AfterHoursFeeAmount,
		&booking.CheckoutSessionID,
		&booking.PaymentIntentID,
		&booking.CustomerID,
		&status,
		&booking.ApprovedAt,
		&booking.RejectedAt,
		&booking.RejectedReason,
		&booking.CancelledAt,
		&booking.CancellationReason,
		&booking.AdminNotes,
		&booking.ReminderSentAt,
		&booking.CreatedAt,
		&booking.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	booking.Status = models.BookingStatus(status)
	return &booking, nil
}

func encodeDetails(details map[string]any) (string, error) {
	if details == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encode audit details: %w", err)
	}
	return string(encoded), nil
}
