package repository

import (
	"context"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/models"
)

type FailureRepository struct {
	db DBTX
}

func NewFailureRepository(db DBTX) *FailureRepository {
	return &FailureRepository{db: db}
}

func (r *FailureRepository) Record(ctx context.Context, failure models.WebhookFailure) error {
	// Failures can outlive the booking they mention.
	query := `
		INSERT INTO webhook_failures (failure_type, booking_id, event_id, error_message)
		VALUES (
			$1,
			(SELECT id FROM bookings WHERE id::text = $2),
			$3,
			$4
		)
	`
	var bookingID string
	if failure.BookingID != nil {
		bookingID = *failure.BookingID
	}
	_, err := r.db.Exec(ctx, query, failure.FailureType, bookingID, failure.EventID, failure.ErrorMessage)
	return err
}

func (r *FailureRepository) ListRecent(ctx context.Context, limit int) ([]models.WebhookFailure, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, failure_type, booking_id::text, event_id, error_message, created_at
		FROM webhook_failures
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	failures := make([]models.WebhookFailure, 0)
	for rows.Next() {
		var failure models.WebhookFailure
		if err := rows.Scan(
			&failure.ID,
			&failure.FailureType,
			&failure.BookingID,
			&failure.EventID,
			&failure.ErrorMessage,
			&failure.CreatedAt,
		); err != nil {
			return nil, err
		}
		failures = append(failures, failure)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return failures, nil
}
