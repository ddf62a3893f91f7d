package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/models"
)

type AuditRepository struct {
	db DBTX
}

func NewAuditRepository(db DBTX) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) ListByBookingID(ctx context.Context, bookingID string) ([]models.AuditLogEntry, error) {
	query := `
		SELECT id, booking_id, action, performed_by, details, created_at
		FROM booking_audit_log
		WHERE booking_id = $1
		ORDER BY id ASC
	`
	rows, err := r.db.Query(ctx, query, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]models.AuditLogEntry, 0)
	for rows.Next() {
		var (
			entry   models.AuditLogEntry
			details []byte
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.BookingID,
			&entry.Action,
			&entry.PerformedBy,
			&details,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *AuditRepository) CountByAction(ctx context.Context, bookingID string, action string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM booking_audit_log WHERE booking_id = $1 AND action = $2
	`, bookingID, action).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
