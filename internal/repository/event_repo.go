package repository

import (
	"context"
)

// EventRepository is the local ledger of gateway events already applied.
type EventRepository struct {
	db DBTX
}

func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM processed_gateway_events WHERE event_id = $1)
	`, eventID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *EventRepository) MarkProcessed(ctx context.Context, eventID string, eventType string, bookingID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO processed_gateway_events (event_id, event_type, booking_id)
		VALUES ($1, $2, NULLIF($3, '')::uuid)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType, bookingID)
	return err
}
