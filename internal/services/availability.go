package services

import (
	"context"
	"fmt"
	"time"
)

type slotChecker interface {
	HasConflict(ctx context.Context, start time.Time, durationHours int, excludedID string) (bool, error)
}

// AvailabilityGuard rejects a slot that overlaps any non-cancelled booking.
// The repository repeats the same check under a lock when writing.
type AvailabilityGuard struct {
	store slotChecker
}

func NewAvailabilityGuard(store slotChecker) *AvailabilityGuard {
	return &AvailabilityGuard{store: store}
}

func (g *AvailabilityGuard) Check(ctx context.Context, start time.Time, durationHours int, excludedID string) error {
	conflict, err := g.store.HasConflict(ctx, start.UTC(), durationHours, excludedID)
	if err != nil {
		return persistenceError(err)
	}
	if conflict {
		return fmt.Errorf("%w: the requested time slot is already booked", ErrConflict)
	}
	return nil
}
