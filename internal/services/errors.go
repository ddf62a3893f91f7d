package services

import (
	"errors"
	"fmt"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/models"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrConflict         = errors.New("conflict")
	ErrUpstreamGateway  = errors.New("payment gateway error")
	ErrPersistence      = errors.New("persistence error")
	ErrForbidden        = errors.New("forbidden")
	ErrWebhookSignature = errors.New("webhook signature verification failed")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func invalidState(verb string, status models.BookingStatus) error {
	return fmt.Errorf("%w: booking cannot be %s, current status: %s", ErrInvalidState, verb, status)
}

func gatewayError(err error) error {
	return fmt.Errorf("%w: %w", ErrUpstreamGateway, err)
}

func persistenceError(err error) error {
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
