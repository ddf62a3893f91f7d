package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/metrics"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/models"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/notify"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/payments"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type bookingStore interface {
	CreateIfAvailable(ctx context.Context, input repository.CreateBookingInput, audit repository.AuditInput) (*models.Booking, error)
	GetByID(ctx context.Context, id string) (*models.Booking, error)
	GetByCheckoutSessionID(ctx context.Context, sessionID string) (*models.Booking, error)
	HasConflict(ctx context.Context, start time.Time, durationHours int, excludedID string) (bool, error)
	Transition(ctx context.Context, input repository.TransitionInput) (*models.Booking, error)
	RescheduleIfAvailable(ctx context.Context, input repository.TransitionInput, durationHours int) (*models.Booking, error)
	ListAbandoned(ctx context.Context, cutoff time.Time, limit int) ([]models.Booking, error)
	DeleteAbandoned(ctx context.Context, id string) (bool, error)
	ListConfirmedStartingBetween(ctx context.Context, from time.Time, to time.Time, limit int) ([]models.Booking, error)
	MarkReminderSent(ctx context.Context, id string) (bool, error)
	ClearReminderSent(ctx context.Context, id string) error
	List(ctx context.Context, filter repository.BookingListFilter) ([]models.Booking, error)
}

type auditReader interface {
	ListByBookingID(ctx context.Context, bookingID string) ([]models.AuditLogEntry, error)
}

type failureStore interface {
	Record(ctx context.Context, failure models.WebhookFailure) error
	ListRecent(ctx context.Context, limit int) ([]models.WebhookFailure, error)
}

type eventLedger interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string, eventType string, bookingID string) error
}

type notificationDispatcher interface {
	Send(ctx context.Context, template notify.Template, recipient string, data map[string]string) bool
}

// BookingFeed receives every applied transition, e.g. for the admin live view.
type BookingFeed interface {
	Publish(action string, booking *models.Booking)
}

type BookingServiceConfig struct {
	Pricing        PricingConfig
	AdminEmail     string
	PublicBaseURL  string
	GatewayTimeout time.Duration
	DBTimeout      time.Duration
}

type BookingServiceDeps struct {
	Store    bookingStore
	Audit    auditReader
	Failures failureStore
	Events   eventLedger
	Gateway  payments.Gateway
	Notifier notificationDispatcher
	Feed     BookingFeed
	Logger   *logrus.Logger
	Now      func() time.Time
}

// BookingService owns every booking status change. Each change is a single
// conditional write that also appends the audit entry.
type BookingService struct {
	store    bookingStore
	audit    auditReader
	failures failureStore
	events   eventLedger
	gateway  payments.Gateway
	notifier notificationDispatcher
	feed     BookingFeed
	guard    *AvailabilityGuard
	cfg      BookingServiceConfig
	logger   *logrus.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

func NewBookingService(deps BookingServiceDeps, cfg BookingServiceConfig) *BookingService {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 15 * time.Second
	}
	if cfg.DBTimeout <= 0 {
		cfg.DBTimeout = 5 * time.Second
	}
	cfg.AdminEmail = strings.ToLower(strings.TrimSpace(cfg.AdminEmail))
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	return &BookingService{
		store:    deps.Store,
		audit:    deps.Audit,
		failures: deps.Failures,
		events:   deps.Events,
		gateway:  deps.Gateway,
		notifier: deps.Notifier,
		feed:     deps.Feed,
		guard:    NewAvailabilityGuard(deps.Store),
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("studio/bookings"),
		now:      now,
		newID:    uuid.NewString,
	}
}

type BookingListInput struct {
	Status    string
	Email     string
	Timeframe string
	Limit     int
	Offset    int
}

func (s *BookingService) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	return s.load(ctx, id)
}

// GetBookingForCustomer returns the booking only to the customer who made it.
func (s *BookingService) GetBookingForCustomer(ctx context.Context, id string, callerEmail string) (*models.Booking, error) {
	booking, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sameEmail(booking.Email, callerEmail) {
		return nil, ErrForbidden
	}
	return booking, nil
}

func (s *BookingService) GetBookingDetail(ctx context.Context, id string) (*models.BookingDetail, error) {
	booking, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	dbCtx, cancel := s.dbContext(ctx)
	defer cancel()
	entries, err := s.audit.ListByBookingID(dbCtx, id)
	if err != nil {
		return nil, persistenceError(err)
	}
	return &models.BookingDetail{Booking: *booking, AuditLog: entries}, nil
}

func (s *BookingService) ListBookings(ctx context.Context, input BookingListInput) ([]models.Booking, error) {
	status := strings.TrimSpace(input.Status)
	if status != "" && !models.BookingStatus(status).Valid() {
		return nil, validationError("unknown status %q", status)
	}
	timeframe := strings.TrimSpace(input.Timeframe)
	if timeframe != "" && timeframe != "upcoming" && timeframe != "past" {
		return nil, validationError("timeframe must be upcoming or past")
	}
	if input.Limit < 0 || input.Offset < 0 {
		return nil, validationError("limit and offset must not be negative")
	}
	if input.Limit > 200 {
		input.Limit = 200
	}

	dbCtx, cancel := s.dbContext(ctx)
	defer cancel()
	bookings, err := s.store.List(dbCtx, repository.BookingListFilter{
		Status:    status,
		Email:     input.Email,
		Timeframe: timeframe,
		Limit:     input.Limit,
		Offset:    input.Offset,
	})
	if err != nil {
		return nil, persistenceError(err)
	}
	return bookings, nil
}

func (s *BookingService) ListFailures(ctx context.Context, limit int) ([]models.WebhookFailure, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	dbCtx, cancel := s.dbContext(ctx)
	defer cancel()
	failures, err := s.failures.ListRecent(dbCtx, limit)
	if err != nil {
		return nil, persistenceError(err)
	}
	return failures, nil
}

func (s *BookingService) dbContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.DBTimeout)
}

func (s *BookingService) load(ctx context.Context, id string) (*models.Booking, error) {
	id = strings.TrimSpace(id)
	if _, err := uuid.Parse(id); err != nil {
		return nil, validationError("invalid booking id")
	}

	dbCtx, cancel := s.dbContext(ctx)
	defer cancel()
	booking, err := s.store.GetByID(dbCtx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, persistenceError(err)
	}
	return booking, nil
}

// transition applies a conditional update. When the row has moved on it
// reloads it so the caller gets the status that blocked the change.
func (s *BookingService) transition(ctx context.Context, verb string, input repository.TransitionInput) (*models.Booking, error) {
	dbCtx, cancel := s.dbContext(ctx)
	booking, err := s.store.Transition(dbCtx, input)
	cancel()
	metrics.RecordTransition(input.Audit.Action, err)
	if err != nil {
		return s.reloadAfterStaleWrite(ctx, verb, input.BookingID, err)
	}
	s.publish(input.Audit.Action, booking)
	return booking, nil
}

func (s *BookingService) reloadAfterStaleWrite(ctx context.Context, verb string, id string, err error) (*models.Booking, error) {
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, persistenceError(err)
	}
	current, loadErr := s.load(ctx, id)
	if loadErr != nil {
		return nil, loadErr
	}
	return nil, invalidState(verb, current.Status)
}

func (s *BookingService) publish(action string, booking *models.Booking) {
	if s.feed != nil && booking != nil {
		s.feed.Publish(action, booking)
	}
}

// callGateway bounds a gateway call by GatewayTimeout and records its
// duration. The caller's cancellation does not abort a call in flight.
func (s *BookingService) callGateway(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.GatewayTimeout)
	defer cancel()

	callCtx, span := s.tracer.Start(callCtx, "gateway."+op)
	defer span.End()

	started := s.now()
	err := fn(callCtx)
	metrics.ObserveGatewayCall(op, time.Since(started).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// recordFailure writes a triage row. It never fails the caller.
func (s *BookingService) recordFailure(ctx context.Context, failureType string, bookingID string, eventID string, err error) {
	failure := models.WebhookFailure{FailureType: failureType, ErrorMessage: err.Error()}
	if bookingID != "" {
		failure.BookingID = &bookingID
	}
	if eventID != "" {
		failure.EventID = &eventID
	}

	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DBTimeout)
	defer cancel()
	if recordErr := s.failures.Record(dbCtx, failure); recordErr != nil {
		s.logger.WithFields(logrus.Fields{
			"failure_type": failureType,
			"booking_id":   bookingID,
		}).WithError(recordErr).Error("failed to record failure")
	}
}

func (s *BookingService) startSpan(ctx context.Context, name string, bookingID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("booking.id", bookingID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *BookingService) notifyCustomer(ctx context.Context, template notify.Template, booking *models.Booking, extra map[string]string) {
	s.send(ctx, template, booking.Email, booking, extra)
}

func (s *BookingService) notifyAdmin(ctx context.Context, template notify.Template, booking *models.Booking, extra map[string]string) {
	s.send(ctx, template, s.cfg.AdminEmail, booking, extra)
}

func (s *BookingService) send(ctx context.Context, template notify.Template, recipient string, booking *models.Booking, extra map[string]string) bool {
	if s.notifier == nil {
		return false
	}
	data := notify.BookingData(booking, s.cfg.Pricing.location())
	for key, value := range extra {
		data[key] = value
	}
	return s.notifier.Send(ctx, template, recipient, data)
}

func (s *BookingService) formatTime(t time.Time) string {
	if !t.Before(models.TBDPlaceholder) {
		return "TBD"
	}
	return t.In(s.cfg.Pricing.location()).Format("Mon Jan 2, 2006 3:04 PM")
}

func sameEmail(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}

func ptr[T any](value T) *T {
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
