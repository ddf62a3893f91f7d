package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/colemarcuccilli/SweetDreams-sub001/internal/models"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/notify"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/payments"
	"github.com/colemarcuccilli/SweetDreams-sub001/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

var testNow = time.Date(2030, time.March, 11, 15, 0, 0, 0, time.UTC)

// memoryStore mirrors the repository's conditional-write contract: a
// transition only applies from the listed statuses and always writes its
// audit entry together with the row.
type memoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	bookings map[string]*models.Booking
	audit    []models.AuditLogEntry
	failErr  error
}

func newMemoryStore(now func() time.Time) *memoryStore {
	return &memoryStore{now: now, bookings: map[string]*models.Booking{}}
}

func (m *memoryStore) put(b models.Booking) *models.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.EndTime = models.EndFor(b.StartTime, b.DurationHours)
	if b.CreatedAt.IsZero() {
		b.CreatedAt = m.now()
	}
	b.UpdatedAt = b.CreatedAt
	m.bookings[b.ID] = &b
	copied := b
	return &copied
}

func (m *memoryStore) get(id string) *models.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil
	}
	copied := *b
	return &copied
}

func (m *memoryStore) auditActions(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	actions := []string{}
	for _, entry := range m.audit {
		if entry.BookingID == id {
			actions = append(actions, entry.Action)
		}
	}
	return actions
}

func (m *memoryStore) appendAudit(bookingID string, audit repository.AuditInput) {
	m.audit = append(m.audit, models.AuditLogEntry{
		ID:          int64(len(m.audit) + 1),
		BookingID:   bookingID,
		Action:      audit.Action,
		PerformedBy: audit.PerformedBy,
		Details:     audit.Details,
		CreatedAt:   m.now(),
	})
}

func (m *memoryStore) conflictLocked(start time.Time, hours int, excludedID string) bool {
	if !start.Before(models.TBDPlaceholder) {
		return false
	}
	end := models.EndFor(start, hours)
	for id, b := range m.bookings {
		if id == excludedID || !b.Status.HoldsSlot() || !b.StartTime.Before(models.TBDPlaceholder) {
			continue
		}
		if b.StartTime.Before(end) && b.EndTime.After(start) {
			return true
		}
	}
	return false
}

func (m *memoryStore) CreateIfAvailable(_ context.Context, input repository.CreateBookingInput, audit repository.AuditInput) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	if m.conflictLocked(input.StartTime, input.DurationHours, "") {
		return nil, repository.ErrSlotTaken
	}

	b := &models.Booking{
		ID:                  input.ID,
		FirstName:           input.FirstName,
		LastName:            input.LastName,
		ArtistName:          input.ArtistName,
		Email:               input.Email,
		Phone:               input.Phone,
		StartTime:           input.StartTime,
		EndTime:             models.EndFor(input.StartTime, input.DurationHours),
		DurationHours:       input.DurationHours,
		DepositAmount:       input.DepositAmount,
		TotalAmount:         input.TotalAmount,
		RemainderAmount:     models.Remainder(input.TotalAmount, input.DepositAmount, input.DurationHours),
		DiscountAmount:      input.DiscountAmount,
		CouponCode:          input.CouponCode,
		SameDayFee:          input.SameDayFee,
		SameDayFeeAmount:    input.SameDayFeeAmount,
		AfterHoursFee:       input.AfterHoursFee,
		AfterHoursFeeAmount: input.AfterHoursFeeAmount,
		CheckoutSessionID:   input.CheckoutSessionID,
		Status:              input.Status,
		ApprovedAt:          input.ApprovedAt,
		AdminNotes:          input.AdminNotes,
		CreatedAt:           m.now(),
		UpdatedAt:           m.now(),
	}
	m.bookings[b.ID] = b
	m.appendAudit(b.ID, audit)
	copied := *b
	return &copied, nil
}

func (m *memoryStore) GetByID(_ context.Context, id string) (*models.Booking, error) {
	if b := m.get(id); b != nil {
		return b, nil
	}
	return nil, pgx.ErrNoRows
}

func (m *memoryStore) GetByCheckoutSessionID(_ context.Context, sessionID string) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bookings {
		if b.CheckoutSessionID != nil && *b.CheckoutSessionID == sessionID {
			copied := *b
			return &copied, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memoryStore) HasConflict(_ context.Context, start time.Time, hours int, excludedID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conflictLocked(start, hours, excludedID), nil
}

func (m *memoryStore) Transition(_ context.Context, input repository.TransitionInput) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(input)
}

func (m *memoryStore) transitionLocked(input repository.TransitionInput) (*models.Booking, error) {
	if m.failErr != nil {
		return nil, m.failErr
	}
	b, ok := m.bookings[input.BookingID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	if len(input.FromStatuses) > 0 {
		allowed := false
		for _, status := range input.FromStatuses {
			if b.Status == status {
				allowed = true
			}
		}
		if !allowed {
			return nil, pgx.ErrNoRows
		}
	}

	p := input.Patch
	if p.Status != nil {
		b.Status = *p.Status
	}
	if p.StartTime != nil {
		b.StartTime = p.StartTime.UTC()
		b.EndTime = models.EndFor(b.StartTime, b.DurationHours)
		b.ReminderSentAt = nil
	}
	if p.PaymentIntentID != nil {
		b.PaymentIntentID = ptr(*p.PaymentIntentID)
	}
	if p.CustomerID != nil {
		b.CustomerID = ptr(*p.CustomerID)
	}
	if p.CouponCode != nil {
		b.CouponCode = ptr(*p.CouponCode)
	}
	if p.DiscountAmount != nil {
		b.DiscountAmount = *p.DiscountAmount
	}
	if p.ActualDepositPaid != nil {
		b.ActualDepositPaid = *p.ActualDepositPaid
	}
	if p.ApprovedAt != nil {
		b.ApprovedAt = ptr(*p.ApprovedAt)
	}
	if p.RejectedAt != nil {
		b.RejectedAt = ptr(*p.RejectedAt)
	}
	if p.RejectedReason != nil {
		b.RejectedReason = ptr(*p.RejectedReason)
	}
	if p.CancelledAt != nil {
		b.CancelledAt = ptr(*p.CancelledAt)
	}
	if p.CancellationReason != nil {
		b.CancellationReason = ptr(*p.CancellationReason)
	}
	if p.AppendAdminNote != nil {
		if b.AdminNotes == "" {
			b.AdminNotes = *p.AppendAdminNote
		} else {
			b.AdminNotes += "\n" + *p.AppendAdminNote
		}
	}
	b.UpdatedAt = m.now()
	m.appendAudit(b.ID, input.Audit)

	copied := *b
	return &copied, nil
}

func (m *memoryStore) RescheduleIfAvailable(_ context.Context, input repository.TransitionInput, hours int) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if input.Patch.StartTime == nil {
		return nil, errors.New("reschedule requires a start time")
	}
	if m.conflictLocked(*input.Patch.StartTime, hours, input.BookingID) {
		return nil, repository.ErrSlotTaken
	}
	return m.transitionLocked(input)
}

func (m *memoryStore) ListAbandoned(_ context.Context, cutoff time.Time, limit int) ([]models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := []models.Booking{}
	for _, b := range m.bookings {
		if b.Status == models.StatusPendingDeposit && b.PaymentIntentID == nil && b.CreatedAt.Before(cutoff) {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *memoryStore) DeleteAbandoned(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok || b.Status != models.StatusPendingDeposit || b.PaymentIntentID != nil {
		return false, nil
	}
	delete(m.bookings, id)
	return true, nil
}

func (m *memoryStore) ListConfirmedStartingBetween(_ context.Context, from time.Time, to time.Time, limit int) ([]models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := []models.Booking{}
	for _, b := range m.bookings {
		if b.Status == models.StatusConfirmed && b.ReminderSentAt == nil && !b.StartTime.Before(from) && b.StartTime.Before(to) {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime.Before(result[j].StartTime) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *memoryStore) MarkReminderSent(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return false, m.failErr
	}
	b, ok := m.bookings[id]
	if !ok || b.Status != models.StatusConfirmed || b.ReminderSentAt != nil {
		return false, nil
	}
	b.ReminderSentAt = ptr(m.now())
	return true, nil
}

func (m *memoryStore) ClearReminderSent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bookings[id]; ok {
		b.ReminderSentAt = nil
	}
	return nil
}

func (m *memoryStore) List(_ context.Context, filter repository.BookingListFilter) ([]models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := []models.Booking{}
	for _, b := range m.bookings {
		if filter.Status != "" && string(b.Status) != filter.Status {
			continue
		}
		if filter.Email != "" && !strings.EqualFold(b.Email, filter.Email) {
			continue
		}
		result = append(result, *b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime.Before(result[j].StartTime) })
	return result, nil
}

func (m *memoryStore) ListByBookingID(_ context.Context, bookingID string) ([]models.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := []models.AuditLogEntry{}
	for _, entry := range m.audit {
		if entry.BookingID == bookingID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

type memoryFailures struct {
	mu       sync.Mutex
	failures []models.WebhookFailure
}

func (f *memoryFailures) Record(_ context.Context, failure models.WebhookFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failure)
	return nil
}

func (f *memoryFailures) ListRecent(_ context.Context, limit int) ([]models.WebhookFailure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) < limit {
		limit = len(f.failures)
	}
	return append([]models.WebhookFailure(nil), f.failures[:limit]...), nil
}

func (f *memoryFailures) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := []string{}
	for _, failure := range f.failures {
		types = append(types, failure.FailureType)
	}
	return types
}

type memoryLedger struct {
	mu     sync.Mutex
	events map[string]string
	// failNext makes that many MarkProcessed calls fail.
	failNext int
}

func (l *memoryLedger) IsProcessed(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.events[eventID]
	return ok, nil
}

func (l *memoryLedger) MarkProcessed(_ context.Context, eventID string, _ string, bookingID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext > 0 {
		l.failNext--
		return errors.New("ledger unavailable")
	}
	if l.events == nil {
		l.events = map[string]string{}
	}
	l.events[eventID] = bookingID
	return nil
}

type sentMessage struct {
	template  notify.Template
	recipient string
	data      map[string]string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[notify.Template]bool
}

func (n *recordingNotifier) Send(_ context.Context, template notify.Template, recipient string, data map[string]string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail[template] {
		return false
	}
	n.sent = append(n.sent, sentMessage{template: template, recipient: recipient, data: data})
	return true
}

func (n *recordingNotifier) count(template notify.Template) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, msg := range n.sent {
		if msg.template == template {
			count++
		}
	}
	return count
}

type fakeGateway struct {
	mu sync.Mutex

	nextSession int
	sessions    map[string]*payments.SessionDetails
	intents     map[string]*payments.PaymentIntent
	events      map[string]*payments.Event

	createSessionErr error
	expireErr        error
	captureErr       error
	cancelErr        error
	refundErr        error
	chargeErr        error
	chargeStatus     string

	captured []string
	canceled []string
	refunded []string
	expired  []string
	charged  []int64

	chargesByKey map[string]*payments.Charge
	chargeKeys   []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sessions: map[string]*payments.SessionDetails{},
		intents:  map[string]*payments.PaymentIntent{},
		events:   map[string]*payments.Event{},

		chargesByKey: map[string]*payments.Charge{},
	}
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, input payments.CheckoutSessionInput) (*payments.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createSessionErr != nil {
		return nil, g.createSessionErr
	}
	g.nextSession++
	id := fmt.Sprintf("cs_test_%d", g.nextSession)
	g.sessions[id] = &payments.SessionDetails{
		ID:            id,
		Status:        payments.SessionStatusOpen,
		PaymentStatus: payments.SessionPaymentStatusUnpaid,
		Metadata:      input.Metadata,
	}
	return &payments.CheckoutSession{ID: id, URL: "https://checkout.test/" + id}, nil
}

func (g *fakeGateway) ExpireCheckoutSession(_ context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expired = append(g.expired, sessionID)
	if g.expireErr != nil {
		return g.expireErr
	}
	if session, ok := g.sessions[sessionID]; ok {
		session.Status = payments.SessionStatusExpired
	}
	return nil
}

func (g *fakeGateway) RetrieveSession(_ context.Context, sessionID string) (*payments.SessionDetails, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	session, ok := g.sessions[sessionID]
	if !ok {
		return nil, &payments.GatewayError{Op: "retrieve_checkout_session", Message: "No such checkout session"}
	}
	copied := *session
	return &copied, nil
}

func (g *fakeGateway) setIntent(intent payments.PaymentIntent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[intent.ID] = &intent
}

func (g *fakeGateway) setSession(session payments.SessionDetails) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[session.ID] = &session
}

// completeSession simulates the customer finishing checkout with a held card.
func (g *fakeGateway) completeSession(sessionID, paymentIntentID string, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	session, ok := g.sessions[sessionID]
	if !ok {
		session = &payments.SessionDetails{ID: sessionID}
		g.sessions[sessionID] = session
	}
	session.Status = payments.SessionStatusComplete
	session.PaymentStatus = payments.SessionPaymentStatusUnpaid
	session.PaymentIntentID = paymentIntentID
	session.CustomerID = "cus_test"
	g.intents[paymentIntentID] = &payments.PaymentIntent{
		ID:               paymentIntentID,
		Status:           payments.IntentStatusRequiresCapture,
		Amount:           amount,
		AmountCapturable: amount,
	}
}

func (g *fakeGateway) RetrievePaymentIntent(_ context.Context, id string) (*payments.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[id]
	if !ok {
		return nil, &payments.GatewayError{Op: "retrieve_payment_intent", Message: "No such payment_intent"}
	}
	copied := *intent
	return &copied, nil
}

func (g *fakeGateway) CapturePaymentIntent(_ context.Context, id string) (*payments.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.captureErr != nil {
		return nil, g.captureErr
	}
	intent := g.intents[id]
	intent.Status = payments.IntentStatusSucceeded
	intent.AmountReceived = intent.AmountCapturable
	intent.AmountCapturable = 0
	g.captured = append(g.captured, id)
	copied := *intent
	return &copied, nil
}

func (g *fakeGateway) CancelPaymentIntent(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled = append(g.canceled, id)
	if g.cancelErr != nil {
		return g.cancelErr
	}
	if intent, ok := g.intents[id]; ok {
		intent.Status = payments.IntentStatusCanceled
		intent.AmountCapturable = 0
	}
	return nil
}

func (g *fakeGateway) CreateRefund(_ context.Context, id string, _ string) (*payments.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refunded = append(g.refunded, id)
	return &payments.Refund{ID: "re_" + id, Amount: g.intents[id].AmountReceived, Status: "succeeded"}, nil
}

func (g *fakeGateway) ChargeSavedPaymentMethod(_ context.Context, customerID string, amount int64, idempotencyKey string, _ map[string]string) (*payments.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chargeKeys = append(g.chargeKeys, idempotencyKey)
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	if existing, ok := g.chargesByKey[idempotencyKey]; ok && idempotencyKey != "" {
		copied := *existing
		return &copied, nil
	}
	g.charged = append(g.charged, amount)
	status := g.chargeStatus
	if status == "" {
		status = payments.IntentStatusSucceeded
	}
	charge := &payments.Charge{PaymentIntentID: "pi_remainder_" + customerID, Status: status, Amount: amount}
	g.chargesByKey[idempotencyKey] = charge
	copied := *charge
	return &copied, nil
}

func (g *fakeGateway) ParseWebhookEvent(payload []byte, signature string) (*payments.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if signature != "valid" {
		return nil, payments.ErrInvalidSignature
	}
	event, ok := g.events[string(payload)]
	if !ok {
		return nil, payments.ErrInvalidSignature
	}
	copied := *event
	return &copied, nil
}

func (g *fakeGateway) addEvent(payload string, event payments.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events[payload] = &event
}

type testHarness struct {
	service  *BookingService
	store    *memoryStore
	gateway  *fakeGateway
	failures *memoryFailures
	ledger   *memoryLedger
	notifier *recordingNotifier
	feed     *recordingFeed
	logs     *test.Hook
	clock    *time.Time
	seeded   int
}

type recordingFeed struct {
	mu      sync.Mutex
	actions []string
}

func (f *recordingFeed) Publish(action string, _ *models.Booking) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	clock := testNow
	now := func() time.Time { return clock }
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	h := &testHarness{
		store:    newMemoryStore(now),
		gateway:  newFakeGateway(),
		failures: &memoryFailures{},
		ledger:   &memoryLedger{},
		notifier: &recordingNotifier{fail: map[notify.Template]bool{}},
		feed:     &recordingFeed{},
		logs:     hook,
		clock:    &clock,
	}
	h.service = NewBookingService(BookingServiceDeps{
		Store:    h.store,
		Audit:    h.store,
		Failures: h.failures,
		Events:   h.ledger,
		Gateway:  h.gateway,
		Notifier: h.notifier,
		Feed:     h.feed,
		Logger:   logger,
		Now:      now,
	}, BookingServiceConfig{
		Pricing: PricingConfig{
			HourlyRateCents:    5000,
			SameDayFeeCents:    2000,
			AfterHoursFeeCents: 2500,
			MaxDurationHours:   6,
			Location:           time.UTC,
		},
		AdminEmail:    "Studio@Example.com",
		PublicBaseURL: "https://studio.test/",
	})

	ids := 0
	h.service.newID = func() string {
		ids++
		return uuidFor(ids)
	}
	return h
}

// advance moves the harness clock forward.
func (h *testHarness) advance(d time.Duration) {
	*h.clock = h.clock.Add(d)
}

func uuidFor(n int) string {
	const base = "00000000-0000-4000-8000-000000000000"
	digits := []byte(base)
	for i := len(digits) - 1; n > 0 && i >= 0; i-- {
		if digits[i] == '-' {
			continue
		}
		digits[i] = "0123456789abcdef"[n%16]
		n /= 16
	}
	return string(digits)
}

func seedBooking(h *testHarness, status models.BookingStatus, start time.Time, hours int, opts ...func(*models.Booking)) *models.Booking {
	h.seeded++
	deposit := int64(5000 * hours)
	total := deposit
	if hours > 1 {
		deposit /= 2
	}
	b := models.Booking{
		ID:              uuidFor(1000 + h.seeded),
		FirstName:       "Ada",
		LastName:        "Lovelace",
		Email:           "ada@example.com",
		StartTime:       start,
		DurationHours:   hours,
		DepositAmount:   deposit,
		TotalAmount:     total,
		RemainderAmount: models.Remainder(total, deposit, hours),
		Status:          status,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return h.store.put(b)
}

func withPaymentIntent(id string) func(*models.Booking) {
	return func(b *models.Booking) {
		b.PaymentIntentID = ptr(id)
		b.CustomerID = ptr("cus_test")
	}
}

func withCheckoutSession(id string) func(*models.Booking) {
	return func(b *models.Booking) { b.CheckoutSessionID = ptr(id) }
}

func createdAt(t time.Time) func(*models.Booking) {
	return func(b *models.Booking) { b.CreatedAt = t }
}

func testCustomer() CustomerInput {
	return CustomerInput{
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "Ada@Example.com ",
		Phone:     "555-0100",
	}
}
