package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/parkloop/settlement-service/internal/domain"
	"github.com/parkloop/settlement-service/internal/store"
	"github.com/parkloop/settlement-service/pkg/rabbitmq"
	"github.com/parkloop/settlement-service/pkg/stripeclient"
)

// fakeRepo is an in-memory Repository used to drive dispatch passes. It also
// counts reads so tests can assert that precondition failures short-circuit
// before any store access.
type fakeRepo struct {
	event    *domain.Event
	bookings []*domain.Booking
	hosts    map[uuid.UUID]*domain.HostAccount

	eventLookups int
	bookingReads int
	statusWrites []string
	markErr      error
	countErr     error
	lostRace     map[uuid.UUID]bool
	sweepEvents  []domain.Event
	sweepErr     error
}

func (r *fakeRepo) FindEventByID(ctx context.Context, eventID uuid.UUID) (*domain.Event, error) {
	r.eventLookups++
	if r.event == nil || r.event.ID != eventID {
		return nil, store.ErrEventNotFound
	}
	event := *r.event
	return &event, nil
}

func (r *fakeRepo) UpdateEventPayoutStatus(ctx context.Context, eventID uuid.UUID, status string) error {
	r.statusWrites = append(r.statusWrites, status)
	if r.event != nil && r.event.ID == eventID {
		r.event.PayoutStatus = status
	}
	return nil
}

func (r *fakeRepo) ListEventsAwaitingSettlement(ctx context.Context, limit int) ([]domain.Event, error) {
	if r.sweepErr != nil {
		return nil, r.sweepErr
	}
	return r.sweepEvents, nil
}

func (r *fakeRepo) FindUnpaidBookingsByEventID(ctx context.Context, eventID uuid.UUID) ([]domain.Booking, error) {
	r.bookingReads++
	var unpaid []domain.Booking
	for _, b := range r.bookings {
		if b.EventID == eventID && !b.PaidOut {
			unpaid = append(unpaid, *b)
		}
	}
	return unpaid, nil
}

func (r *fakeRepo) CountUnpaidBookingsByEventID(ctx context.Context, eventID uuid.UUID) (int64, error) {
	if r.countErr != nil {
		return 0, r.countErr
	}
	var count int64
	for _, b := range r.bookings {
		if b.EventID == eventID && !b.PaidOut {
			count++
		}
	}
	return count, nil
}

func (r *fakeRepo) MarkBookingPaidOut(ctx context.Context, bookingID uuid.UUID, transferID string) (bool, error) {
	if r.markErr != nil {
		return false, r.markErr
	}
	if r.lostRace[bookingID] {
		// A concurrent pass flipped paid_out between this pass's read and its
		// conditional write: zero rows affected.
		for _, b := range r.bookings {
			if b.ID == bookingID {
				b.PaidOut = true
			}
		}
		return false, nil
	}
	for _, b := range r.bookings {
		if b.ID == bookingID {
			if b.PaidOut {
				return false, nil
			}
			b.PaidOut = true
			tid := transferID
			b.TransferID = &tid
			return true, nil
		}
	}
	return false, store.ErrBookingNotFound
}

func (r *fakeRepo) FindHostAccountByID(ctx context.Context, hostAccountID uuid.UUID) (*domain.HostAccount, error) {
	host, ok := r.hosts[hostAccountID]
	if !ok {
		return nil, store.ErrHostAccountNotFound
	}
	return host, nil
}

// transferStub records transfer calls and fails selected destinations.
type transferStub struct {
	calls   []stripeclient.TransferParams
	failFor map[string]error
	onCall  func(params stripeclient.TransferParams)
	seq     int
}

func (s *transferStub) CreateTransfer(ctx context.Context, params stripeclient.TransferParams) (*stripeclient.Transfer, error) {
	s.calls = append(s.calls, params)
	if s.onCall != nil {
		s.onCall(params)
	}
	if err, ok := s.failFor[params.Destination]; ok {
		return nil, err
	}
	s.seq++
	return &stripeclient.Transfer{
		ID:            fmt.Sprintf("tr_%03d", s.seq),
		Amount:        params.AmountCents,
		Currency:      params.Currency,
		Destination:   params.Destination,
		TransferGroup: params.TransferGroup,
	}, nil
}

type lockerStub struct {
	allow    bool
	acquired int
	released int
}

func (l *lockerStub) Acquire(ctx context.Context, eventID uuid.UUID, ttl time.Duration) (bool, error) {
	l.acquired++
	return l.allow, nil
}

func (l *lockerStub) Release(ctx context.Context, eventID uuid.UUID) {
	l.released++
}

// publisherStub records the routing keys of published lifecycle events.
type publisherStub struct {
	routingKeys []string
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.routingKeys = append(p.routingKeys, routingKey)
	return nil
}

func (p *publisherStub) Close() {}

const testOperator = "ops@parkloop.com"

func destination(id string) *string {
	return &id
}

func newTestService(repo *fakeRepo, transfers *transferStub) *Service {
	return newTestServiceWithPublisher(repo, transfers, nil)
}

func newTestServiceWithPublisher(repo *fakeRepo, transfers *transferStub, producer rabbitmq.Publisher) *Service {
	guard := NewOperatorGuard([]string{testOperator})
	return NewService(repo, transfers, producer, guard, DefaultPlatformFeeBasisPoints, "usd", time.Second, time.Minute)
}

func newSettledEventFixture() (*fakeRepo, uuid.UUID) {
	eventID := uuid.New()
	hostWaived := uuid.New()
	hostRegular := uuid.New()

	repo := &fakeRepo{
		event: &domain.Event{ID: eventID, PayoutStatus: domain.EventPayoutPending},
		hosts: map[uuid.UUID]*domain.HostAccount{
			hostWaived:  {ID: hostWaived, PayoutDestinationID: destination("acct_waived"), WaivePlatformFee: true},
			hostRegular: {ID: hostRegular, PayoutDestinationID: destination("acct_regular")},
		},
		bookings: []*domain.Booking{
			{ID: uuid.New(), EventID: eventID, HostAccountID: hostWaived, RenterID: uuid.New(), TotalPriceCents: 2500},
			{ID: uuid.New(), EventID: eventID, HostAccountID: hostRegular, RenterID: uuid.New(), TotalPriceCents: 4000},
		},
	}
	return repo, eventID
}

func TestDispatchEventPayoutsRejectsUnknownCaller(t *testing.T) {
	repo, eventID := newSettledEventFixture()
	svc := newTestService(repo, &transferStub{})

	_, err := svc.DispatchEventPayouts(context.Background(), eventID, "attacker@example.com")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if repo.eventLookups != 0 || repo.bookingReads != 0 {
		t.Fatalf("store must not be touched on auth failure: event lookups=%d booking reads=%d", repo.eventLookups, repo.bookingReads)
	}
}

func TestDispatchEventPayoutsRejectsMissingEventID(t *testing.T) {
	repo, _ := newSettledEventFixture()
	svc := newTestService(repo, &transferStub{})

	_, err := svc.DispatchEventPayouts(context.Background(), uuid.Nil, testOperator)
	if !errors.Is(err, ErrInvalidEventID) {
		t.Fatalf("expected ErrInvalidEventID, got %v", err)
	}
}

func TestDispatchEventPayoutsEventNotFound(t *testing.T) {
	repo, _ := newSettledEventFixture()
	svc := newTestService(repo, &transferStub{})

	_, err := svc.DispatchEventPayouts(context.Background(), uuid.New(), testOperator)
	if !errors.Is(err, store.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestDispatchEventPayoutsPaysEveryBooking(t *testing.T) {
	repo, eventID := newSettledEventFixture()
	transfers := &transferStub{}
	svc := newTestService(repo, transfers)

	result, err := svc.DispatchEventPayouts(context.Background(), eventID, testOperator)
	if err != nil {
		t.Fatalf("dispatch returned error: %v", err)
	}
	if result.PayoutsIssued != 2 {
		t.Fatalf("expected 2 payouts, got %d", result.PayoutsIssued)
	}
	if result.EventStatus != domain.EventPayoutComplete {
		t.Fatalf("expected event status %q, got %q", domain.EventPayoutComplete, result.EventStatus)
	}
	for _, b := range repo.bookings {
		if !b.PaidOut {
			t.Fatalf("booking %s left unpaid", b.ID)
		}
	}

	// Host with waived fee receives the full gross; the other host pays 15%.
	if got := transfers.calls[0].AmountCents; got != 2500 {
		t.Fatalf("waived host expected net 2500, got %d", got)
	}
	if got := transfers.calls[1].AmountCents; got != 3400 {
		t.Fatalf("regular host expected net 3400, got %d", got)
	}

	// Every transfer carries an idempotency key scoped to the booking and a
	// group scoped to the event.
	for i, call := range transfers.calls {
		wantKey := fmt.Sprintf("booking-payout-%s", repo.bookings[i].ID)
		if call.IdempotencyKey != wantKey {
			t.Fatalf("transfer %d idempotency key = %q, want %q", i, call.IdempotencyKey, wantKey)
		}
		wantGroup := fmt.Sprintf("event-%s", eventID)
		if call.TransferGroup != wantGroup {
			t.Fatalf("transfer %d group = %q, want %q", i, call.TransferGroup, wantGroup)
		}
	}
}

func TestDispatchEventPayoutsIsolatesTransferFailures(t *testing.T) {
	repo, eventID := newSettledEventFixture()
	transfers := &transferStub{
		failFor: map[string]error{"acct_waived": errors.New("destination rejected")},
	}
	svc := newTestService(repo, transfers)

	result, err := svc.DispatchEventPayouts(context.Background(), eventID, testOperator)
	if err != nil {
		t.Fatalf("per-booking failure must not fail the call, got %v", err)
	}
	if result.PayoutsIssued != 1 {
		t.Fatalf("expected 1 payout, got %d", result.PayoutsIssued)
	}
	if repo.bookings[0].PaidOut {
		t.Fatal("failed booking must remain unpaid")
	}
	if !repo.bookings[1].PaidOut {
		t.Fatal("successful booking must be recorded")
	}
	if result.EventStatus != domain.EventPayoutPending {
		t.Fatalf("expected status pending with one booking unpaid, got %q", result.EventStatus)
	}
	if result.Outcomes[0].Outcome != domain.OutcomeTransferFailed {
		t.Fatalf("expected transfer_failed outcome, got %q", result.Outcomes[0].Outcome)
	}
	if result.Outcomes[1].Outcome != domain.OutcomePaid {
		t.Fatalf("expected paid outcome, got %q", result.Outcomes[1].Outcome)
	}
}

func TestDispatchEventPayoutsSkipsHostsWithoutDestination(t *testing.T) {
	repo, eventID := newSettledEventFixture()
	repo.hosts[repo.bookings[0].HostAccountID].PayoutDestinationID = nil
	transfers := &transferStub{}
	svc := newTestService(repo, transfers)

	result, err := svc.DispatchEventPayouts(context.Background(), eventID, testOperator)
	if err != nil {
		t.Fatalf("missing destination must not fail the call, got %v", err)
	}
	if result.PayoutsIssued != 1 {
		t.Fatalf("expected 1 payout, got %d", result.PayoutsIssued)
	}
	if len(transfers.calls) != 1 {
		t.Fatalf("expected a single transfer attempt, got %d", len(transfers.calls))
	}
	if repo.bookings[0].PaidOut {
		t.Fatal("skipped booking must remain unpaid")
	}
	if result.Outcomes[0].Outcome != domain.OutcomeSkippedNoDestination {
		t.Fatalf("expected skipped_no_destination outcome, got %q", result.Outcomes[0].Outcome)
	}
	if result.EventStatus != domain.EventPayoutPending {
		t.Fatalf("expected status pending, got %q", result.EventStatus)
	}
}

func TestDispatchEventPayoutsIsIdempotentAcrossPasses(t *testing.T) {
	repo, eventID := newSettledEventFixture()
	transfers := &transferStub{}
	svc := newTestService(repo, transfers)

	first, err := svc.DispatchEventPayouts(context.Background(), eventID, testOperator)
	if err != nil {
		t.Fatalf("first pass returned error: %v", err)
	}
	second, err := svc.DispatchEventPayouts(context.Background(), eventID, testOperator)
	if err != nil {
		t.Fatalf("second pass returned error: %v", err)
	}

	if first.PayoutsIssued != 2 || second.PayoutsIssued != 0 {
		t.Fatalf("expected 2 then 0 payouts, got %d then %d", first.PayoutsIssued, second.PayoutsIssued)
	}
	if len(transfers.calls) != 2 {
		t.Fatalf("expected 2 transfers total across both passes, got %d", len(transfers.calls))
	}
}

func TestDispatchEventPayoutsDoesNotCountLostRecordRace(t *testing.T) {
	repo, eventID := newSettledEventFixture()
	repo.lostRace = map[uuid.UUID]bool{repo.bookings[0].ID: true}
	transfers := &transferStub{}
	publisher := &publisherStub{}
	svc := newTestServiceWithPublisher(repo, transfers, publisher)

	result, err := svc.DispatchEventPayouts(context.Background(), eventID, testOperator)
	if err != nil {
		t.Fatalf("dispatch returned error: %v", err)
	}
	if result.Outcomes[0].Outcome != domain.OutcomeAlreadyRecorded {
		t.Fatalf("expected already_recorded outcome for lost race, got %q", result.Outcomes[0].Outcome)
	}
	// The winning pass counted this booking; counting it here too would let
	// two racing passes report more payouts than bookings.
	if result.PayoutsIssued != 1 {
		t.Fatalf("expected 1 payout excluding the lost race, got %d", result.PayoutsIssued)
	}
	var succeeded int
	for _, key := range publisher.routingKeys {
		if key == rabbitmq.RoutingPayoutSucceeded {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected 1 payout.succeeded event, got %d", succeeded)
	}
	if result.EventStatus != domain.EventPayoutComplete {
		t.Fatalf("expected status complete with all bookings recorded, got %q", result.EventStatus)
	}
}

func TestDispatchEventPayoutsStopsAtCancellationBetweenBookings(t *testing.T) {
	repo, eventID := newSettledEventFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel while the first transfer is in flight: it must run to completion
	// and be recorded, and the second booking must be left for the next pass.
	transfers := &transferStub{}
	transfers.onCall = func(stripeclient.TransferParams) { cancel() }
	svc := newTestService(repo, transfers)

	result, err := svc.DispatchEventPayouts(ctx, eventID, testOperator)
	if err != nil {
		t.Fatalf("cancellation mid-pass must still return a result, got %v", err)
	}
	if len(transfers.calls) != 1 {
		t.Fatalf("expected a single transfer attempt, got %d", len(transfers.calls))
	}
	if len(result.Outcomes) != 1 || result.Outcomes[0].Outcome != domain.OutcomePaid {
		t.Fatalf("expected the in-flight booking recorded as paid, got %+v", result.Outcomes)
	}
	if result.PayoutsIssued != 1 {
		t.Fatalf("expected 1 payout, got %d", result.PayoutsIssued)
	}
	if !repo.bookings[0].PaidOut {
		t.Fatal("in-flight booking must be recorded despite cancellation")
	}
	if repo.bookings[1].PaidOut {
		t.Fatal("unstarted booking must be left for the next pass")
	}
	if result.EventStatus != domain.EventPayoutPending {
		t.Fatalf("expected status pending with one booking unpaid, got %q", result.EventStatus)
	}
}

func TestDispatchEventPayoutsConvergesAcrossRetries(t *testing.T) {
	repo, eventID := newSettledEventFixture()
	transfers := &transferStub{
		failFor: map[string]error{"acct_regular": errors.New("processor unavailable")},
	}
	svc := newTestService(repo, transfers)

	if result, err := svc.DispatchEventPayouts(context.Background(), eventID, testOperator); err != nil || result.EventStatus != domain.EventPayoutPending {
		t.Fatalf("first pass: result=%+v err=%v", result, err)
	}

	// Processor recovers; a later pass settles the remainder.
	delete(transfers.failFor, "acct_regular")
	result, err := svc.DispatchEventPayouts(context.Background(), eventID, testOperator)
	if err != nil {
		t.Fatalf("second pass returned error: %v", err)
	}
	if result.PayoutsIssued != 1 {
		t.Fatalf("expected 1 payout on retry pass, got %d", result.PayoutsIssued)
	}
	if result.EventStatus != domain.EventPayoutComplete {
		t.Fatalf("expected event to converge to complete, got %q", result.EventStatus)
	}
}

func TestDispatchEventPayoutsFlagsPaidOutWriteFailure(t *testing.T) {
	repo, eventID := newSettledEventFixture()
	repo.markErr = errors.New("connection reset")
	transfers := &transferStub{}
	svc := newTestService(repo, transfers)

	result, err := svc.DispatchEventPayouts(context.Background(), eventID, testOperator)
	if err != nil {
		t.Fatalf("store-write failure must not fail the call, got %v", err)
	}
	if result.PayoutsIssued != 0 {
		t.Fatalf("desynced bookings must not count as issued, got %d", result.PayoutsIssued)
	}
	for _, outcome := range result.Outcomes {
		if outcome.Outcome != domain.OutcomeRecordFailed {
			t.Fatalf("expected record_failed outcome, got %q", outcome.Outcome)
		}
		if outcome.TransferID == "" {
			t.Fatal("record_failed outcome must carry the transfer id for manual reconciliation")
		}
	}
}

func TestDispatchEventPayoutsHonorsDispatchLock(t *testing.T) {
	repo, eventID := newSettledEventFixture()
	svc := newTestService(repo, &transferStub{})
	svc.SetDispatchLocker(&lockerStub{allow: false})

	_, err := svc.DispatchEventPayouts(context.Background(), eventID, testOperator)
	if !errors.Is(err, ErrDispatchInProgress) {
		t.Fatalf("expected ErrDispatchInProgress, got %v", err)
	}
	if repo.bookingReads != 0 {
		t.Fatalf("held lock must prevent booking reads, got %d", repo.bookingReads)
	}
}

func TestDispatchEventPayoutsReleasesDispatchLock(t *testing.T) {
	repo, eventID := newSettledEventFixture()
	svc := newTestService(repo, &transferStub{})
	locker := &lockerStub{allow: true}
	svc.SetDispatchLocker(locker)

	if _, err := svc.DispatchEventPayouts(context.Background(), eventID, testOperator); err != nil {
		t.Fatalf("dispatch returned error: %v", err)
	}
	if locker.acquired != 1 || locker.released != 1 {
		t.Fatalf("expected one acquire and one release, got %d/%d", locker.acquired, locker.released)
	}
}

func TestReconcileEventStatus(t *testing.T) {
	repo, eventID := newSettledEventFixture()
	svc := newTestService(repo, &transferStub{})

	status, err := svc.ReconcileEventStatus(context.Background(), eventID)
	if err != nil {
		t.Fatalf("reconcile returned error: %v", err)
	}
	if status != domain.EventPayoutPending {
		t.Fatalf("expected pending with unpaid bookings, got %q", status)
	}

	for _, b := range repo.bookings {
		b.PaidOut = true
	}
	status, err = svc.ReconcileEventStatus(context.Background(), eventID)
	if err != nil {
		t.Fatalf("reconcile returned error: %v", err)
	}
	if status != domain.EventPayoutComplete {
		t.Fatalf("expected complete with no unpaid bookings, got %q", status)
	}
	if got := repo.statusWrites[len(repo.statusWrites)-1]; got != domain.EventPayoutComplete {
		t.Fatalf("expected complete written to store, got %q", got)
	}
}

func TestSweepPendingEventsDispatchesEachEvent(t *testing.T) {
	repo, eventID := newSettledEventFixture()
	repo.sweepEvents = []domain.Event{{ID: eventID, PayoutStatus: domain.EventPayoutPending}}
	transfers := &transferStub{}
	svc := newTestService(repo, transfers)

	svc.SweepPendingEvents(context.Background(), testOperator, 10)

	if len(transfers.calls) != 2 {
		t.Fatalf("expected sweep to settle both bookings, got %d transfers", len(transfers.calls))
	}
	if repo.event.PayoutStatus != domain.EventPayoutComplete {
		t.Fatalf("expected swept event marked complete, got %q", repo.event.PayoutStatus)
	}
}

func TestSweepPendingEventsRequiresAuthorizedIdentity(t *testing.T) {
	repo, eventID := newSettledEventFixture()
	repo.sweepEvents = []domain.Event{{ID: eventID, PayoutStatus: domain.EventPayoutPending}}
	transfers := &transferStub{}
	svc := newTestService(repo, transfers)

	svc.SweepPendingEvents(context.Background(), "not-in-allowlist@parkloop.internal", 10)

	if len(transfers.calls) != 0 {
		t.Fatalf("sweep with unauthorized identity must not issue transfers, got %d", len(transfers.calls))
	}
}
