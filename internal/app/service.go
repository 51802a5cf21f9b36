/**
 * @description
 * This file contains the core business logic for the settlement-service. The
 * `Service` struct orchestrates event payout dispatch, coordinating between
 * the database repository, the payment processor's transfer API client, and
 * the message broker.
 *
 * Key features:
 * - Implements the payout dispatcher: one pass over an event's unpaid
 *   bookings, issuing a transfer per booking and recording each outcome.
 * - Individual transfer failures are absorbed, never aborting the pass; a
 *   booking left unpaid stays eligible for the next pass.
 * - Re-derives the event's aggregate payout status after every pass.
 * - Publishes payout lifecycle events to RabbitMQ for asynchronous processing
 *   by other services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/stripeclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/parkloop/settlement-service/internal/domain"
	"github.com/parkloop/settlement-service/internal/store"
	"github.com/parkloop/settlement-service/pkg/rabbitmq"
	"github.com/parkloop/settlement-service/pkg/stripeclient"
)

var (
	ErrPermissionDenied   = errors.New("caller is not an authorized payout operator")
	ErrInvalidEventID     = errors.New("event id is required")
	ErrDispatchInProgress = errors.New("a settlement pass for this event is already running")
)

// TransferClient issues funds transfers to hosts' connected accounts. The
// processor is at-least-once-risky: a transfer may have succeeded even when
// the response is lost, so every request carries an idempotency key derived
// from the booking id.
type TransferClient interface {
	CreateTransfer(ctx context.Context, params stripeclient.TransferParams) (*stripeclient.Transfer, error)
}

// Service provides the core business logic for event settlement.
type Service struct {
	repo            store.Repository
	transfers       TransferClient
	eventProducer   rabbitmq.Publisher
	guard           *OperatorGuard
	locker          DispatchLocker
	feeBasisPoints  int64
	payoutCurrency  string
	transferTimeout time.Duration
	lockTTL         time.Duration
}

// NewService creates a new settlement service instance.
func NewService(
	repo store.Repository,
	transfers TransferClient,
	producer rabbitmq.Publisher,
	guard *OperatorGuard,
	feeBasisPoints int64,
	payoutCurrency string,
	transferTimeout time.Duration,
	lockTTL time.Duration,
) *Service {
	if feeBasisPoints < 0 {
		feeBasisPoints = 0
	}
	if payoutCurrency == "" {
		payoutCurrency = "usd"
	}
	if transferTimeout <= 0 {
		transferTimeout = 30 * time.Second
	}
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &Service{
		repo:            repo,
		transfers:       transfers,
		eventProducer:   producer,
		guard:           guard,
		feeBasisPoints:  feeBasisPoints,
		payoutCurrency:  payoutCurrency,
		transferTimeout: transferTimeout,
		lockTTL:         lockTTL,
	}
}

// SetDispatchLocker installs a distributed lock used to serialize dispatch
// passes per event. Without one, concurrent passes are still safe (the store's
// conditional update prevents double recording) but wasteful.
func (s *Service) SetDispatchLocker(locker DispatchLocker) {
	s.locker = locker
}

// DispatchEventPayouts runs one settlement pass over an event: every unpaid
// booking gets a transfer attempt, the outcome is durably recorded per
// booking, and the event's aggregate status is re-derived at the end.
//
// Only precondition violations (authorization, bad event id, missing event)
// return an error. Once the work loop starts the pass always returns a
// result, even when zero payouts succeed; re-invoking later retries whatever
// is still unpaid.
func (s *Service) DispatchEventPayouts(ctx context.Context, eventID uuid.UUID, caller string) (*domain.DispatchResult, error) {
	if !s.guard.Authorize(caller) {
		log.Printf("level=warn component=service flow=dispatch outcome=reject reason=permission_denied caller=%q event_id=%s", caller, eventID)
		return nil, ErrPermissionDenied
	}
	if eventID == uuid.Nil {
		return nil, ErrInvalidEventID
	}

	event, err := s.repo.FindEventByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrEventNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load event %s: %w", eventID, err)
	}

	if s.locker != nil {
		acquired, lockErr := s.locker.Acquire(ctx, event.ID, s.lockTTL)
		if lockErr != nil {
			// A broken lock backend must not stop settlement; the conditional
			// paid_out write still protects against double recording.
			log.Printf("level=warn component=service flow=dispatch msg=\"dispatch lock unavailable; continuing unlocked\" event_id=%s err=%v", event.ID, lockErr)
		} else if !acquired {
			return nil, ErrDispatchInProgress
		} else {
			defer s.locker.Release(context.WithoutCancel(ctx), event.ID)
		}
	}

	bookings, err := s.repo.FindUnpaidBookingsByEventID(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load unpaid bookings for event %s: %w", event.ID, err)
	}

	log.Printf("level=info component=service flow=dispatch msg=\"settlement pass started\" event_id=%s caller=%q unpaid_bookings=%d", event.ID, caller, len(bookings))

	result := &domain.DispatchResult{
		EventID:  event.ID,
		Outcomes: make([]domain.BookingPayoutOutcome, 0, len(bookings)),
	}

	for _, booking := range bookings {
		// Cancellation is honored between bookings only: an in-flight transfer
		// runs to completion so an accepted transfer is always recorded.
		if ctx.Err() != nil {
			log.Printf("level=warn component=service flow=dispatch msg=\"pass cancelled; remaining bookings left for next pass\" event_id=%s processed=%d", event.ID, len(result.Outcomes))
			break
		}

		outcome := s.settleBooking(ctx, event.ID, booking)
		if outcome.Outcome == domain.OutcomePaid {
			result.PayoutsIssued++
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	status, reconcileErr := s.ReconcileEventStatus(context.WithoutCancel(ctx), event.ID)
	if reconcileErr != nil {
		// The caller still gets a definite payout count; the next pass or a
		// manual reconcile converges the status.
		log.Printf("level=error component=service flow=dispatch alert=event_status_desync msg=\"failed to reconcile event status after pass\" event_id=%s err=%v", event.ID, reconcileErr)
	} else {
		result.EventStatus = status
		if status == domain.EventPayoutComplete {
			s.publish(ctx, rabbitmq.RoutingEventSettled, domain.EventSettledPayload{
				EventID:       event.ID,
				PayoutsIssued: result.PayoutsIssued,
				Timestamp:     time.Now().UTC(),
			})
		}
	}

	log.Printf("level=info component=service flow=dispatch msg=\"settlement pass finished\" event_id=%s payouts_issued=%d processed=%d status=%q", event.ID, result.PayoutsIssued, len(result.Outcomes), result.EventStatus)
	return result, nil
}

// settleBooking runs the transfer-and-record sequence for one booking. Every
// failure mode is absorbed into the returned outcome; the booking stays
// unpaid and eligible for a future pass.
func (s *Service) settleBooking(ctx context.Context, eventID uuid.UUID, booking domain.Booking) domain.BookingPayoutOutcome {
	host, err := s.repo.FindHostAccountByID(ctx, booking.HostAccountID)
	if err != nil {
		log.Printf("level=warn component=service flow=dispatch msg=\"host account lookup failed\" booking_id=%s host_account_id=%s err=%v", booking.ID, booking.HostAccountID, err)
		return domain.BookingPayoutOutcome{
			BookingID: booking.ID,
			Outcome:   domain.OutcomeTransferFailed,
			Error:     fmt.Sprintf("host account lookup failed: %v", err),
		}
	}

	// Host has not finished processor onboarding. Expected and recoverable:
	// the booking settles on a later pass once a destination exists.
	if host.PayoutDestinationID == nil || *host.PayoutDestinationID == "" {
		log.Printf("level=info component=service flow=dispatch msg=\"skipping booking; host has no payout destination\" booking_id=%s host_account_id=%s", booking.ID, host.ID)
		return domain.BookingPayoutOutcome{
			BookingID: booking.ID,
			Outcome:   domain.OutcomeSkippedNoDestination,
		}
	}

	if booking.TotalPriceCents < 0 {
		log.Printf("level=error component=service flow=dispatch msg=\"booking has negative gross amount; refusing to settle\" booking_id=%s amount_cents=%d", booking.ID, booking.TotalPriceCents)
		return domain.BookingPayoutOutcome{
			BookingID: booking.ID,
			Outcome:   domain.OutcomeTransferFailed,
			Error:     "negative gross amount",
		}
	}

	split := ComputeFeeSplit(booking.TotalPriceCents, host.WaivePlatformFee, s.feeBasisPoints)

	// Detach from caller cancellation so an accepted transfer is never
	// abandoned mid-call; the per-transfer timeout still bounds the wait.
	transferCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.transferTimeout)
	defer cancel()

	transfer, err := s.transfers.CreateTransfer(transferCtx, stripeclient.TransferParams{
		AmountCents:    split.NetCents,
		Currency:       s.payoutCurrency,
		Destination:    *host.PayoutDestinationID,
		TransferGroup:  fmt.Sprintf("event-%s", eventID),
		IdempotencyKey: fmt.Sprintf("booking-payout-%s", booking.ID),
		Description:    fmt.Sprintf("Driveway payout for booking %s", booking.ID),
	})
	if err != nil {
		log.Printf("level=warn component=service flow=dispatch msg=\"transfer failed\" booking_id=%s host_account_id=%s net_cents=%d err=%v", booking.ID, host.ID, split.NetCents, err)
		s.publish(ctx, rabbitmq.RoutingPayoutFailed, domain.PayoutFailedPayload{
			EventID:       eventID,
			BookingID:     booking.ID,
			HostAccountID: host.ID,
			Reason:        err.Error(),
			Timestamp:     time.Now().UTC(),
		})
		return domain.BookingPayoutOutcome{
			BookingID: booking.ID,
			Outcome:   domain.OutcomeTransferFailed,
			Error:     err.Error(),
		}
	}

	flipped, err := s.repo.MarkBookingPaidOut(context.WithoutCancel(ctx), booking.ID, transfer.ID)
	if err != nil {
		// Processor-side truth now disagrees with recorded truth. The
		// idempotency key keeps a retried pass from moving funds twice, but
		// this condition needs eyes on it.
		log.Printf("level=error component=service flow=dispatch alert=paid_out_desync msg=\"transfer succeeded but paid_out write failed\" booking_id=%s transfer_id=%s err=%v", booking.ID, transfer.ID, err)
		return domain.BookingPayoutOutcome{
			BookingID:  booking.ID,
			Outcome:    domain.OutcomeRecordFailed,
			TransferID: transfer.ID,
			Error:      err.Error(),
		}
	}

	outcome := domain.BookingPayoutOutcome{
		BookingID:  booking.ID,
		Outcome:    domain.OutcomePaid,
		TransferID: transfer.ID,
		NetCents:   split.NetCents,
	}
	if !flipped {
		// A concurrent pass recorded this booking first; the processor
		// deduplicated the transfer by idempotency key. Not counted here.
		log.Printf("level=info component=service flow=dispatch msg=\"booking already recorded by concurrent pass\" booking_id=%s transfer_id=%s", booking.ID, transfer.ID)
		outcome.Outcome = domain.OutcomeAlreadyRecorded
		return outcome
	}

	s.publish(ctx, rabbitmq.RoutingPayoutSucceeded, domain.PayoutSucceededPayload{
		EventID:       eventID,
		BookingID:     booking.ID,
		HostAccountID: host.ID,
		TransferID:    transfer.ID,
		GrossCents:    split.GrossCents,
		FeeCents:      split.FeeCents,
		NetCents:      split.NetCents,
		Timestamp:     time.Now().UTC(),
	})
	log.Printf("level=info component=service flow=dispatch msg=\"booking paid out\" booking_id=%s host_account_id=%s transfer_id=%s gross_cents=%d fee_cents=%d net_cents=%d", booking.ID, host.ID, transfer.ID, split.GrossCents, split.FeeCents, split.NetCents)
	return outcome
}

// ReconcileEventStatus re-derives the event's aggregate payout status strictly
// from current booking state. It never trusts a previously written status, so
// calling it redundantly or after a crash is safe.
func (s *Service) ReconcileEventStatus(ctx context.Context, eventID uuid.UUID) (string, error) {
	remaining, err := s.repo.CountUnpaidBookingsByEventID(ctx, eventID)
	if err != nil {
		return "", fmt.Errorf("failed to count unpaid bookings for event %s: %w", eventID, err)
	}

	status := domain.EventPayoutPending
	if remaining == 0 {
		status = domain.EventPayoutComplete
	}
	if err := s.repo.UpdateEventPayoutStatus(ctx, eventID, status); err != nil {
		return "", fmt.Errorf("failed to update payout status for event %s: %w", eventID, err)
	}
	return status, nil
}

// SweepPendingEvents dispatches payouts for ended events whose payout status
// is still pending. Per-event failures are logged and skipped so one broken
// event cannot stall the whole sweep.
func (s *Service) SweepPendingEvents(ctx context.Context, identity string, limit int) {
	if limit <= 0 {
		limit = 20
	}
	events, err := s.repo.ListEventsAwaitingSettlement(ctx, limit)
	if err != nil {
		log.Printf("level=error component=service flow=sweep msg=\"failed to list events awaiting settlement\" err=%v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	log.Printf("level=info component=service flow=sweep msg=\"settlement sweep started\" events=%d", len(events))
	for _, event := range events {
		result, err := s.DispatchEventPayouts(ctx, event.ID, identity)
		if err != nil {
			if errors.Is(err, ErrDispatchInProgress) {
				continue
			}
			log.Printf("level=warn component=service flow=sweep msg=\"event dispatch failed\" event_id=%s err=%v", event.ID, err)
			continue
		}
		log.Printf("level=info component=service flow=sweep msg=\"event dispatched\" event_id=%s payouts_issued=%d status=%q", event.ID, result.PayoutsIssued, result.EventStatus)
	}
}

func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) {
	if s.eventProducer == nil {
		return
	}
	if err := s.eventProducer.Publish(context.WithoutCancel(ctx), rabbitmq.SettlementExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}
