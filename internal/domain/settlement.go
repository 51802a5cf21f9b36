/**
 * @description
 * This file defines the core domain models for the settlement-service.
 * These structs represent the marketplace entities the payout engine reads
 * and writes, plus the derived value objects produced during a dispatch pass.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (cents),
 *   which avoids floating-point inaccuracies with financial data.
 * - `Booking.PaidOut` transitions false -> true exactly once; a transfer,
 *   once issued, is never un-issued by this service.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event payout statuses written by the reconciler.
const (
	EventPayoutPending  = "pending"
	EventPayoutComplete = "complete"
)

// Event represents a parking event whose bookings get settled as a batch.
type Event struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	EndsAt       time.Time `json:"ends_at"`
	PayoutStatus string    `json:"payout_status"` // 'pending' or 'complete'
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Booking is a confirmed driveway reservation for an event. The renter was
// charged at booking time; settlement pays the host their share after the
// event ends.
type Booking struct {
	ID              uuid.UUID  `json:"id"`
	EventID         uuid.UUID  `json:"event_id"`
	HostAccountID   uuid.UUID  `json:"host_account_id"`
	RenterID        uuid.UUID  `json:"renter_id"`
	TotalPriceCents int64      `json:"total_price_cents"` // renter-facing gross charge
	PaidOut         bool       `json:"paid_out"`
	TransferID      *string    `json:"transfer_id,omitempty"`
	PaidOutAt       *time.Time `json:"paid_out_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// HostAccount holds a host's payout configuration. PayoutDestinationID is the
// host's connected account at the payment processor; it stays nil until the
// host completes processor onboarding.
type HostAccount struct {
	ID                  uuid.UUID `json:"id"`
	PayoutDestinationID *string   `json:"payout_destination_id,omitempty"`
	WaivePlatformFee    bool      `json:"waive_platform_fee"`
}

// FeeSplit is the derived platform-fee breakdown for one booking. It is
// computed at dispatch time and never persisted.
type FeeSplit struct {
	GrossCents int64 `json:"gross_cents"`
	FeeCents   int64 `json:"fee_cents"`
	NetCents   int64 `json:"net_cents"`
}

// Outcomes recorded per booking during a dispatch pass.
const (
	OutcomePaid                 = "paid"
	OutcomeSkippedNoDestination = "skipped_no_destination"
	OutcomeTransferFailed       = "transfer_failed"
	OutcomeRecordFailed         = "record_failed"
	OutcomeAlreadyRecorded      = "already_recorded"
)

// BookingPayoutOutcome captures what happened to one booking in a dispatch
// pass so callers and tests can assert on the full outcome set, not just a
// final count.
type BookingPayoutOutcome struct {
	BookingID  uuid.UUID `json:"booking_id"`
	Outcome    string    `json:"outcome"`
	TransferID string    `json:"transfer_id,omitempty"`
	NetCents   int64     `json:"net_cents,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// DispatchResult summarizes one settlement pass over an event.
type DispatchResult struct {
	EventID       uuid.UUID              `json:"event_id"`
	PayoutsIssued int                    `json:"payouts_issued"`
	EventStatus   string                 `json:"event_status"`
	Outcomes      []BookingPayoutOutcome `json:"outcomes"`
}

// PayoutSucceededPayload is published when a host transfer completes.
type PayoutSucceededPayload struct {
	EventID       uuid.UUID `json:"event_id"`
	BookingID     uuid.UUID `json:"booking_id"`
	HostAccountID uuid.UUID `json:"host_account_id"`
	TransferID    string    `json:"transfer_id"`
	GrossCents    int64     `json:"gross_cents"`
	FeeCents      int64     `json:"fee_cents"`
	NetCents      int64     `json:"net_cents"`
	Timestamp     time.Time `json:"timestamp"`
}

// PayoutFailedPayload is published when a host transfer is attempted and fails.
type PayoutFailedPayload struct {
	EventID       uuid.UUID `json:"event_id"`
	BookingID     uuid.UUID `json:"booking_id"`
	HostAccountID uuid.UUID `json:"host_account_id"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// EventSettledPayload is published when the reconciler marks an event complete.
type EventSettledPayload struct {
	EventID       uuid.UUID `json:"event_id"`
	PayoutsIssued int       `json:"payouts_issued"`
	Timestamp     time.Time `json:"timestamp"`
}
