/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for
 * all data access operations required by the settlement-service. By defining an
 * interface, we decouple the payout engine's business logic from the specific
 * database implementation (e.g., PostgreSQL), making the code more modular and
 * easier to test.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/parkloop/settlement-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
// The booking store is the single source of truth for the paid_out flag; the
// dispatcher never caches it across passes.
type Repository interface {
	// Event methods
	FindEventByID(ctx context.Context, eventID uuid.UUID) (*domain.Event, error)
	UpdateEventPayoutStatus(ctx context.Context, eventID uuid.UUID, status string) error
	// ListEventsAwaitingSettlement returns ended events whose payout status is
	// still pending, oldest first, for the scheduled settlement sweep.
	ListEventsAwaitingSettlement(ctx context.Context, limit int) ([]domain.Event, error)

	// Booking methods
	FindUnpaidBookingsByEventID(ctx context.Context, eventID uuid.UUID) ([]domain.Booking, error)
	CountUnpaidBookingsByEventID(ctx context.Context, eventID uuid.UUID) (int64, error)
	// MarkBookingPaidOut flips paid_out only if it is currently false and
	// reports whether this call performed the flip. A false return with a nil
	// error means a concurrent pass already recorded the payout.
	MarkBookingPaidOut(ctx context.Context, bookingID uuid.UUID, transferID string) (bool, error)

	// Host account methods
	FindHostAccountByID(ctx context.Context, hostAccountID uuid.UUID) (*domain.HostAccount, error)
}
