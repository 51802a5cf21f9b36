/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL queries for the events, bookings, and host_accounts tables
 * used by the payout engine.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/parkloop/settlement-service/internal/domain"
)

var (
	ErrEventNotFound       = errors.New("event not found")
	ErrHostAccountNotFound = errors.New("host account not found")
	ErrBookingNotFound     = errors.New("booking not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindEventByID retrieves an event by its ID.
func (r *PostgresRepository) FindEventByID(ctx context.Context, eventID uuid.UUID) (*domain.Event, error) {
	var event domain.Event
	query := `SELECT id, name, ends_at, payout_status, created_at, updated_at FROM events WHERE id = $1`
	err := r.db.QueryRow(ctx, query, eventID).Scan(
		&event.ID, &event.Name, &event.EndsAt, &event.PayoutStatus, &event.CreatedAt, &event.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

// UpdateEventPayoutStatus writes the aggregate payout status derived by the reconciler.
func (r *PostgresRepository) UpdateEventPayoutStatus(ctx context.Context, eventID uuid.UUID, status string) error {
	query := `UPDATE events SET payout_status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, eventID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// ListEventsAwaitingSettlement returns ended events still pending payout, oldest first.
func (r *PostgresRepository) ListEventsAwaitingSettlement(ctx context.Context, limit int) ([]domain.Event, error) {
	query := `
		SELECT id, name, ends_at, payout_status, created_at, updated_at
		FROM events
		WHERE payout_status = $1 AND ends_at < NOW()
		ORDER BY ends_at ASC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, domain.EventPayoutPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events awaiting settlement: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		if err := rows.Scan(&event.ID, &event.Name, &event.EndsAt, &event.PayoutStatus, &event.CreatedAt, &event.UpdatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// FindUnpaidBookingsByEventID returns the work list for one dispatch pass. The
// rows are not locked; concurrent passes are reconciled by the conditional
// update in MarkBookingPaidOut.
func (r *PostgresRepository) FindUnpaidBookingsByEventID(ctx context.Context, eventID uuid.UUID) ([]domain.Booking, error) {
	query := `
		SELECT id, event_id, host_account_id, renter_id, total_price_cents, paid_out, transfer_id, paid_out_at, created_at
		FROM bookings
		WHERE event_id = $1 AND paid_out = FALSE
		ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpaid bookings: %w", err)
	}
	defer rows.Close()

	var bookings []domain.Booking
	for rows.Next() {
		var b domain.Booking
		if err := rows.Scan(&b.ID, &b.EventID, &b.HostAccountID, &b.RenterID, &b.TotalPriceCents, &b.PaidOut, &b.TransferID, &b.PaidOutAt, &b.CreatedAt); err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// CountUnpaidBookingsByEventID counts bookings still awaiting payout for an event.
func (r *PostgresRepository) CountUnpaidBookingsByEventID(ctx context.Context, eventID uuid.UUID) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM bookings WHERE event_id = $1 AND paid_out = FALSE`
	if err := r.db.QueryRow(ctx, query, eventID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// MarkBookingPaidOut records a confirmed transfer against a booking. The WHERE
// guard on paid_out ensures two racing dispatch passes cannot both claim the
// same booking.
func (r *PostgresRepository) MarkBookingPaidOut(ctx context.Context, bookingID uuid.UUID, transferID string) (bool, error) {
	query := `
		UPDATE bookings
		SET paid_out = TRUE, transfer_id = $2, paid_out_at = NOW()
		WHERE id = $1 AND paid_out = FALSE`
	tag, err := r.db.Exec(ctx, query, bookingID, transferID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FindHostAccountByID retrieves a host's payout configuration.
func (r *PostgresRepository) FindHostAccountByID(ctx context.Context, hostAccountID uuid.UUID) (*domain.HostAccount, error) {
	var account domain.HostAccount
	query := `SELECT id, payout_destination_id, waive_platform_fee FROM host_accounts WHERE id = $1`
	err := r.db.QueryRow(ctx, query, hostAccountID).Scan(&account.ID, &account.PayoutDestinationID, &account.WaivePlatformFee)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrHostAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}
