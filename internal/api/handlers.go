/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's API
 * endpoints. Handlers parse incoming requests, call the appropriate methods
 * on the application service, and write the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/parkloop/settlement-service/internal/app"
	"github.com/parkloop/settlement-service/internal/domain"
	"github.com/parkloop/settlement-service/internal/store"
)

// SettlementHandlers holds the application service that handlers will use.
type SettlementHandlers struct {
	service *app.Service
}

// NewSettlementHandlers creates a new instance of SettlementHandlers.
func NewSettlementHandlers(service *app.Service) *SettlementHandlers {
	return &SettlementHandlers{service: service}
}

// dispatchResponse is sent back once a settlement pass has finished. It
// carries the per-booking outcome set so operator tooling can show exactly
// what happened, not just a count.
type dispatchResponse struct {
	Success     bool                          `json:"success"`
	EventID     string                        `json:"event_id"`
	Payouts     int                           `json:"payouts"`
	EventStatus string                        `json:"event_status,omitempty"`
	Outcomes    []domain.BookingPayoutOutcome `json:"outcomes"`
}

type statusResponse struct {
	EventID      string `json:"event_id"`
	PayoutStatus string `json:"payout_status"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InitiateEventPayoutsHandler handles requests to settle one event's bookings.
func (h *SettlementHandlers) InitiateEventPayoutsHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := GetCallerIdentity(r.Context())
	if !ok {
		http.Error(w, "Could not get caller identity from context", http.StatusInternalServerError)
		return
	}

	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		log.Printf("level=warn component=api endpoint=initiate_payouts outcome=reject reason=invalid_event_id caller=%q err=%v", caller, err)
		h.writeError(w, http.StatusBadRequest, "InvalidArgument", "event id must be a valid UUID")
		return
	}

	result, err := h.service.DispatchEventPayouts(r.Context(), eventID, caller)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrPermissionDenied):
			h.writeError(w, http.StatusForbidden, "PermissionDenied", "caller is not an authorized payout operator")
		case errors.Is(err, app.ErrInvalidEventID):
			h.writeError(w, http.StatusBadRequest, "InvalidArgument", "event id is required")
		case errors.Is(err, store.ErrEventNotFound):
			h.writeError(w, http.StatusNotFound, "NotFound", "event not found")
		case errors.Is(err, app.ErrDispatchInProgress):
			h.writeError(w, http.StatusConflict, "Aborted", "a settlement pass for this event is already running")
		default:
			log.Printf("level=error component=api endpoint=initiate_payouts outcome=failed event_id=%s err=%v", eventID, err)
			h.writeError(w, http.StatusInternalServerError, "Internal", "settlement dispatch failed")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, dispatchResponse{
		Success:     true,
		EventID:     result.EventID.String(),
		Payouts:     result.PayoutsIssued,
		EventStatus: result.EventStatus,
		Outcomes:    result.Outcomes,
	})
}

// EventPayoutStatusHandler re-derives and returns the event's payout status.
func (h *SettlementHandlers) EventPayoutStatusHandler(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "InvalidArgument", "event id must be a valid UUID")
		return
	}

	status, err := h.service.ReconcileEventStatus(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, store.ErrEventNotFound) {
			h.writeError(w, http.StatusNotFound, "NotFound", "event not found")
			return
		}
		log.Printf("level=error component=api endpoint=payout_status outcome=failed event_id=%s err=%v", eventID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal", "failed to reconcile event status")
		return
	}

	h.writeJSON(w, http.StatusOK, statusResponse{
		EventID:      eventID.String(),
		PayoutStatus: status,
	})
}

func (h *SettlementHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func (h *SettlementHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, errorResponse{Code: code, Message: message})
}
