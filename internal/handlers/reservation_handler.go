package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"festival-booking/internal/services"
	"festival-booking/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// Reservations is the part of the coordinator the HTTP layer drives.
type Reservations interface {
	Create(ctx context.Context, req services.CreateRequest) (*services.CreateResult, error)
	Confirm(ctx context.Context, id, actorID string) (*models.Reservation, error)
	Cancel(ctx context.Context, id, actorID string) (*models.Reservation, error)
	Complete(ctx context.Context, id, actorID string) (*models.Reservation, error)
	Get(ctx context.Context, id, actorID string) (*models.Reservation, error)
	ListForUser(ctx context.Context, userID string) ([]*models.Reservation, error)
	ListForHost(ctx context.Context, hostID string) ([]*models.Reservation, error)
}

type ReservationHandler struct {
	reservations Reservations
	log          *slog.Logger
}

func NewReservationHandler(reservations Reservations, log *slog.Logger) *ReservationHandler {
	return &ReservationHandler{reservations: reservations, log: log}
}

// Create places a hold and opens the payment. The Idempotency-Key header is
// used when the body carries no key.
func (h *ReservationHandler) Create(e *core.RequestEvent) error {
	userID, err := requireAuth(e)
	if err != nil {
		return err
	}

	var req services.CreateRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	req.UserID = userID
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = e.Request.Header.Get("Idempotency-Key")
	}

	res, err := h.reservations.Create(e.Request.Context(), req)
	if err != nil {
		return apiError(h.log, e, err)
	}
	return e.JSON(http.StatusCreated, res)
}

func (h *ReservationHandler) List(e *core.RequestEvent) error {
	userID, err := requireAuth(e)
	if err != nil {
		return err
	}

	items, err := h.reservations.ListForUser(e.Request.Context(), userID)
	if err != nil {
		return apiError(h.log, e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *ReservationHandler) ListHost(e *core.RequestEvent) error {
	hostID, err := requireAuth(e)
	if err != nil {
		return err
	}

	items, err := h.reservations.ListForHost(e.Request.Context(), hostID)
	if err != nil {
		return apiError(h.log, e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *ReservationHandler) Get(e *core.RequestEvent) error {
	return h.act(e, h.reservations.Get)
}

func (h *ReservationHandler) Confirm(e *core.RequestEvent) error {
	return h.act(e, h.reservations.Confirm)
}

func (h *ReservationHandler) Cancel(e *core.RequestEvent) error {
	return h.act(e, h.reservations.Cancel)
}

func (h *ReservationHandler) Complete(e *core.RequestEvent) error {
	return h.act(e, h.reservations.Complete)
}

func (h *ReservationHandler) act(e *core.RequestEvent, fn func(ctx context.Context, id, actorID string) (*models.Reservation, error)) error {
	actorID, err := requireAuth(e)
	if err != nil {
		return err
	}

	r, err := fn(e.Request.Context(), e.Request.PathValue("id"), actorID)
	if err != nil {
		return apiError(h.log, e, err)
	}
	return e.JSON(http.StatusOK, r)
}
