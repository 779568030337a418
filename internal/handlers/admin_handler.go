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

// Catalog is the resource administration the host endpoints use.
type Catalog interface {
	CreateResource(ctx context.Context, ownerID string, in services.NewResource) (*models.Resource, error)
	UpdateResourceStatus(ctx context.Context, actorID, id string, expectedVersion int64, to models.ResourceStatus) (*models.Resource, error)
	CreateUnit(ctx context.Context, actorID, resourceID string, in services.NewUnit) (*models.InventoryUnit, error)
	DeleteUnit(ctx context.Context, actorID, unitID string) error
	ListUnits(ctx context.Context, resourceID string) ([]*models.InventoryUnit, error)
}

type AdminHandler struct {
	catalog Catalog
	log     *slog.Logger
}

func NewAdminHandler(catalog Catalog, log *slog.Logger) *AdminHandler {
	return &AdminHandler{catalog: catalog, log: log}
}

func (h *AdminHandler) CreateResource(e *core.RequestEvent) error {
	ownerID, err := requireAuth(e)
	if err != nil {
		return err
	}

	var req services.NewResource
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	r, err := h.catalog.CreateResource(e.Request.Context(), ownerID, req)
	if err != nil {
		return apiError(h.log, e, err)
	}
	return e.JSON(http.StatusCreated, r)
}

func (h *AdminHandler) UpdateResourceStatus(e *core.RequestEvent) error {
	actorID, err := requireAuth(e)
	if err != nil {
		return err
	}

	var req struct {
		Status  models.ResourceStatus `json:"status"`
		Version int64                 `json:"version"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	r, err := h.catalog.UpdateResourceStatus(e.Request.Context(), actorID, e.Request.PathValue("id"), req.Version, req.Status)
	if err != nil {
		return apiError(h.log, e, err)
	}
	return e.JSON(http.StatusOK, r)
}

func (h *AdminHandler) CreateUnit(e *core.RequestEvent) error {
	actorID, err := requireAuth(e)
	if err != nil {
		return err
	}

	var req services.NewUnit
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	u, err := h.catalog.CreateUnit(e.Request.Context(), actorID, e.Request.PathValue("id"), req)
	if err != nil {
		return apiError(h.log, e, err)
	}
	return e.JSON(http.StatusCreated, u)
}

func (h *AdminHandler) DeleteUnit(e *core.RequestEvent) error {
	actorID, err := requireAuth(e)
	if err != nil {
		return err
	}

	if err := h.catalog.DeleteUnit(e.Request.Context(), actorID, e.Request.PathValue("id")); err != nil {
		return apiError(h.log, e, err)
	}
	return e.NoContent(http.StatusNoContent)
}

// ListUnits is public so guests can pick a slot.
func (h *AdminHandler) ListUnits(e *core.RequestEvent) error {
	units, err := h.catalog.ListUnits(e.Request.Context(), e.Request.PathValue("id"))
	if err != nil {
		return apiError(h.log, e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"items": units})
}
