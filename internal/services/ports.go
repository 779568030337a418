package services

import (
	"context"
	"time"

	"festival-booking/models"
)

// Store is the persistence the services need. *storage.Store implements it.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	GetResource(ctx context.Context, id string) (*models.Resource, error)
	CreateResource(ctx context.Context, r *models.Resource) error
	UpdateResourceStatus(ctx context.Context, id string, expectedVersion int64, to models.ResourceStatus) (*models.Resource, error)

	GetUnit(ctx context.Context, id string) (*models.InventoryUnit, error)
	ListUnits(ctx context.Context, resourceID string) ([]*models.InventoryUnit, error)
	CreateUnit(ctx context.Context, u *models.InventoryUnit) error
	DeleteUnit(ctx context.Context, id string) error
	ApplyDelta(ctx context.Context, unitID string, expectedVersion int64, delta int, reservationID, reason string) (*models.InventoryUnit, error)

	InsertReservation(ctx context.Context, r *models.Reservation) error
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	FindReservationByProviderReference(ctx context.Context, ref string) (*models.Reservation, error)
	FindReservationByIdempotencyHash(ctx context.Context, userID, hash string) (*models.Reservation, error)
	TransitionReservation(ctx context.Context, r *models.Reservation, from models.ReservationStatus) error
	MarkReleased(ctx context.Context, id string, at time.Time) (bool, error)
	ListReservationsByUser(ctx context.Context, userID string) ([]*models.Reservation, error)
	ListReservationsByHost(ctx context.Context, hostID string) ([]*models.Reservation, error)
	ListStaleReservations(ctx context.Context, st models.ReservationStatus, before time.Time, limit int) ([]*models.Reservation, error)
}

// Cache is a best-effort read-through cache. Errors never fail a request.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, keys ...string) error
	InvalidatePattern(ctx context.Context, pattern string) error
}

// Notifier delivers reservation events, fire and forget.
type Notifier interface {
	Notify(ctx context.Context, ev models.Event) error
}

type Metrics interface {
	TrackReservation(operation, outcome string)
	TrackConflict()
	TrackRetry()
	TrackSweep(status, outcome string)
	TrackSettlement(source, outcome string)
	TrackHold(status string, held time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) TrackReservation(string, string) {}
func (nopMetrics) TrackConflict()                  {}
func (nopMetrics) TrackRetry()                     {}
func (nopMetrics) TrackSweep(string, string)       {}
func (nopMetrics) TrackSettlement(string, string)  {}
func (nopMetrics) TrackHold(string, time.Duration) {}
