package services

import (
	"context"
	"errors"

	"festival-booking/internal/status"
	"festival-booking/models"
)

const (
	reasonReserve = "reserve"
	reasonCancel  = "cancel"
	reasonExpire  = "expire"
	reasonFailed  = "payment_failed"
)

// Ledger is the bookable capacity of inventory units. TryReserve is the
// only way reserved counts change.
type Ledger struct {
	store   Store
	metrics Metrics
}

func NewLedger(store Store, metrics Metrics) *Ledger {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Ledger{store: store, metrics: metrics}
}

func (l *Ledger) Get(ctx context.Context, unitID string) (*models.InventoryUnit, error) {
	return l.store.GetUnit(ctx, unitID)
}

// TryReserve moves reserved by delta if the unit is still at
// expectedVersion. A negative delta releases. Joins the transaction in ctx.
func (l *Ledger) TryReserve(ctx context.Context, unitID string, expectedVersion int64, delta int, reservationID, reason string) (*models.InventoryUnit, error) {
	unit, err := l.store.ApplyDelta(ctx, unitID, expectedVersion, delta, reservationID, reason)
	if errors.Is(err, status.ErrConcurrencyConflict) {
		l.metrics.TrackConflict()
	}
	return unit, err
}

// Release returns quantity to the unit, re-reading its version so the
// write only conflicts with concurrent writers.
func (l *Ledger) Release(ctx context.Context, unitID string, quantity int, reservationID, reason string) (*models.InventoryUnit, error) {
	unit, err := l.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	return l.TryReserve(ctx, unitID, unit.Version, -quantity, reservationID, reason)
}
