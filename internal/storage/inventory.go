package storage

import (
	"context"
	"database/sql"
	"fmt"

	"festival-booking/internal/status"
	"festival-booking/models"

	"github.com/google/uuid"
	"github.com/pocketbase/dbx"
)

const unitColumns = `id, resource_id, slot_key, starts_at, ends_at, capacity, reserved, version, status, created_at, updated_at`

type unitRow struct {
	ID         string        `db:"id"`
	ResourceID string        `db:"resource_id"`
	SlotKey    string        `db:"slot_key"`
	StartsAt   sql.NullInt64 `db:"starts_at"`
	EndsAt     sql.NullInt64 `db:"ends_at"`
	Capacity   int           `db:"capacity"`
	Reserved   int           `db:"reserved"`
	Version    int64         `db:"version"`
	Status     string        `db:"status"`
	CreatedAt  int64         `db:"created_at"`
	UpdatedAt  int64         `db:"updated_at"`
}

func (r unitRow) toModel() *models.InventoryUnit {
	return &models.InventoryUnit{
		ID:         r.ID,
		ResourceID: r.ResourceID,
		SlotKey:    r.SlotKey,
		StartsAt:   fromNullMillis(r.StartsAt),
		EndsAt:     fromNullMillis(r.EndsAt),
		Capacity:   r.Capacity,
		Reserved:   r.Reserved,
		Version:    r.Version,
		Status:     models.UnitStatus(r.Status),
		CreatedAt:  fromMillis(r.CreatedAt),
		UpdatedAt:  fromMillis(r.UpdatedAt),
	}
}

func (s *Store) GetUnit(ctx context.Context, id string) (*models.InventoryUnit, error) {
	var row unitRow
	err := s.query(ctx, `SELECT `+unitColumns+` FROM inventory_units WHERE id = {:id}`, dbx.Params{"id": id}).One(&row)
	if err != nil {
		return nil, notFoundOr(err, "inventory unit", id)
	}
	return row.toModel(), nil
}

func (s *Store) ListUnits(ctx context.Context, resourceID string) ([]*models.InventoryUnit, error) {
	var rows []unitRow
	err := s.query(ctx, `SELECT `+unitColumns+` FROM inventory_units WHERE resource_id = {:rid} ORDER BY starts_at, slot_key`,
		dbx.Params{"rid": resourceID}).All(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list units of %s: %w", resourceID, err)
	}
	units := make([]*models.InventoryUnit, 0, len(rows))
	for _, row := range rows {
		units = append(units, row.toModel())
	}
	return units, nil
}

func (s *Store) CreateUnit(ctx context.Context, u *models.InventoryUnit) error {
	now := s.now()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt, u.UpdatedAt = now, now

	_, err := s.builder(ctx).Insert("inventory_units", dbx.Params{
		"id":          u.ID,
		"resource_id": u.ResourceID,
		"slot_key":    u.SlotKey,
		"starts_at":   nullMillis(u.StartsAt),
		"ends_at":     nullMillis(u.EndsAt),
		"capacity":    u.Capacity,
		"reserved":    u.Reserved,
		"version":     u.Version,
		"status":      string(u.Status),
		"created_at":  millis(now),
		"updated_at":  millis(now),
	}).WithContext(ctx).Execute()
	if isUniqueViolation(err) {
		return status.Wrap(status.KindAlreadyProcessed, err, fmt.Sprintf("slot %q already exists", u.SlotKey))
	}
	if err != nil {
		return fmt.Errorf("storage: create unit: %w", err)
	}
	return nil
}

// DeleteUnit removes a unit only while nothing is reserved on it.
func (s *Store) DeleteUnit(ctx context.Context, id string) error {
	res, err := s.query(ctx, `DELETE FROM inventory_units WHERE id = {:id} AND reserved = 0`, dbx.Params{"id": id}).Execute()
	if err != nil {
		return fmt.Errorf("storage: delete unit %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: delete unit %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetUnit(ctx, id); err != nil {
		return err
	}
	return status.Newf(status.KindInvalidArgument, "inventory unit %s still has reservations", id)
}

// ApplyDelta is the only write path for reserved and version. The update
// succeeds only if the unit is still at expectedVersion and the result
// stays within [0, capacity]; otherwise it reports a concurrency conflict.
// The owning resource's version is bumped and an audit row appended in the
// same transaction.
func (s *Store) ApplyDelta(ctx context.Context, unitID string, expectedVersion int64, delta int, reservationID, reason string) (*models.InventoryUnit, error) {
	var unit *models.InventoryUnit

	err := s.WithTx(ctx, func(ctx context.Context) error {
		now := millis(s.now())

		res, err := s.query(ctx, `UPDATE inventory_units
			SET reserved = reserved + {:delta}, version = version + 1, updated_at = {:now}
			WHERE id = {:id} AND version = {:version}
			AND reserved + {:delta} >= 0 AND reserved + {:delta} <= capacity`,
			dbx.Params{"id": unitID, "version": expectedVersion, "delta": delta, "now": now}).Execute()
		if err != nil {
			return fmt.Errorf("storage: update unit %s: %w", unitID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("storage: update unit %s: %w", unitID, err)
		}
		if n == 0 {
			current, err := s.GetUnit(ctx, unitID)
			if err != nil {
				return err
			}
			if current.Version == expectedVersion {
				return status.Newf(status.KindCapacityExceeded, "delta %d does not fit unit %s (reserved %d of %d)",
					delta, unitID, current.Reserved, current.Capacity)
			}
			return status.Wrap(status.KindConcurrencyConflict, status.ErrConcurrencyConflict,
				fmt.Sprintf("unit %s moved from version %d to %d", unitID, expectedVersion, current.Version))
		}

		if unit, err = s.GetUnit(ctx, unitID); err != nil {
			return err
		}

		if _, err := s.query(ctx, `UPDATE resources SET version = version + 1, updated_at = {:now} WHERE id = {:id}`,
			dbx.Params{"id": unit.ResourceID, "now": now}).Execute(); err != nil {
			return fmt.Errorf("storage: bump resource %s: %w", unit.ResourceID, err)
		}

		_, err = s.builder(ctx).Insert("ledger_transitions", dbx.Params{
			"id":             uuid.NewString(),
			"unit_id":        unit.ID,
			"resource_id":    unit.ResourceID,
			"version":        unit.Version,
			"delta":          delta,
			"reserved":       unit.Reserved,
			"reservation_id": reservationID,
			"reason":         reason,
			"created_at":     now,
		}).WithContext(ctx).Execute()
		if err != nil {
			return fmt.Errorf("storage: record transition: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unit, nil
}

type transitionRow struct {
	ID            string `db:"id"`
	UnitID        string `db:"unit_id"`
	ResourceID    string `db:"resource_id"`
	Version       int64  `db:"version"`
	Delta         int    `db:"delta"`
	Reserved      int    `db:"reserved"`
	ReservationID string `db:"reservation_id"`
	Reason        string `db:"reason"`
	CreatedAt     int64  `db:"created_at"`
}

// ListTransitions returns the audit trail of a unit, oldest first.
func (s *Store) ListTransitions(ctx context.Context, unitID string) ([]models.LedgerTransition, error) {
	var rows []transitionRow
	err := s.query(ctx, `SELECT id, unit_id, resource_id, version, delta, reserved, reservation_id, reason, created_at
		FROM ledger_transitions WHERE unit_id = {:id} ORDER BY version`, dbx.Params{"id": unitID}).All(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list transitions of %s: %w", unitID, err)
	}
	out := make([]models.LedgerTransition, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.LedgerTransition{
			ID:            r.ID,
			UnitID:        r.UnitID,
			ResourceID:    r.ResourceID,
			Version:       r.Version,
			Delta:         r.Delta,
			Reserved:      r.Reserved,
			ReservationID: r.ReservationID,
			Reason:        r.Reason,
			CreatedAt:     fromMillis(r.CreatedAt),
		})
	}
	return out, nil
}
